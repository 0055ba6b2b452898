// Package store is the durable task queue backed by SQLite. It is the single
// source of truth for task status, progress, and results, shared by any
// number of worker processes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	_ "modernc.org/sqlite"
)

// Store manages task persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open initializes or connects to the queue database and applies migrations.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enqueue persists a new task in the queued state and returns its id.
func (s *Store) Enqueue(ctx context.Context, kind, label string, payload any) (string, error) {
	if strings.TrimSpace(kind) == "" {
		return "", errors.New("task kind is empty")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	if payload == nil {
		payloadJSON = []byte("{}")
	}

	id := shortuuid.New()
	now := time.Now().UTC()
	meta := map[string]any{"updatedAt": now.UnixMilli()}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal meta: %w", err)
	}

	_, err = s.execWithRetry(
		ctx,
		`INSERT INTO media_tasks (id, kind, label, payload, status, progress, stage, message, meta, seq, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, 0, '', '', ?, 0, ?, ?)`,
		id,
		kind,
		label,
		string(payloadJSON),
		StatusQueued,
		string(metaJSON),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// Fetch returns a task by id, or ErrNotFound.
func (s *Store) Fetch(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM media_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch task: %w", err)
	}
	return task, nil
}

// ClaimNext atomically transitions the oldest queued task to started on
// behalf of workerID and returns it, or nil when the queue is empty. SQLite
// serializes writers, so two concurrent claimants can never take the same
// row: the loser's statement runs after the winner's and no longer sees the
// row as queued.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Task, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var (
		task    *Task
		scanErr error
	)
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(
			ctx,
			`UPDATE media_tasks
             SET status = ?, locked_by = ?, started_at = ?, updated_at = ?, seq = seq + 1
             WHERE id = (
                 SELECT id FROM media_tasks WHERE status = ? ORDER BY created_at, id LIMIT 1
             )
             RETURNING `+taskColumns,
			StatusStarted,
			workerID,
			now,
			now,
			StatusQueued,
		)
		task, scanErr = scanTask(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next task: %w", err)
	}
	return task, nil
}

// ReportProgress records an incremental progress update, shallow-merging
// extra into the task's meta bag and bumping seq.
func (s *Store) ReportProgress(ctx context.Context, id string, progress int, stage, message string, extra map[string]any) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return s.mutate(ctx, id, extra, func(q *updateQuery) {
		q.set("progress = ?", progress)
		q.set("stage = ?", stage)
		q.set("message = ?", message)
	})
}

// Finish marks a task finished with its result.
func (s *Store) Finish(ctx context.Context, id string, result any, extra map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.mutate(ctx, id, extra, func(q *updateQuery) {
		q.set("status = ?", StatusFinished)
		q.set("progress = ?", 100)
		q.set("stage = ?", "done")
		q.set("result = ?", string(resultJSON))
		q.set("finished_at = ?", now)
	})
}

// Fail marks a task failed with its error text.
func (s *Store) Fail(ctx context.Context, id string, errText string, extra map[string]any) error {
	if strings.TrimSpace(errText) == "" {
		errText = "failed"
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.mutate(ctx, id, extra, func(q *updateQuery) {
		q.set("status = ?", StatusFailed)
		q.set("stage = ?", "error")
		q.set("error = ?", errText)
		q.set("finished_at = ?", now)
	})
}

type updateQuery struct {
	assignments []string
	args        []any
}

func (q *updateQuery) set(assignment string, arg any) {
	q.assignments = append(q.assignments, assignment)
	q.args = append(q.args, arg)
}

// mutate applies column assignments plus the shared bookkeeping every task
// mutation carries: meta shallow-merge, seq bump, updated_at. Runs in a
// transaction because the merge is a read-modify-write.
func (s *Store) mutate(ctx context.Context, id string, extra map[string]any, build func(*updateQuery)) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		var metaRaw sql.NullString
		row := tx.QueryRowContext(ctx, `SELECT meta FROM media_tasks WHERE id = ?`, id)
		if err := row.Scan(&metaRaw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read meta: %w", err)
		}

		meta := map[string]any{}
		if metaRaw.Valid && metaRaw.String != "" {
			if err := json.Unmarshal([]byte(metaRaw.String), &meta); err != nil {
				meta = map[string]any{}
			}
		}
		for k, v := range extra {
			meta[k] = v
		}
		meta["updatedAt"] = time.Now().UTC().UnixMilli()
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}

		q := &updateQuery{}
		build(q)
		q.set("meta = ?", string(metaJSON))
		q.set("updated_at = ?", time.Now().UTC().Format(time.RFC3339Nano))

		query := `UPDATE media_tasks SET ` + strings.Join(q.assignments, ", ") + `, seq = seq + 1 WHERE id = ?`
		res, err := tx.ExecContext(ctx, query, append(q.args, id)...)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			return ErrNotFound
		}

		return tx.Commit()
	})
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	ctx = ensureContext(ctx)
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

const taskColumns = "id, kind, label, payload, status, progress, stage, message, meta, seq, result, error, locked_by, created_at, updated_at, started_at, finished_at"

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		id          string
		kind        string
		label       sql.NullString
		payload     sql.NullString
		statusStr   string
		progress    int
		stage       sql.NullString
		message     sql.NullString
		meta        sql.NullString
		seq         int64
		result      sql.NullString
		errText     sql.NullString
		lockedBy    sql.NullString
		createdRaw  sql.NullString
		updatedRaw  sql.NullString
		startedRaw  sql.NullString
		finishedRaw sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&kind,
		&label,
		&payload,
		&statusStr,
		&progress,
		&stage,
		&message,
		&meta,
		&seq,
		&result,
		&errText,
		&lockedBy,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}

	task := &Task{
		ID:       id,
		Kind:     kind,
		Label:    label.String,
		Status:   Status(statusStr),
		Progress: progress,
		Stage:    stage.String,
		Message:  message.String,
		Seq:      seq,
		Error:    errText.String,
		LockedBy: lockedBy.String,
	}
	if payload.Valid && payload.String != "" {
		task.Payload = json.RawMessage(payload.String)
	}
	if result.Valid && result.String != "" {
		task.Result = json.RawMessage(result.String)
	}
	if meta.Valid && meta.String != "" {
		m := map[string]any{}
		if err := json.Unmarshal([]byte(meta.String), &m); err == nil {
			task.Meta = m
		}
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		task.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		task.UpdatedAt = updated
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			task.StartedAt = &started
		}
	}
	if finishedRaw.Valid {
		if finished, err := parseTimeString(finishedRaw.String); err == nil {
			task.FinishedAt = &finished
		}
	}
	return task, nil
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}
