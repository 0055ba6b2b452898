package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"mediaqueue/progress"
)

// AttemptRecord logs one tried candidate within a search.
type AttemptRecord struct {
	Label        string   `json:"label"`
	Score        *float64 `json:"score,omitempty"`
	EncodeCount  int      `json:"encodeCount"`
	OrigIndex    int      `json:"origIndex"`
	OrderIndex   int      `json:"orderIndex"`
	Status       string   `json:"status"`
	UsedFallback bool     `json:"usedFallback,omitempty"`
	Error        string   `json:"error,omitempty"`
	DurationMs   int64    `json:"durationMs"`
}

// ChosenCandidate identifies the winning candidate of a search.
type ChosenCandidate struct {
	Label       string   `json:"label"`
	Score       *float64 `json:"score,omitempty"`
	EncodeCount int      `json:"encodeCount"`
	Attempt     string   `json:"attempt"`
}

// SearchResult is the outcome of a successful search.
type SearchResult struct {
	Label    string           `json:"label"`
	Chosen   ChosenCandidate  `json:"chosen"`
	Result   *PipelineResult  `json:"result"`
	Attempts []*AttemptRecord `json:"attempts"`
}

// commandRequiresEncode estimates whether an argument vector re-encodes any
// stream. Deliberately conservative: when in doubt it answers true, so a
// candidate is never ranked cheaper than it really is.
func commandRequiresEncode(args []string) bool {
	index := make(map[string]int, len(args))
	for i, a := range args {
		if _, seen := index[a]; !seen {
			index[a] = i
		}
	}

	// Filters force a re-encode of at least one stream.
	for _, flag := range []string{"-vf", "-filter_complex", "-lavfi", "-af"} {
		if _, ok := index[flag]; ok {
			return true
		}
	}

	// Explicit blanket stream copy.
	if i, ok := index["-c"]; ok {
		if i+1 < len(args) && args[i+1] == "copy" {
			return false
		}
	}

	// Any per-stream codec selection that is not "copy" encodes.
	perStream := []string{"-c:v", "-codec:v", "-vcodec", "-c:a", "-codec:a", "-acodec", "-c:s", "-codec:s", "-scodec"}
	sawCopyOnly := false
	for _, flag := range perStream {
		i, ok := index[flag]
		if !ok {
			continue
		}
		if i+1 < len(args) && args[i+1] != "copy" {
			return true
		}
		sawCopyOnly = true
	}
	if sawCopyOnly {
		return false
	}

	// No codec selection at all: assume ffmpeg will encode.
	return true
}

// candidateEncodeCount returns the explicit encodeCount when supplied, else
// the number of commands inferred to re-encode.
func candidateEncodeCount(cand Candidate) int {
	if cand.EncodeCount != nil && *cand.EncodeCount >= 0 {
		return *cand.EncodeCount
	}
	count := 0
	for _, spec := range cand.Commands {
		args, err := spec.ResolveArgs()
		if err != nil {
			continue
		}
		if commandRequiresEncode(args) {
			count++
		}
	}
	return count
}

type rankedCandidate struct {
	cand        Candidate
	origIndex   int
	encodeCount int
}

func (r rankedCandidate) scoreValue() float64 {
	if r.cand.Score != nil {
		return *r.cand.Score
	}
	return math.Inf(1)
}

// rankCandidates orders candidates best-first: fewest estimated encodes,
// then explicit score presence, then score, then submission order.
func rankCandidates(candidates []Candidate) []rankedCandidate {
	ranked := make([]rankedCandidate, len(candidates))
	for i, cand := range candidates {
		ranked[i] = rankedCandidate{cand: cand, origIndex: i, encodeCount: candidateEncodeCount(cand)}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		ra, rb := ranked[a], ranked[b]
		if ra.encodeCount != rb.encodeCount {
			return ra.encodeCount < rb.encodeCount
		}
		aHas := ra.cand.Score != nil
		bHas := rb.cand.Score != nil
		if aHas != bHas {
			return aHas
		}
		if ra.scoreValue() != rb.scoreValue() {
			return ra.scoreValue() < rb.scoreValue()
		}
		return ra.origIndex < rb.origIndex
	})
	return ranked
}

// RunSearch tries candidates strictly in best-first order and stops at the
// first whose pipeline (including its own fallback) succeeds. When every
// candidate fails, the returned error carries the attempts log.
func (r *Runner) RunSearch(ctx context.Context, rep *progress.Reporter, label string, candidates []Candidate) (*SearchResult, error) {
	if len(candidates) == 0 {
		return nil, errors.New("search has no candidates")
	}
	if label == "" {
		label = "ffmpeg-search"
	}

	var attempts []*AttemptRecord
	ranked := rankCandidates(candidates)
	total := len(ranked)

	for orderIndex, rc := range ranked {
		cand := rc.cand
		candLabel := cand.Label
		if candLabel == "" {
			candLabel = fmt.Sprintf("candidate-%d", rc.origIndex)
		}
		if len(cand.Commands) == 0 {
			continue
		}

		searchCtx := map[string]any{
			"search": map[string]any{
				"candidateIndex":       orderIndex,
				"candidateTotal":       total,
				"candidateLabel":       candLabel,
				"candidateOrigIndex":   rc.origIndex,
				"candidateScore":       cand.Score,
				"candidateEncodeCount": rc.encodeCount,
			},
			"searchAttempts": attempts,
		}

		rep.Report(int(float64(orderIndex)/float64(max(1, total))*100), "ffmpeg-search",
			fmt.Sprintf("%s: try %s [%d/%d]", label, candLabel, orderIndex+1, total),
			map[string]any{"ffmpeg": searchEmitCtx(rep, label, searchCtx, nil)})

		started := time.Now()
		record := &AttemptRecord{
			Label:       candLabel,
			Score:       cand.Score,
			EncodeCount: rc.encodeCount,
			OrigIndex:   rc.origIndex,
			OrderIndex:  orderIndex,
		}

		result, err := r.runAttempt(ctx, rep, label, "primary", cand.Commands, searchCtx)
		attemptName := "primary"
		if err != nil && len(cand.FallbackCommands) > 0 {
			result, err = r.runAttempt(ctx, rep, label, "fallback", cand.FallbackCommands, searchCtx)
			if err == nil {
				record.UsedFallback = true
				attemptName = "fallback"
			}
		}
		record.DurationMs = time.Since(started).Milliseconds()

		if err == nil {
			record.Status = "success"
			attempts = append(attempts, record)
			chosen := ChosenCandidate{Label: candLabel, Score: cand.Score, EncodeCount: rc.encodeCount, Attempt: attemptName}
			rep.Report(100, "done", fmt.Sprintf("%s: done (%s)", label, candLabel),
				map[string]any{"ffmpeg": searchEmitCtx(rep, label, searchCtx, map[string]any{
					"searchAttempts": attempts,
					"chosen":         chosen,
				})})
			return &SearchResult{Label: label, Chosen: chosen, Result: result, Attempts: attempts}, nil
		}

		// Cancellation is not a verdict on the candidate; stop searching.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		record.Status = "failed"
		record.Error = err.Error()
		attempts = append(attempts, record)
		rep.Report(int(float64(orderIndex+1)/float64(max(1, total))*100), "ffmpeg-search",
			fmt.Sprintf("%s: candidate failed (%s)", label, candLabel),
			map[string]any{"ffmpeg": searchEmitCtx(rep, label, searchCtx, map[string]any{
				"searchAttempts": attempts,
				"error":          err.Error(),
			})})
	}

	rep.Report(100, "error", label+": all candidates failed", map[string]any{
		"ffmpeg": map[string]any{"jobId": rep.TaskID(), "label": label, "attempts": attempts},
	})
	return nil, &ExhaustedError{Attempts: attempts}
}

func searchEmitCtx(rep *progress.Reporter, label string, searchCtx, extra map[string]any) map[string]any {
	out := map[string]any{"jobId": rep.TaskID(), "label": label}
	for k, v := range searchCtx {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
