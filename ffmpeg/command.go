package ffmpeg

import (
	"errors"
	"fmt"
	"strings"
)

// CommandSpec is one transcoder invocation as it arrives in a task payload.
// Callers supply either an argument vector or a whole command string; the
// string form is split without a shell and screened for metacharacters.
type CommandSpec struct {
	Args                []string          `json:"args,omitempty"`
	Command             string            `json:"command,omitempty"`
	Cwd                 string            `json:"cwd,omitempty"`
	Env                 map[string]string `json:"env,omitempty"`
	TimeoutMs           int64             `json:"timeoutMs,omitempty"`
	DurationHintSeconds float64           `json:"durationHintSeconds,omitempty"`
}

// ResolveArgs returns the argument vector to execute.
func (s CommandSpec) ResolveArgs() ([]string, error) {
	if len(s.Args) > 0 {
		return s.Args, nil
	}
	if strings.TrimSpace(s.Command) != "" {
		args, err := SplitCommand(s.Command)
		if err != nil {
			return nil, err
		}
		if err := ValidateArgs(args); err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return nil, errors.New("command args is empty")
		}
		return args, nil
	}
	return nil, errors.New("command args is empty")
}

// PipelinePayload is the wire shape of an ffmpeg.pipeline task.
type PipelinePayload struct {
	Label            string        `json:"label,omitempty"`
	Commands         []CommandSpec `json:"commands"`
	FallbackCommands []CommandSpec `json:"fallbackCommands,omitempty"`
}

// Validate rejects malformed pipelines before any process is spawned.
func (p *PipelinePayload) Validate() error {
	if len(p.Commands) == 0 {
		return errors.New("pipeline has no commands")
	}
	for i, spec := range p.Commands {
		if _, err := spec.ResolveArgs(); err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
	}
	for i, spec := range p.FallbackCommands {
		if _, err := spec.ResolveArgs(); err != nil {
			return fmt.Errorf("fallback command %d: %w", i, err)
		}
	}
	return nil
}

// Candidate is one pipeline option within a search, ranked by estimated cost.
type Candidate struct {
	Label            string        `json:"label,omitempty"`
	Score            *float64      `json:"score,omitempty"`
	EncodeCount      *int          `json:"encodeCount,omitempty"`
	Commands         []CommandSpec `json:"commands"`
	FallbackCommands []CommandSpec `json:"fallbackCommands,omitempty"`
}

// SearchPayload is the wire shape of an ffmpeg.search task.
type SearchPayload struct {
	Label      string      `json:"label,omitempty"`
	Candidates []Candidate `json:"candidates"`
}

// Validate rejects malformed searches before any process is spawned.
func (p *SearchPayload) Validate() error {
	if len(p.Candidates) == 0 {
		return errors.New("search has no candidates")
	}
	for i, cand := range p.Candidates {
		if len(cand.Commands) == 0 {
			return fmt.Errorf("candidate %d has no commands", i)
		}
		for j, spec := range cand.Commands {
			if _, err := spec.ResolveArgs(); err != nil {
				return fmt.Errorf("candidate %d command %d: %w", i, j, err)
			}
		}
		for j, spec := range cand.FallbackCommands {
			if _, err := spec.ResolveArgs(); err != nil {
				return fmt.Errorf("candidate %d fallback command %d: %w", i, j, err)
			}
		}
	}
	return nil
}
