// Package triage decides whether an execution's error output needs a repair
// attempt. Tier 1 is a local heuristic over stderr; Tier 2 asks an external
// judge and runs only when Tier 1 flags the output.
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"codeagent/pkg/proto"
)

// Verdict is the Tier 1 result.
type Verdict string

const (
	// Clean means no repair is needed.
	Clean Verdict = "clean"
	// Suspect means stderr looks like a real failure and Tier 2 must decide.
	Suspect Verdict = "critically_suspect"
)

// ErrJudge marks a Tier 2 failure (unreachable judge or malformed verdict).
var ErrJudge = errors.New("error classification failed")

//nolint:gochecknoglobals // fixed heuristic tables
var (
	// BenignPhrases mark package-manager advisories that are not failures.
	BenignPhrases = []string{
		"[notice]",
		"A new release of pip is available",
	}
	// ErrorKeywords are matched case-insensitively.
	ErrorKeywords = []string{"error", "traceback", "exception", "failed", "invalid"}
)

// Inspect runs Tier 1 on stderr.
func Inspect(stderr string) Verdict {
	if stderr == "" {
		return Clean
	}
	if onlyBenign(stderr) {
		return Clean
	}
	lower := strings.ToLower(stderr)
	for _, kw := range ErrorKeywords {
		if strings.Contains(lower, kw) {
			return Suspect
		}
	}
	return Clean
}

// onlyBenign reports whether every non-blank line carries a benign phrase.
func onlyBenign(stderr string) bool {
	for _, line := range strings.Split(stderr, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !isBenign(line) {
			return false
		}
	}
	return true
}

func isBenign(line string) bool {
	for _, p := range BenignPhrases {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

// Evidence is the context handed to the Tier 2 judge.
type Evidence struct {
	Code   string
	Stdout string
	Stderr string
}

// Judge renders the Tier 2 verdict.
type Judge interface {
	Classify(ctx context.Context, ev Evidence) (proto.Destination, error)
}

// Pipeline runs both tiers.
type Pipeline struct {
	judge Judge
}

// NewPipeline creates a pipeline backed by judge.
func NewPipeline(judge Judge) *Pipeline {
	return &Pipeline{judge: judge}
}

// Tier1 is Inspect.
func (p *Pipeline) Tier1(stderr string) Verdict {
	return Inspect(stderr)
}

// Tier2 asks the judge. Any failure, including a verdict outside
// {fix_error, no_error}, is returned wrapped in ErrJudge.
func (p *Pipeline) Tier2(ctx context.Context, ev Evidence) (proto.Destination, error) {
	if p.judge == nil {
		return "", fmt.Errorf("%w: no judge configured", ErrJudge)
	}
	dest, err := p.judge.Classify(ctx, ev)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrJudge, err)
	}
	switch dest {
	case proto.DestFixError, proto.DestNoError:
		return dest, nil
	default:
		return "", fmt.Errorf("%w: unexpected verdict %q", ErrJudge, dest)
	}
}

// Decide runs Tier 1 and, only when needed, Tier 2.
func (p *Pipeline) Decide(ctx context.Context, ev Evidence) (proto.Destination, error) {
	if p.Tier1(ev.Stderr) == Clean {
		return proto.DestNoError, nil
	}
	return p.Tier2(ctx, ev)
}
