// Package continuation hands the next unit of pipeline work to a fresh
// execution. Drivers: an HTTP self-call that alternates between two
// endpoints, an in-process queue, a watermill topic pair and a Temporal
// workflow per hop.
package continuation

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// ErrLoopDetected is returned when a channel refuses a hop because it looks
// like a self-invocation loop. Callers continue the work in process.
var ErrLoopDetected = eris.New("continuation: loop detected")

// LoopMarker is the body text that identifies a loop rejection.
const LoopMarker = "loop detected"

// Headers on continuation requests.
const (
	SecretHeader = "X-Leadpipe-Secret"
	DepthHeader  = "X-Leadpipe-Hop"
)

// MaxDepth bounds how many hops a chain of continuations may take before
// the receiver rejects it as a loop.
const MaxDepth = 500

// Processor runs one stage of a run.
type Processor interface {
	ProcessStage(ctx context.Context, runID string, stage model.Stage) error
}

// Hop is the payload carried by every driver.
type Hop struct {
	RunID string      `json:"run_id" validate:"required"`
	Stage model.Stage `json:"stage" validate:"required"`
}

// Phase is one of the two alternating channels.
type Phase string

const (
	PhaseA Phase = "a"
	PhaseB Phase = "b"
)

// ParsePhase accepts "a" or "b" in any case.
func ParsePhase(s string) (Phase, bool) {
	switch Phase(strings.ToLower(s)) {
	case PhaseA:
		return PhaseA, true
	case PhaseB:
		return PhaseB, true
	}
	return "", false
}

// Next returns the other phase. The zero phase is followed by A.
func (p Phase) Next() Phase {
	if p == PhaseA {
		return PhaseB
	}
	return PhaseA
}

type hopKey struct{}

type hopInfo struct {
	phase Phase
	depth int
}

// WithHop records the phase and depth of the hop that delivered the
// current work, so the next hop uses the other phase.
func WithHop(ctx context.Context, phase Phase, depth int) context.Context {
	return context.WithValue(ctx, hopKey{}, hopInfo{phase: phase, depth: depth})
}

// HopFrom returns the phase and depth stored by WithHop. Work that did not
// arrive through a continuation has an empty phase and depth 0.
func HopFrom(ctx context.Context) (Phase, int) {
	h, _ := ctx.Value(hopKey{}).(hopInfo)
	return h.phase, h.depth
}
