package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
)

// Step is the PROCESS state of a stage: one call into an external
// collaborator for the slot the stage currently holds.
type Step interface {
	Process(ctx context.Context, slot *frame.Slot) error
}

// Initializer is implemented by steps whose collaborator needs setup inside
// the stage goroutine (display or encoder bring-up).
type Initializer interface {
	Init(ctx context.Context) error
}

// StepFunc adapts a function to Step.
type StepFunc func(ctx context.Context, slot *frame.Slot) error

// Process calls f.
func (f StepFunc) Process(ctx context.Context, slot *frame.Slot) error {
	return f(ctx, slot)
}

// StageSpec wires one stage into the graph.
//
// Exactly one of Source and Input is set. After PROCESS the slot is copied
// into every side-channel gate in Copies (unless the step failed), then
// either forwarded to Forward or released back to its pool.
type StageSpec struct {
	Name string
	Step Step

	Source *Pool
	Input  *Gate

	Forward *Gate
	Copies  []*Gate

	// Timeout bounds each Process call. Zero uses the controller default,
	// negative disables the bound.
	Timeout time.Duration
}

// State is the position of a stage in its loop.
type State int32

const (
	StateCreated State = iota
	StateInit
	StateWaitInput
	StateProcess
	StatePublish
	StateTerminated
)

var stateNames = map[State]string{
	StateCreated:    "created",
	StateInit:       "init",
	StateWaitInput:  "wait_input",
	StateProcess:    "process",
	StatePublish:    "publish",
	StateTerminated: "terminated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// StageStatus is a point-in-time view of one stage.
type StageStatus struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
}

type stage struct {
	StageSpec

	state     atomic.Int32
	processed atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

func (st *stage) setState(s State) {
	st.state.Store(int32(s))
}

func (st *stage) pool() *Pool {
	if st.Source != nil {
		return st.Source
	}
	return st.Input.Pool()
}

func (st *stage) acquire(ctx context.Context) (*frame.Slot, error) {
	if st.Source != nil {
		return st.Source.AcquireForWrite(ctx)
	}
	return st.Input.AcquireForRead(ctx)
}

func (st *stage) status() StageStatus {
	return StageStatus{
		Name:      st.Name,
		State:     State(st.state.Load()).String(),
		Processed: st.processed.Load(),
		Failed:    st.failed.Load(),
		Skipped:   st.skipped.Load(),
	}
}

// Observer receives per-stage timing. Metrics implement it.
type Observer interface {
	AcquireWaited(stage string, d time.Duration)
	StageProcessed(stage string, d time.Duration)
	StageFailed(stage string)
	StageSkipped(stage string)
}

type nopObserver struct{}

func (nopObserver) AcquireWaited(string, time.Duration)  {}
func (nopObserver) StageProcessed(string, time.Duration) {}
func (nopObserver) StageFailed(string)                   {}
func (nopObserver) StageSkipped(string)                  {}
