package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/frame"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/logger"
)

const (
	// DefaultStageTimeout bounds collaborator calls so shutdown latency stays
	// close to one PROCESS step.
	DefaultStageTimeout = 100 * time.Millisecond
	// DefaultRetryDelay is the pause before a source stage retries a failed fill.
	DefaultRetryDelay = 10 * time.Millisecond
)

// Options configures a Controller.
type Options struct {
	StageTimeout time.Duration
	RetryDelay   time.Duration
	Observer     Observer
}

// Controller owns the pools, gates and stage goroutines of one pipeline run.
// It is single-use: once shut down it cannot be started again.
type Controller struct {
	opts Options

	pools  []*Pool
	stages []*stage
	// One consumer per gate, one feeder per gate and one writing stage per
	// pool: read cursors follow write order only with a single producer.
	inputs  map[*Gate]string
	feeders map[*Gate]string
	writers map[*Pool]string

	running  atomic.Bool
	started  atomic.Bool
	tornDown atomic.Bool
	stopOnce sync.Once

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	release chan struct{}
	done    chan struct{}
}

// New creates an empty controller.
func New(opts Options) *Controller {
	if opts.StageTimeout == 0 {
		opts.StageTimeout = DefaultStageTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Controller{
		opts:    opts,
		inputs:  make(map[*Gate]string),
		feeders: make(map[*Gate]string),
		writers: make(map[*Pool]string),
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// NewPool allocates a pool owned by the controller.
func (c *Controller) NewPool(name string, n, capacity int) (*Pool, error) {
	if c.started.Load() {
		return nil, errors.New("pipeline: cannot add pools after start")
	}
	for _, p := range c.pools {
		if p.name == name {
			return nil, fmt.Errorf("pipeline: duplicate pool %q", name)
		}
	}
	p, err := NewPool(name, n, capacity)
	if err != nil {
		return nil, err
	}
	c.pools = append(c.pools, p)
	return p, nil
}

// AddStage registers a stage. The graph is validated edge by edge.
func (c *Controller) AddStage(spec StageSpec) error {
	if c.started.Load() {
		return errors.New("pipeline: cannot add stages after start")
	}
	if spec.Name == "" {
		return errors.New("pipeline: stage name is required")
	}
	if spec.Step == nil {
		return fmt.Errorf("pipeline: stage %s has no step", spec.Name)
	}
	for _, st := range c.stages {
		if st.Name == spec.Name {
			return fmt.Errorf("pipeline: duplicate stage %q", spec.Name)
		}
	}
	if (spec.Source == nil) == (spec.Input == nil) {
		return fmt.Errorf("pipeline: stage %s needs exactly one of source or input", spec.Name)
	}

	var pool *Pool
	if spec.Source != nil {
		pool = spec.Source
		if owner, taken := c.writers[pool]; taken {
			return fmt.Errorf("pipeline: pool %s already written by %s", pool.Name(), owner)
		}
	} else {
		pool = spec.Input.Pool()
		if owner, taken := c.inputs[spec.Input]; taken {
			return fmt.Errorf("pipeline: gate %s already consumed by %s", spec.Input.Name(), owner)
		}
	}
	if !c.ownsPool(pool) {
		return fmt.Errorf("pipeline: stage %s uses pool %s not created by this controller", spec.Name, pool.Name())
	}
	if spec.Forward != nil {
		if spec.Forward.Pool() != pool {
			return fmt.Errorf("pipeline: stage %s forwards to gate %s on another pool", spec.Name, spec.Forward.Name())
		}
		if spec.Forward == spec.Input {
			return fmt.Errorf("pipeline: stage %s forwards to its own input", spec.Name)
		}
		if owner, taken := c.feeders[spec.Forward]; taken {
			return fmt.Errorf("pipeline: gate %s already fed by %s", spec.Forward.Name(), owner)
		}
	}
	for _, g := range spec.Copies {
		if g.Pool() == pool {
			return fmt.Errorf("pipeline: stage %s copies into gate %s on its own pool", spec.Name, g.Name())
		}
		if !c.ownsPool(g.Pool()) {
			return fmt.Errorf("pipeline: stage %s copies into foreign pool %s", spec.Name, g.Pool().Name())
		}
		if owner, taken := c.writers[g.Pool()]; taken {
			return fmt.Errorf("pipeline: pool %s already written by %s", g.Pool().Name(), owner)
		}
		if owner, taken := c.feeders[g]; taken {
			return fmt.Errorf("pipeline: gate %s already fed by %s", g.Name(), owner)
		}
	}

	if spec.Input != nil {
		c.inputs[spec.Input] = spec.Name
	} else {
		c.writers[pool] = spec.Name
	}
	if spec.Forward != nil {
		c.feeders[spec.Forward] = spec.Name
	}
	for _, g := range spec.Copies {
		c.writers[g.Pool()] = spec.Name
		c.feeders[g] = spec.Name
	}
	c.stages = append(c.stages, &stage{StageSpec: spec})
	return nil
}

// Start spawns one goroutine per stage and waits until every stage finished
// its initialization. Any init failure is fatal: the already started stages
// are shut down and joined, resources are released and the error returned.
func (c *Controller) Start(ctx context.Context) error {
	if len(c.stages) == 0 {
		return errors.New("pipeline: no stages")
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("pipeline: already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running.Store(true)

	initErrs := make(chan error, len(c.stages))
	for _, st := range c.stages {
		c.wg.Add(1)
		go c.run(st, initErrs)
	}
	go func() {
		c.wg.Wait()
		close(c.done)
	}()

	var errs []error
	for range c.stages {
		if err := <-initErrs; err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		c.RequestShutdown()
		<-c.done
		if err := c.Teardown(); err != nil {
			logger.Warn("Pipeline", "Teardown after failed start: %v", err)
		}
		return fmt.Errorf("start pipeline: %w", errors.Join(errs...))
	}

	// The parent context ending is treated like an operator shutdown.
	context.AfterFunc(c.ctx, c.RequestShutdown)

	close(c.release)
	logger.Info("Pipeline", "Started %d stages over %d pools", len(c.stages), len(c.pools))
	return nil
}

// Running reports whether the pipeline accepts work.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// RequestShutdown stops the pipeline: it clears the running flag exactly
// once, then wakes every goroutine parked on any gate of the graph.
func (c *Controller) RequestShutdown() {
	c.stopOnce.Do(func() {
		c.running.Store(false)
		if c.cancel != nil {
			c.cancel()
		}
		for _, p := range c.pools {
			p.wake()
		}
		logger.Info("Pipeline", "Shutdown requested, woke %d pools", len(c.pools))
	})
}

// JoinAll waits until every stage goroutine returned, or ctx ends.
func (c *Controller) JoinAll(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("join stages: %w", ctx.Err())
	}
}

// Done is closed once all stage goroutines returned, or by Teardown of a
// controller that was never started.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Teardown closes the collaborators and releases all pools. It refuses to
// run while any stage may still be waiting on a gate.
func (c *Controller) Teardown() error {
	if c.started.CompareAndSwap(false, true) {
		// Never started: no goroutines, and Start is refused from now on.
		close(c.done)
	} else {
		select {
		case <-c.done:
		default:
			return ErrStillRunning
		}
	}
	if !c.tornDown.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for i := len(c.stages) - 1; i >= 0; i-- {
		st := c.stages[i]
		if closer, ok := st.Step.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close stage %s: %w", st.Name, err))
			}
		}
	}
	for i := len(c.pools) - 1; i >= 0; i-- {
		c.pools[i].drop()
	}
	return errors.Join(errs...)
}

// Pools returns the pools in creation order.
func (c *Controller) Pools() []*Pool {
	return append([]*Pool(nil), c.pools...)
}

// Stages returns the status of every stage in registration order.
func (c *Controller) Stages() []StageStatus {
	out := make([]StageStatus, len(c.stages))
	for i, st := range c.stages {
		out[i] = st.status()
	}
	return out
}

func (c *Controller) ownsPool(p *Pool) bool {
	for _, own := range c.pools {
		if own == p {
			return true
		}
	}
	return false
}

func (c *Controller) run(st *stage, initErrs chan<- error) {
	defer c.wg.Done()
	defer st.setState(StateTerminated)

	st.setState(StateInit)
	if init, ok := st.Step.(Initializer); ok {
		if err := init.Init(c.ctx); err != nil {
			logger.Error("Pipeline", "Stage %s failed to initialize: %v", st.Name, err)
			initErrs <- fmt.Errorf("stage %s: %w", st.Name, err)
			return
		}
	}
	initErrs <- nil

	select {
	case <-c.release:
	case <-c.ctx.Done():
		return
	}

	logger.Info("Pipeline", "Stage %s running", st.Name)
	c.loop(st)

	if c.running.Load() && c.ctx.Err() == nil {
		// Nobody will signal this stage's gates again; keeping the others
		// alive would only park them forever.
		logger.Error("Pipeline", "Stage %s exited while running, shutting down pipeline", st.Name)
		c.RequestShutdown()
		return
	}
	logger.Info("Pipeline", "Stage %s terminated", st.Name)
}

func (c *Controller) loop(st *stage) {
	var held *frame.Slot

	for {
		slot := held
		held = nil

		if slot == nil {
			st.setState(StateWaitInput)
			waitStart := time.Now()
			var err error
			slot, err = st.acquire(c.ctx)
			if err != nil {
				return
			}
			c.opts.Observer.AcquireWaited(st.Name, time.Since(waitStart))
		}

		if !c.running.Load() {
			return
		}

		st.setState(StateProcess)
		if slot.Failed && st.Source == nil {
			st.skipped.Add(1)
			c.opts.Observer.StageSkipped(st.Name)
		} else if err := c.process(st, slot); err != nil {
			if st.Source != nil {
				// Keep the claimed slot: releasing it would move the write
				// cursor past an index the readers still expect.
				held = slot
				c.sourceFailed(st, err)
				if !c.pause(c.opts.RetryDelay) {
					return
				}
				continue
			}
			st.failed.Add(1)
			c.opts.Observer.StageFailed(st.Name)
			logger.Warn("Pipeline", "Stage %s failed on frame #%d: %v", st.Name, slot.Seq, err)
			slot.Failed = true
		}

		st.setState(StatePublish)
		if err := c.route(st, slot); err != nil {
			if !errors.Is(err, ErrClosed) && !errors.Is(err, ErrNotRunning) && c.ctx.Err() == nil {
				logger.Error("Pipeline", "Stage %s failed to route frame #%d: %v", st.Name, slot.Seq, err)
			}
			return
		}
	}
}

func (c *Controller) process(st *stage, slot *frame.Slot) error {
	ctx := c.ctx
	timeout := st.Timeout
	if timeout == 0 {
		timeout = c.opts.StageTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	if err := st.Step.Process(ctx, slot); err != nil {
		return err
	}
	st.processed.Add(1)
	c.opts.Observer.StageProcessed(st.Name, time.Since(start))
	return nil
}

func (c *Controller) sourceFailed(st *stage, err error) {
	if errors.Is(err, frame.ErrNoFrame) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// No frame within the bound; the sensor is idle or we are stopping.
		logger.Debug("Pipeline", "Stage %s: no frame: %v", st.Name, err)
		return
	}
	st.failed.Add(1)
	c.opts.Observer.StageFailed(st.Name)
	logger.Warn("Pipeline", "Stage %s fill failed: %v", st.Name, err)
}

func (c *Controller) route(st *stage, slot *frame.Slot) error {
	if !slot.Failed {
		for _, g := range st.Copies {
			if err := c.copyTo(g, slot); err != nil {
				return fmt.Errorf("copy to %s: %w", g.Name(), err)
			}
		}
	}
	if st.Forward != nil {
		return st.Forward.Publish(slot)
	}
	return st.pool().Release(slot)
}

// copyTo writes slot into the side-channel buffer behind g.
func (c *Controller) copyTo(g *Gate, src *frame.Slot) error {
	dst, err := g.Pool().AcquireForWrite(c.ctx)
	if err != nil {
		return err
	}
	if !c.running.Load() {
		_ = g.Pool().Release(dst)
		return ErrNotRunning
	}
	if !dst.CopyFrom(src) {
		logger.Warn("Pipeline", "Frame #%d (%d bytes) does not fit side channel %s (%d bytes)",
			src.Seq, src.Size, g.Name(), dst.Capacity())
		dst.Failed = true
		dst.Seq = src.Seq
	}
	return g.Publish(dst)
}

func (c *Controller) pause(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}
