package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"mapfree/internal/events"
)

// ErrBusy is returned by Start while a run is active.
var ErrBusy = errors.New("a run is already in progress")

// ErrIdle is returned by Stop and Wait when nothing has been started.
var ErrIdle = errors.New("no run in progress")

// Run phases reported by Status.
const (
	PhaseIdle      = "idle"
	PhaseRunning   = "running"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
	PhaseCancelled = "cancelled"
)

// Status is a snapshot of the controller's current or last run.
type Status struct {
	RunID      string     `json:"run_id,omitempty"`
	Phase      string     `json:"phase"`
	ImageDir   string     `json:"image_dir,omitempty"`
	ProjectDir string     `json:"project_dir,omitempty"`
	Stage      string     `json:"stage,omitempty"`
	Progress   float64    `json:"progress"`
	Message    string     `json:"message,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Summary    *Summary   `json:"summary,omitempty"`
}

// Controller runs one orchestration at a time on its own goroutine, so a
// front end stays responsive. The event bus is the only channel between
// the two.
type Controller struct {
	orch   *Orchestrator
	parent context.Context

	mu      sync.Mutex
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	sub     *events.Subscription
	running bool
}

// NewController returns a controller whose runs derive from ctx.
func NewController(ctx context.Context, orch *Orchestrator) *Controller {
	c := &Controller{orch: orch, parent: ctx, status: Status{Phase: PhaseIdle}}
	c.sub = orch.Bus.Subscribe(c.observe)
	return c
}

// Close detaches the controller from the bus and cancels any active run.
func (c *Controller) Close() {
	c.orch.Bus.Unsubscribe(c.sub)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// observe tracks stage and progress of the active run.
func (c *Controller) observe(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || e.RunID != c.status.RunID {
		return
	}
	if e.Stage != "" {
		c.status.Stage = e.Stage
	}
	switch e.Type {
	case events.TypeStageStarted, events.TypeStageCompleted, events.TypeStageSkipped:
		c.status.Progress = max(c.status.Progress, e.Progress)
		c.status.Message = string(e.Type)
	case events.TypeProgress, events.TypeFallback, events.TypeWarning, events.TypeChunkFailed:
		c.status.Message = e.Message
	case events.TypeError:
		c.status.Error = e.Message
	}
}

// Start launches req on a worker goroutine and returns its run id.
func (c *Controller) Start(req Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return "", ErrBusy
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(c.parent)
	now := time.Now()
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil
	c.status = Status{
		RunID:      req.RunID,
		Phase:      PhaseRunning,
		ImageDir:   req.ImageDir,
		ProjectDir: req.ProjectDir,
		StartedAt:  &now,
	}

	done := c.done
	go func() {
		defer close(done)
		defer cancel()
		summary, err := c.orch.Run(ctx, req)
		c.finish(summary, err, ctx.Err() != nil)
	}()
	return req.RunID, nil
}

func (c *Controller) finish(summary *Summary, err error, cancelled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.running = false
	c.err = err
	c.status.FinishedAt = &now
	c.status.Summary = summary
	switch {
	case err == nil:
		c.status.Phase = PhaseCompleted
		c.status.Progress = 1
		c.status.Error = ""
	case cancelled:
		c.status.Phase = PhaseCancelled
		c.status.Error = err.Error()
	default:
		c.status.Phase = PhaseFailed
		c.status.Error = err.Error()
	}
}

// Stop cancels the active run. The engine process group is killed and the
// project state stays at the last validated stage.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrIdle
	}
	c.cancel()
	return nil
}

// Status returns a snapshot of the current or last run.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Running reports whether a run is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Wait blocks until the current or last run finishes, or ctx is done.
func (c *Controller) Wait(ctx context.Context) (Status, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return c.Status(), ErrIdle
	}
	select {
	case <-done:
	case <-ctx.Done():
		return c.Status(), ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.err
}
