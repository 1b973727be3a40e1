// Package orchestrator owns process lifecycle: it broadcasts control:state
// transitions, executes registered cleanups in LIFO order on shutdown, and
// services operator commands arriving on control:command.
package orchestrator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/coachpo/tidefeed/internal/bus/eventbus"
	"github.com/coachpo/tidefeed/internal/observability"
	"github.com/coachpo/tidefeed/internal/schema"
)

const (
	defaultCleanupTimeout = 2 * time.Second
	defaultForceExitAfter = 5 * time.Second
)

// CleanupFunc releases one component. The context carries the per-cleanup
// deadline; implementations should honor it.
type CleanupFunc func(ctx context.Context) error

// Config tunes shutdown behavior. Zero fields fall back to defaults.
type Config struct {
	RunID string
	// CleanupTimeout bounds each individual cleanup.
	CleanupTimeout time.Duration
	// ForceExitAfter bounds the whole shutdown once STOPPING begins; when it
	// elapses the process exits with the pre-recorded code.
	ForceExitAfter time.Duration
	// Exit is swapped out by tests. Defaults to os.Exit.
	Exit func(code int)
}

type namedCleanup struct {
	name string
	fn   CleanupFunc
}

// Orchestrator broadcasts the STARTING/RUNNING/STOPPING/STOPPED ladder and
// drains cleanups exactly once.
type Orchestrator struct {
	bus     eventbus.Bus
	cfg     Config
	metrics *orchestratorMetrics

	mu        sync.Mutex
	started   bool
	stopping  bool
	lifecycle schema.Lifecycle
	paused    bool
	exitCode  int
	cleanups  []namedCleanup
	sub       *eventbus.Subscription

	done chan struct{}
	now  func() int64
}

// New wires an orchestrator over the given bus.
func New(bus eventbus.Bus, cfg Config) *Orchestrator {
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	if cfg.ForceExitAfter <= 0 {
		cfg.ForceExitAfter = defaultForceExitAfter
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	return &Orchestrator{
		bus:     bus,
		cfg:     cfg,
		metrics: newOrchestratorMetrics(),
		done:    make(chan struct{}),
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// RegisterCleanup pushes a named cleanup onto the stack. Cleanups run in
// reverse registration order; registrations after shutdown began are ignored.
func (o *Orchestrator) RegisterCleanup(name string, fn CleanupFunc) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopping {
		observability.Log().Warn("cleanup registered after shutdown began; ignored",
			observability.Field{Key: "name", Value: name})
		return
	}
	o.cleanups = append(o.cleanups, namedCleanup{name: name, fn: fn})
}

// Start broadcasts STARTING and begins servicing control commands.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.lifecycle = schema.LifecycleStarting
	sub := o.bus.Subscribe(schema.TopicControlCommand, o.handleCommand)
	o.sub = &sub
	o.mu.Unlock()

	o.metrics.recordTransition(ctx, string(schema.LifecycleStarting))
	o.publishState(ctx)
}

// Running broadcasts RUNNING once startup completed. It is a no-op unless
// the orchestrator is still STARTING.
func (o *Orchestrator) Running(ctx context.Context) {
	o.mu.Lock()
	if o.lifecycle != schema.LifecycleStarting {
		o.mu.Unlock()
		return
	}
	o.lifecycle = schema.LifecycleRunning
	o.mu.Unlock()

	o.metrics.recordTransition(ctx, string(schema.LifecycleRunning))
	o.publishState(ctx)
}

// Shutdown drains the cleanup stack exactly once and broadcasts
// STOPPING/STOPPED around it. The exit code of the first caller wins. A
// fallback timer forces the process down should the drain hang.
func (o *Orchestrator) Shutdown(code int) {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return
	}
	o.stopping = true
	o.exitCode = code
	o.lifecycle = schema.LifecycleStopping
	cleanups := make([]namedCleanup, len(o.cleanups))
	copy(cleanups, o.cleanups)
	sub := o.sub
	o.sub = nil
	o.mu.Unlock()

	ctx := context.Background()
	o.metrics.recordTransition(ctx, string(schema.LifecycleStopping))
	o.publishState(ctx)

	fallback := time.AfterFunc(o.cfg.ForceExitAfter, func() {
		observability.Log().Error("shutdown exceeded deadline; forcing exit",
			observability.Field{Key: "exitCode", Value: o.ExitCode()})
		o.cfg.Exit(o.ExitCode())
	})

	for i := len(cleanups) - 1; i >= 0; i-- {
		o.runCleanup(ctx, cleanups[i])
	}
	fallback.Stop()

	if sub != nil {
		o.bus.Unsubscribe(*sub)
	}

	o.mu.Lock()
	o.lifecycle = schema.LifecycleStopped
	o.mu.Unlock()
	o.metrics.recordTransition(ctx, string(schema.LifecycleStopped))
	o.publishState(ctx)
	close(o.done)
}

// Fail records a fatal error and shuts down with exit code 1.
func (o *Orchestrator) Fail(err error) {
	if err != nil {
		observability.Log().Error("fatal error; shutting down",
			observability.Field{Key: "error", Value: err.Error()})
	}
	o.Shutdown(1)
}

// Done closes once the cleanup stack fully drained.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// ExitCode returns the recorded exit code.
func (o *Orchestrator) ExitCode() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exitCode
}

// Paused reports the operator pause flag.
func (o *Orchestrator) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// Lifecycle returns the current lifecycle phase.
func (o *Orchestrator) Lifecycle() schema.Lifecycle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lifecycle
}

func (o *Orchestrator) runCleanup(ctx context.Context, c namedCleanup) {
	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.CleanupTimeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- c.fn(stepCtx) }()

	select {
	case err := <-errCh:
		if err != nil {
			o.metrics.recordCleanup(ctx, "failed")
			observability.Log().Warn("cleanup failed",
				observability.Field{Key: "name", Value: c.name},
				observability.Field{Key: "error", Value: err.Error()})
			return
		}
		o.metrics.recordCleanup(ctx, "ok")
		observability.Log().Info("cleanup completed",
			observability.Field{Key: "name", Value: c.name},
			observability.Field{Key: "elapsed", Value: time.Since(start).String()})
	case <-stepCtx.Done():
		o.metrics.recordCleanup(ctx, "timeout")
		observability.Log().Warn("cleanup timed out",
			observability.Field{Key: "name", Value: c.name},
			observability.Field{Key: "timeout", Value: o.cfg.CleanupTimeout.String()})
	}
}

func (o *Orchestrator) handleCommand(ctx context.Context, evt eventbus.Event) error {
	cmd, ok := evt.Payload.(schema.ControlCommand)
	if !ok {
		return nil
	}
	switch cmd.Name {
	case schema.CommandShutdown:
		// Drain off the publisher's goroutine; handlers must stay fast.
		go o.Shutdown(commandExitCode(cmd))
	case schema.CommandPause:
		o.setPaused(ctx, true)
	case schema.CommandResume:
		o.setPaused(ctx, false)
	case schema.CommandStatus:
		o.publishState(ctx)
	default:
		observability.Log().Warn("unknown control command",
			observability.Field{Key: "name", Value: string(cmd.Name)})
	}
	return nil
}

func (o *Orchestrator) setPaused(ctx context.Context, paused bool) {
	o.mu.Lock()
	if o.paused == paused {
		o.mu.Unlock()
		return
	}
	o.paused = paused
	o.mu.Unlock()

	if paused {
		observability.Log().Info("paused by operator command")
	} else {
		observability.Log().Info("resumed by operator command")
	}
	o.publishState(ctx)
}

func (o *Orchestrator) publishState(ctx context.Context) {
	o.mu.Lock()
	state := schema.ControlState{
		Lifecycle: o.lifecycle,
		Paused:    o.paused,
		RunID:     o.cfg.RunID,
		TS:        o.now(),
	}
	o.mu.Unlock()

	meta := schema.NewMeta(schema.SourceState, schema.WithTS(state.TS), schema.WithTSEvent(state.TS))
	if err := o.bus.Publish(ctx, schema.TopicControlState, state, meta); err != nil {
		observability.Log().Debug("state publish dropped",
			observability.Field{Key: "lifecycle", Value: string(state.Lifecycle)},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// commandExitCode reads an optional integer exit code from shutdown args.
func commandExitCode(cmd schema.ControlCommand) int {
	if cmd.Args == nil {
		return 0
	}
	switch v := cmd.Args["code"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
