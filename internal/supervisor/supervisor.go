// Package supervisor runs every long-lived task (listeners, the shipper)
// under a restart-with-backoff policy and coordinates graceful shutdown
// (spec §4.8). The signal-driven lifecycle is grounded on
// cmd/server/main.go's SIGINT/SIGTERM handling, generalized here from one
// hardcoded server+metrics pair into a reusable named task table, per
// spec §9's "supervisor task table" global-state allowance.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edgebot/edgebot/internal/health"
)

// Task is a supervised unit of work. Start must block until ctx is
// cancelled or the task fails; a nil return is treated the same as any
// other termination — the supervisor decides whether to restart.
type Task struct {
	Name  string
	Start func(ctx context.Context) error
	// ShutdownLast defers cancellation of this task's context until every
	// non-ShutdownLast task has exited (spec §4.8: the shipper stops only
	// after listeners have stopped producing new work).
	ShutdownLast bool
}

// Config controls restart backoff and shutdown behavior (spec §6.4
// supervisor.*).
type Config struct {
	ShutdownGrace      time.Duration
	MaxRestartAttempts int
	RestartWindow      time.Duration
}

// DefaultConfig matches spec §6.4's defaults.
func DefaultConfig() Config {
	return Config{
		ShutdownGrace:      30 * time.Second,
		MaxRestartAttempts: 10,
		RestartWindow:      5 * time.Minute,
	}
}

const (
	minBackoff  = time.Second
	maxBackoff  = 30 * time.Second
	stableAfter = 60 * time.Second
)

// Supervisor owns a set of Tasks and restarts them with exponential
// backoff on failure, resetting the backoff once a task has run stably
// for stableAfter (spec §4.8).
type Supervisor struct {
	cfg     Config
	reg     *health.Registry
	log     zerolog.Logger

	mu    sync.Mutex
	tasks []Task
}

// New creates a Supervisor. reg receives per-task health updates as tasks
// start, crash, and give up (spec §4.9's edgebot_component_healthy).
func New(cfg Config, reg *health.Registry, log zerolog.Logger) *Supervisor {
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = DefaultConfig().MaxRestartAttempts
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = DefaultConfig().RestartWindow
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	return &Supervisor{
		cfg: cfg,
		reg: reg,
		log: log.With().Str("component", "supervisor").Logger(),
	}
}

// Add registers a task to be started when Run is called. Tasks added
// after Run has started are not picked up — call Add before Run.
func (s *Supervisor) Add(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
}

// Run starts every registered task and blocks until ctx is cancelled. On
// shutdown it cancels ordinary tasks first and waits for them to actually
// exit, then cancels ShutdownLast tasks (the shipper) — so the shipper's
// final drain (spec §4.7 step 2) runs only once listeners have genuinely
// stopped producing, not merely "at the same instant" as them (spec §4.8).
// The full sequence still respects a single overall ShutdownGrace budget.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	var normal, last []Task
	for _, t := range tasks {
		if t.ShutdownLast {
			last = append(last, t)
		} else {
			normal = append(normal, t)
		}
	}

	normalCtx, cancelNormal := context.WithCancel(ctx)
	defer cancelNormal()
	lastCtx, cancelLast := context.WithCancel(ctx)
	defer cancelLast()

	var normalWG, lastWG sync.WaitGroup
	for _, t := range normal {
		normalWG.Add(1)
		go func(t Task) {
			defer normalWG.Done()
			s.superviseOne(normalCtx, t)
		}(t)
	}
	for _, t := range last {
		lastWG.Add(1)
		go func(t Task) {
			defer lastWG.Done()
			s.superviseOne(lastCtx, t)
		}(t)
	}

	<-ctx.Done()
	s.log.Info().Dur("grace", s.cfg.ShutdownGrace).Msg("supervisor stopping tasks")
	if s.reg != nil {
		s.reg.SetStage(health.StageShuttingDown)
	}
	deadline := time.Now().Add(s.cfg.ShutdownGrace)

	cancelNormal()
	normalDone := make(chan struct{})
	go func() {
		normalWG.Wait()
		close(normalDone)
	}()
	select {
	case <-normalDone:
	case <-time.After(time.Until(deadline)):
		s.log.Warn().Msg("shutdown grace period elapsed waiting for listeners to stop")
	}

	cancelLast()
	lastDone := make(chan struct{})
	go func() {
		lastWG.Wait()
		close(lastDone)
	}()
	select {
	case <-lastDone:
	case <-time.After(time.Until(deadline)):
		s.log.Warn().Msg("shutdown grace period elapsed with tasks still running")
	}
}

// superviseOne runs t.Start in a restart loop until ctx is cancelled or
// the task exhausts MaxRestartAttempts within RestartWindow.
func (s *Supervisor) superviseOne(ctx context.Context, t Task) {
	backoff := minBackoff
	attempts := 0
	windowStart := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		if s.reg != nil {
			s.reg.SetTaskHealthy(t.Name, true)
		}

		err := t.Start(ctx)

		if ctx.Err() != nil {
			if s.reg != nil {
				s.reg.RemoveTask(t.Name)
			}
			return
		}

		ran := time.Since(start)

		if err != nil {
			s.log.Error().Err(err).Str("task", t.Name).Dur("ran_for", ran).Msg("task terminated with error")
			if s.reg != nil {
				s.reg.SetTaskError(t.Name, err.Error())
			}
		} else {
			s.log.Warn().Str("task", t.Name).Dur("ran_for", ran).Msg("task exited")
			if s.reg != nil {
				s.reg.SetTaskError(t.Name, "")
			}
		}

		if ran >= stableAfter {
			backoff = minBackoff
			attempts = 0
			windowStart = time.Now()
		}

		if time.Since(windowStart) > s.cfg.RestartWindow {
			attempts = 0
			windowStart = time.Now()
		}

		attempts++
		if attempts > s.cfg.MaxRestartAttempts {
			s.log.Error().Str("task", t.Name).Int("attempts", attempts).
				Msg("task exceeded max_restart_attempts, giving up")
			if s.reg != nil {
				s.reg.SetTaskHealthy(t.Name, false)
			}
			return
		}

		restartID := uuid.New().String()[:8]
		s.log.Info().Str("task", t.Name).Str("restart_id", restartID).
			Dur("backoff", backoff).Int("attempt", attempts).Msg("restarting task")

		select {
		case <-ctx.Done():
			if s.reg != nil {
				s.reg.RemoveTask(t.Name)
			}
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
