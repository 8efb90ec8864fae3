// Package lifecycle implements the training session state machine that
// sits above the Orchestrator: start/pause/resume/stop/restart, plus
// runtime configuration adjustment with a journal and a bounded rollback
// stack, grounded on internal/server.Server's session/connection
// bookkeeping and internal/regression.Orchestrator's phase-gated
// execution.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lox/chesstrain/internal/agent"
	"github.com/lox/chesstrain/internal/config"
	"github.com/lox/chesstrain/internal/orchestrator"
)

// State is one node of the session state machine.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Paused
	CompletedState
	ErrorState
)

func (s State) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case CompletedState:
		return "COMPLETED"
	case ErrorState:
		return "ERROR"
	default:
		return "STOPPED"
	}
}

var (
	// ErrInvalidTransition is returned when a command is issued from a
	// state that does not permit it.
	ErrInvalidTransition = errors.New("lifecycle: invalid state transition")
	// ErrNoSnapshot is returned by Resume when Paused has no snapshot to
	// resume from.
	ErrNoSnapshot = errors.New("lifecycle: no snapshot to resume from")
	// ErrUnknownParameter is returned by Adjust for a parameter outside
	// config.KnownParameters.
	ErrUnknownParameter = errors.New("lifecycle: unknown parameter")
	// ErrNoRollback is returned by Rollback when the rollback stack is
	// empty.
	ErrNoRollback = errors.New("lifecycle: rollback stack is empty")
)

// Session is the externally-visible record of one controller run.
type Session struct {
	ID          string
	Name        string
	Config      config.TrainingConfiguration
	StartTime   time.Time
	EndTime     *time.Time
	PausedTime  *time.Time
	ResumedTime *time.Time
	State       State
	Error       string
}

// Snapshot captures everything Resume needs to continue a Paused
// session exactly where Pause left off.
type Snapshot struct {
	SessionID     string
	Timestamp     time.Time
	Configuration config.TrainingConfiguration
	Iteration     int
}

// JournalEntry is one append-only record of a configuration change.
type JournalEntry struct {
	Timestamp time.Time
	Parameter string
	OldValue  any
	NewValue  any
	Reason    string
	AppliedBy string
}

// ConfigUpdate is the input to Adjust.
type ConfigUpdate struct {
	Parameter string
	Value     any
	Reason    string
	AppliedBy string
}

// ValidationResult is the outcome of validating a ConfigUpdate, returned
// from Adjust both when ValidateOnly is set and as part of a live apply.
type ValidationResult struct {
	Valid           bool
	RequiresRestart bool
	Warning         string
	Err             error
}

// Controller drives one Training Session's state machine and wraps an
// Orchestrator for the actual per-iteration work. Exactly one Session is
// current per Controller.
type Controller struct {
	mu sync.Mutex

	clock  quartz.Clock
	logger zerolog.Logger

	orch       *orchestrator.Orchestrator
	main       agent.Agent
	opponent   agent.Agent
	baseConfig config.TrainingConfiguration

	session  *Session
	snapshot *Snapshot
	journal  []JournalEntry
	rollback []config.TrainingConfiguration

	maxRollbackHistory int
	iteration          int
	pendingRestart     map[string]any
}

// New constructs a Controller in the Stopped state.
func New(orch *orchestrator.Orchestrator, main, opponent agent.Agent, baseConfig config.TrainingConfiguration, logger zerolog.Logger) *Controller {
	maxHistory := baseConfig.MaxRollbackHistory
	if maxHistory <= 0 {
		maxHistory = 20
	}
	return &Controller{
		clock:              quartz.NewReal(),
		logger:             logger,
		orch:               orch,
		main:               main,
		opponent:           opponent,
		baseConfig:         baseConfig,
		maxRollbackHistory: maxHistory,
		pendingRestart:     make(map[string]any),
		session: &Session{
			State: Stopped,
		},
	}
}

// Session returns a copy of the controller's current session record.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.session
}

// Journal returns a copy of the append-only configuration-change log.
func (c *Controller) Journal() []JournalEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]JournalEntry, len(c.journal))
	copy(out, c.journal)
	return out
}

// Start transitions Stopped -> Starting -> Running, adopting newConfig if
// given, otherwise continuing with the last configuration.
func (c *Controller) Start(name string, newConfig *config.TrainingConfiguration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.State != Stopped {
		return fmt.Errorf("%w: start requires Stopped, got %s", ErrInvalidTransition, c.session.State)
	}

	cfg := c.baseConfig
	if newConfig != nil {
		cfg = *newConfig
	}
	for param, value := range c.pendingRestart {
		_ = cfg.Set(param, value)
	}
	c.pendingRestart = make(map[string]any)

	if err := cfg.Validate(); err != nil {
		c.session.State = ErrorState
		c.session.Error = err.Error()
		return fmt.Errorf("lifecycle: start: %w", err)
	}

	c.session.State = Starting
	c.baseConfig = cfg
	now := c.clock.Now()
	c.session = &Session{
		ID:        uuid.NewString(),
		Name:      name,
		Config:    cfg,
		StartTime: now,
		State:     Starting,
	}
	c.iteration = 0
	c.snapshot = nil

	c.logger.Info().Str("session_id", c.session.ID).Str("name", name).Msg("training session starting")

	c.session.State = Running
	return nil
}

// RunIteration runs one Orchestrator cycle if the session is Running. It
// is a no-op returning ErrInvalidTransition from any other state, so
// callers can drive it from a simple poll loop without checking state
// themselves first.
func (c *Controller) RunIteration(ctx context.Context) (orchestrator.IterationSummary, error) {
	c.mu.Lock()
	if c.session.State != Running {
		state := c.session.State
		c.mu.Unlock()
		return orchestrator.IterationSummary{}, fmt.Errorf("%w: RunIteration requires Running, got %s", ErrInvalidTransition, state)
	}
	c.mu.Unlock()

	summary, err := c.orch.RunIteration(ctx, c.main, c.opponent)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.session.State = ErrorState
		c.session.Error = err.Error()
		return summary, err
	}
	c.iteration = summary.Iteration + 1
	if summary.StopEarly {
		c.session.State = CompletedState
		now := c.clock.Now()
		c.session.EndTime = &now
	}
	return summary, nil
}

// Pause transitions Running -> Paused, taking a snapshot of the current
// configuration and iteration count for Resume to restore.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.State != Running {
		return fmt.Errorf("%w: pause requires Running, got %s", ErrInvalidTransition, c.session.State)
	}

	c.orch.Stop()
	now := c.clock.Now()
	c.snapshot = &Snapshot{
		SessionID:     c.session.ID,
		Timestamp:     now,
		Configuration: c.baseConfig,
		Iteration:     c.iteration,
	}
	c.session.State = Paused
	c.session.PausedTime = &now
	c.logger.Info().Str("session_id", c.session.ID).Int("iteration", c.iteration).Msg("training session paused")
	return nil
}

// Resume transitions Paused -> Running, restoring the snapshot taken by
// Pause.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.State != Paused {
		return fmt.Errorf("%w: resume requires Paused, got %s", ErrInvalidTransition, c.session.State)
	}
	if c.snapshot == nil {
		return ErrNoSnapshot
	}

	c.baseConfig = c.snapshot.Configuration
	c.iteration = c.snapshot.Iteration
	c.snapshot = nil

	now := c.clock.Now()
	c.session.ResumedTime = &now
	c.session.State = Running
	c.logger.Info().Str("session_id", c.session.ID).Msg("training session resumed")
	return nil
}

// Stop transitions to Stopped from any state. It is idempotent when
// already Stopped.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.State == Stopped {
		return nil
	}

	c.orch.Stop()
	now := c.clock.Now()
	c.session.State = Stopped
	c.session.EndTime = &now
	c.snapshot = nil
	c.logger.Info().Str("session_id", c.session.ID).Msg("training session stopped")
	return nil
}

// Restart is stop followed by start(newConfig ?? last).
func (c *Controller) Restart(name string, newConfig *config.TrainingConfiguration) error {
	if err := c.Stop(); err != nil {
		return err
	}
	return c.Start(name, newConfig)
}

// Adjust validates and, unless validateOnly, applies a configuration
// update: the validation stage checks the parameter is known, the value
// type-checks against config.Set, and whether it requires a restart to
// take effect. A restart-requiring parameter is queued rather than
// applied immediately. An unknown parameter is a warning, not an error:
// the configuration is returned unchanged but a journal entry of type
// UnknownParameter is still recorded.
func (c *Controller) Adjust(update ConfigUpdate, validateOnly bool) ValidationResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.baseConfig.Get(update.Parameter); !ok {
		warning := fmt.Sprintf("%v: %q", ErrUnknownParameter, update.Parameter)
		if !validateOnly {
			c.journal = append(c.journal, JournalEntry{
				Timestamp: c.clock.Now(),
				Parameter: "UnknownParameter",
				NewValue:  update.Parameter,
				Reason:    update.Reason,
				AppliedBy: update.AppliedBy,
			})
		}
		return ValidationResult{Valid: false, Warning: warning}
	}

	candidate := c.baseConfig
	if err := candidate.Set(update.Parameter, update.Value); err != nil {
		return ValidationResult{Err: err}
	}
	if err := candidate.Validate(); err != nil {
		return ValidationResult{Err: err}
	}

	requiresRestart := config.RestartRequiredParameters[update.Parameter]
	result := ValidationResult{Valid: true, RequiresRestart: requiresRestart}
	if requiresRestart {
		result.Warning = fmt.Sprintf("parameter %q requires a restart to take effect; queued for next start", update.Parameter)
	}

	if validateOnly {
		return result
	}

	oldValue, _ := c.baseConfig.Get(update.Parameter)

	if requiresRestart {
		c.pendingRestart[update.Parameter] = update.Value
		c.appendJournalLocked(update, oldValue)
		return result
	}

	c.pushRollbackLocked()
	c.baseConfig = candidate
	c.appendJournalLocked(update, oldValue)
	return result
}

// Rollback pops the most recent configuration from the rollback stack
// and applies it, recording a journal entry with parameter "ROLLBACK".
func (c *Controller) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.rollback) == 0 {
		return ErrNoRollback
	}

	prev := c.rollback[len(c.rollback)-1]
	c.rollback = c.rollback[:len(c.rollback)-1]

	old := c.baseConfig
	c.baseConfig = prev
	c.journal = append(c.journal, JournalEntry{
		Timestamp: c.clock.Now(),
		Parameter: "ROLLBACK",
		OldValue:  old,
		NewValue:  prev,
		AppliedBy: "lifecycle",
	})
	return nil
}

func (c *Controller) pushRollbackLocked() {
	c.rollback = append(c.rollback, c.baseConfig)
	if len(c.rollback) > c.maxRollbackHistory {
		c.rollback = c.rollback[len(c.rollback)-c.maxRollbackHistory:]
	}
}

func (c *Controller) appendJournalLocked(update ConfigUpdate, oldValue any) {
	c.journal = append(c.journal, JournalEntry{
		Timestamp: c.clock.Now(),
		Parameter: update.Parameter,
		OldValue:  oldValue,
		NewValue:  update.Value,
		Reason:    update.Reason,
		AppliedBy: update.AppliedBy,
	})
}
