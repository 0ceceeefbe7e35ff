package domain

import (
	"context"
	"fmt"
	"time"
)

// Condition is the result of probing a stage's external resource.
type Condition int

const (
	// Pending means the stage has to act.
	Pending Condition = iota
	// Satisfied means the resource is already in the desired state.
	Satisfied
)

// State is what a probe observed before the stage reconciles.
type State struct {
	Condition Condition
	Detail    string
}

// PendingState and SatisfiedState build a State with a detail message.
func PendingState(format string, args ...any) State {
	return State{Condition: Pending, Detail: fmt.Sprintf(format, args...)}
}

func SatisfiedState(format string, args ...any) State {
	return State{Condition: Satisfied, Detail: fmt.Sprintf(format, args...)}
}

// Stage is one step of the bootstrap workflow. Probe is optional; a stage
// without one always reconciles.
type Stage struct {
	Name      string
	Probe     func(ctx context.Context) (State, error)
	Reconcile func(ctx context.Context, state State) error

	// Fatal stops the workflow when Reconcile fails. Non-fatal failures
	// are logged and the workflow moves on.
	Fatal bool

	// Streaming marks the terminal stage that only returns once the
	// operator interrupts it.
	Streaming bool

	// Hint is the remediation shown to the operator on a fatal failure.
	Hint string
}

// Outcome is how a stage ended.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDone      Outcome = "done"
	OutcomeTolerated Outcome = "tolerated"
	OutcomeFailed    Outcome = "failed"
	OutcomeStreaming Outcome = "streaming"
)

// Report describes a stage that has been entered.
type Report struct {
	Ordinal  int           `json:"ordinal"`
	Name     string        `json:"name"`
	Outcome  Outcome       `json:"outcome"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// StageError is returned when a fatal stage fails. The workflow is in its
// terminal failed state once one of these is produced.
type StageError struct {
	Ordinal int
	Stage   string
	Hint    string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ExitCode gives every stage its own non-zero process exit code.
func (e *StageError) ExitCode() int {
	return 10 + e.Ordinal
}
