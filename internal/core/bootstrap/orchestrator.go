package bootstrap

import (
	"context"
	"errors"
	"log/slog"

	"github.com/juju/clock"

	"github.com/melih/garmin-bootstrap/internal/core/domain"
	"github.com/melih/garmin-bootstrap/internal/core/ports"
)

// Orchestrator runs an ordered list of stages. It moves strictly forward,
// never revisits a stage and stops at the first fatal failure.
type Orchestrator struct {
	stages    []domain.Stage
	logger    *slog.Logger
	clock     clock.Clock
	observers []ports.StageObserver
}

// New creates an Orchestrator for stages.
func New(stages []domain.Stage, logger *slog.Logger, clk clock.Clock, observers ...ports.StageObserver) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Orchestrator{
		stages:    stages,
		logger:    logger,
		clock:     clk,
		observers: observers,
	}
}

// Run executes every stage in order and returns the reports of the stages
// it entered. A fatal failure is returned as a *domain.StageError. If ctx is
// cancelled before the streaming stage, Run returns ctx.Err(); cancelling
// the streaming stage is its normal way to finish.
func (o *Orchestrator) Run(ctx context.Context) ([]domain.Report, error) {
	reports := make([]domain.Report, 0, len(o.stages))
	for i, stage := range o.stages {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		report, err := o.runStage(ctx, i, stage)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

func (o *Orchestrator) runStage(ctx context.Context, ordinal int, stage domain.Stage) (domain.Report, error) {
	logger := o.logger.With("stage", stage.Name, "ordinal", ordinal)
	report := domain.Report{
		Ordinal: ordinal,
		Name:    stage.Name,
		Outcome: domain.OutcomeRunning,
		Started: o.clock.Now(),
	}
	logger.Debug("entering stage")
	o.notifyStarted(report)

	finish := func(outcome domain.Outcome, detail string, err error) domain.Report {
		report.Outcome = outcome
		report.Detail = detail
		if err != nil {
			report.Error = err.Error()
		}
		report.Duration = o.clock.Now().Sub(report.Started)
		logger.Debug("leaving stage", "outcome", outcome, "duration", report.Duration)
		o.notifyFinished(report)
		return report
	}

	state := domain.State{Condition: domain.Pending}
	if stage.Probe != nil {
		probed, err := stage.Probe(ctx)
		if err != nil {
			if !stage.Fatal {
				logger.Warn("stage probe failed, continuing", "err", err)
				return finish(domain.OutcomeTolerated, "", err), nil
			}
			logger.Error("stage probe failed", "err", err)
			return finish(domain.OutcomeFailed, "", err), o.stageError(ordinal, stage, err)
		}
		state = probed
	}
	if state.Condition == domain.Satisfied {
		logger.Info("stage already satisfied", "detail", state.Detail)
		return finish(domain.OutcomeSkipped, state.Detail, nil), nil
	}

	err := stage.Reconcile(ctx, state)

	if stage.Streaming {
		if err == nil || ctx.Err() != nil {
			return finish(domain.OutcomeStreaming, "interrupted", nil), nil
		}
	}
	if err == nil {
		return finish(domain.OutcomeDone, state.Detail, nil), nil
	}
	if ctx.Err() != nil {
		return finish(domain.OutcomeFailed, "interrupted", err), ctx.Err()
	}
	if !stage.Fatal {
		logger.Warn("stage failed, continuing", "err", err)
		return finish(domain.OutcomeTolerated, state.Detail, err), nil
	}

	logger.Error("stage failed", "err", err)
	return finish(domain.OutcomeFailed, state.Detail, err), o.stageError(ordinal, stage, err)
}

func (o *Orchestrator) stageError(ordinal int, stage domain.Stage, err error) error {
	var stageErr *domain.StageError
	if errors.As(err, &stageErr) {
		return stageErr
	}
	return &domain.StageError{
		Ordinal: ordinal,
		Stage:   stage.Name,
		Hint:    stage.Hint,
		Err:     err,
	}
}

func (o *Orchestrator) notifyStarted(report domain.Report) {
	for _, observer := range o.observers {
		observer.StageStarted(report)
	}
}

func (o *Orchestrator) notifyFinished(report domain.Report) {
	for _, observer := range o.observers {
		observer.StageFinished(report)
	}
}

// Names lists the stage names in execution order.
func (o *Orchestrator) Names() []string {
	names := make([]string, len(o.stages))
	for i, stage := range o.stages {
		names[i] = stage.Name
	}
	return names
}
