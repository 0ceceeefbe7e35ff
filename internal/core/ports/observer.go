package ports

import "github.com/melih/garmin-bootstrap/internal/core/domain"

// StageObserver is notified as the orchestrator moves through the stages.
type StageObserver interface {
	StageStarted(report domain.Report)
	StageFinished(report domain.Report)
}
