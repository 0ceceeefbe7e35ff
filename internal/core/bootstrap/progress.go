package bootstrap

import (
	"sync"

	"github.com/melih/garmin-bootstrap/internal/core/domain"
)

// Progress records stage reports as the orchestrator emits them. It is
// safe for concurrent use so the status endpoint can read it while the
// workflow runs.
type Progress struct {
	mu      sync.RWMutex
	reports []domain.Report
}

// NewProgress returns an empty Progress.
func NewProgress() *Progress {
	return &Progress{}
}

func (p *Progress) StageStarted(report domain.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, report)
}

func (p *Progress) StageFinished(report domain.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.reports) - 1; i >= 0; i-- {
		if p.reports[i].Ordinal == report.Ordinal {
			p.reports[i] = report
			return
		}
	}
	p.reports = append(p.reports, report)
}

// Snapshot returns a copy of the reports recorded so far.
func (p *Progress) Snapshot() []domain.Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.Report, len(p.reports))
	copy(out, p.reports)
	return out
}

// Lookup returns the latest report for the named stage.
func (p *Progress) Lookup(name string) (domain.Report, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := len(p.reports) - 1; i >= 0; i-- {
		if p.reports[i].Name == name {
			return p.reports[i], true
		}
	}
	return domain.Report{}, false
}
