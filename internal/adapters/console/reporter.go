package console

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/melih/garmin-bootstrap/internal/core/domain"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	skipStyle   = lipgloss.NewStyle().Faint(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	hintStyle   = lipgloss.NewStyle().Italic(true)
)

// Reporter prints stage progress for the operator. It implements
// ports.StageObserver.
type Reporter struct {
	mu    sync.Mutex
	out   io.Writer
	total int
}

// NewReporter writes to out; total is the number of stages.
func NewReporter(out io.Writer, total int) *Reporter {
	return &Reporter{out: out, total: total}
}

func (r *Reporter) StageStarted(report domain.Report) {
	r.printf("%s\n", headerStyle.Render(fmt.Sprintf("==> [%d/%d] %s", report.Ordinal+1, r.total, report.Name)))
}

func (r *Reporter) StageFinished(report domain.Report) {
	var line string
	switch report.Outcome {
	case domain.OutcomeDone:
		line = doneStyle.Render("done") + durationSuffix(report.Duration)
	case domain.OutcomeSkipped:
		line = skipStyle.Render("skipped: " + report.Detail)
	case domain.OutcomeTolerated:
		line = warnStyle.Render("failed, continuing: " + report.Error)
	case domain.OutcomeFailed:
		line = errorStyle.Render("failed: " + report.Error)
	case domain.OutcomeStreaming:
		line = skipStyle.Render("log stream closed")
	default:
		line = string(report.Outcome)
	}
	r.printf("    %s\n", line)
}

// Failure prints the final diagnostic for err with its remediation hint.
func (r *Reporter) Failure(err error) {
	r.printf("%s\n", errorStyle.Render("error: "+err.Error()))
	var stageErr *domain.StageError
	if errors.As(err, &stageErr) && stageErr.Hint != "" {
		r.printf("%s\n", hintStyle.Render("hint: "+stageErr.Hint))
	}
}

func (r *Reporter) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func durationSuffix(d time.Duration) string {
	if d < time.Second {
		return ""
	}
	return fmt.Sprintf(" (%s)", d.Round(time.Second))
}
