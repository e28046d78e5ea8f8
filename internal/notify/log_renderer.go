package notify

import (
	"fmt"
	"log/slog"

	"chunkvault/internal/logging"
)

// LogRenderer renders a TaskStatus as a single structured log line instead
// of a notification body. It's the only concrete Renderer this package
// ships — real delivery (SMTP, webhook) is out of core scope.
type LogRenderer struct {
	logger *slog.Logger
}

// NewLogRenderer creates a LogRenderer. A nil logger discards output.
func NewLogRenderer(logger *slog.Logger) *LogRenderer {
	return &LogRenderer{logger: logging.Default(logger).With("component", "notify")}
}

func (r *LogRenderer) Render(s TaskStatus) (subject, body string, err error) {
	duration := s.FinishedAt.Sub(s.StartedAt)

	if s.Err != nil {
		subject = fmt.Sprintf("%s failed", s.Phase)
		body = s.Err.Error()
		r.logger.Error("task failed", "phase", s.Phase, "duration", duration, "err", s.Err)
		return subject, body, nil
	}

	subject = fmt.Sprintf("%s completed", s.Phase)
	attrs := []any{"phase", s.Phase, "duration", duration}
	if s.GC != nil {
		attrs = append(attrs, "removed-chunks", s.GC.RemovedChunks, "removed-bytes", s.GC.RemovedBytes)
		body = fmt.Sprintf("removed %d chunks (%d bytes)", s.GC.RemovedChunks, s.GC.RemovedBytes)
	}
	r.logger.Info("task completed", attrs...)
	return subject, body, nil
}

var _ Renderer = (*LogRenderer)(nil)
