package notify

import (
	"time"

	"chunkvault/internal/gc"
)

// TaskStatus is the structured record a scheduled background worker (GC,
// prune) hands off when it finishes a pass. It fixes the contract a
// notifier needs without this package building template rendering or SMTP
// delivery itself.
type TaskStatus struct {
	Phase      string
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
	GC         *gc.Status
}

// Renderer turns a TaskStatus into a notification body. Delivery (SMTP,
// webhook, whatever) is the caller's concern; Renderer only produces the
// content.
type Renderer interface {
	Render(TaskStatus) (subject, body string, err error)
}
