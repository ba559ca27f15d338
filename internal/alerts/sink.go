package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Event is one audit-trail entry: a position opened, warned, unwound or
// closed. Sinks are fire-and-forget; a sink failure must never fail the
// operation that produced the event.
type Event struct {
	Type    string
	UserID  string
	Market  string
	Time    time.Time
	Details map[string]string
}

const (
	EventPositionOpened   = "position_opened"
	EventPlanCompleted    = "plan_completed"
	EventPlanAborted      = "plan_aborted"
	EventHealthWarning    = "health_warning"
	EventDeleverageRun    = "deleverage_executed"
	EventDeleverageFailed = "deleverage_failed"
	EventPositionClosed   = "position_closed"
)

type Sink interface {
	Record(ctx context.Context, event Event) error
}

// Noop is the default sink when no notification channel is configured.
type Noop struct{}

func (Noop) Record(ctx context.Context, event Event) error {
	_ = ctx
	_ = event
	return nil
}

// Format renders an event as a single human-readable message.
func Format(event Event) string {
	parts := []string{fmt.Sprintf("[%s] %s %s", event.Type, event.UserID, event.Market)}
	keys := make([]string, 0, len(event.Details))
	for key := range event.Details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, event.Details[key]))
	}
	return strings.Join(parts, " ")
}
