package swap

import (
	"context"
	"log/slog"
)

// Alert is raised for failures that must reach an operator.
type Alert struct {
	Code    ErrorCode
	Unit    string
	RunID   string
	Message string
}

// Alerter delivers alerts. Implementations must not block for long; they run
// on the unit's lane.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// AlertFunc adapts a function to Alerter.
type AlertFunc func(ctx context.Context, a Alert)

func (f AlertFunc) Alert(ctx context.Context, a Alert) { f(ctx, a) }

// LogAlerter writes alerts to slog at error level.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, a Alert) {
	slog.Error("hot-swap alert",
		"code", string(a.Code),
		"unit", a.Unit,
		"run", a.RunID,
		"message", a.Message,
	)
}
