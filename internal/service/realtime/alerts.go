package realtime

import (
	"context"

	"github.com/knightrooks/agenthub/internal/domain"
	"github.com/knightrooks/agenthub/internal/monitor"
)

// watchAlerts evaluates alert thresholds after every completed or failed
// conversation and republishes alert transitions on the bus.
func (h *Handler) watchAlerts() {
	if h.alerts == nil {
		return
	}
	evaluate := func(context.Context, domain.Event) error {
		h.alerts.Evaluate(monitor.Collect(h.usage, h.latency))
		return nil
	}
	h.bus.Subscribe(domain.EventConversationCompleted, evaluate)
	h.bus.Subscribe(domain.EventErrorOccurred, evaluate)

	h.alerts.OnRaise(func(a domain.Alert) {
		h.metrics.alert(a)
		h.publish(context.Background(), domain.EventAlertRaised, "", domain.AlertRaised{
			AlertID:  a.ID,
			Type:     a.Type,
			Severity: a.Severity,
			Title:    a.Title,
		}, map[string]any{"message": a.Message}, alertPriority(a.Severity))
	})
	h.alerts.OnResolve(func(a domain.Alert) {
		h.publish(context.Background(), domain.EventAlertResolved, "", domain.AlertResolved{
			AlertID: a.ID,
			Type:    a.Type,
		}, nil, domain.PriorityLow)
	})
}

func alertPriority(s domain.AlertSeverity) domain.Priority {
	switch s {
	case domain.SeverityInfo:
		return domain.PriorityLow
	case domain.SeverityWarning:
		return domain.PriorityHigh
	default:
		return domain.PriorityCritical
	}
}
