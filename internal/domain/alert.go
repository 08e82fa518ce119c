package domain

import "time"

// AlertType names the rule family that raised an alert.
type AlertType string

const (
	AlertErrorRate AlertType = "error_rate"
	AlertLatency   AlertType = "latency"
	AlertCPU       AlertType = "cpu"
	AlertMemory    AlertType = "memory"
	AlertCustom    AlertType = "custom"
)

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	SeverityInfo      AlertSeverity = "info"
	SeverityWarning   AlertSeverity = "warning"
	SeverityCritical  AlertSeverity = "critical"
	SeverityEmergency AlertSeverity = "emergency"
)

// Alert is raised when a monitored value crosses a threshold. Once resolved
// it never becomes active again; a recurring condition raises a new alert.
type Alert struct {
	ID         string             `json:"id"`
	Type       AlertType          `json:"type"`
	Severity   AlertSeverity      `json:"severity"`
	Title      string             `json:"title"`
	Message    string             `json:"message"`
	Timestamp  time.Time          `json:"timestamp"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Resolved   bool               `json:"resolved"`
	ResolvedAt time.Time          `json:"resolved_at,omitempty"`
	Superseded bool               `json:"superseded,omitempty"`
}
