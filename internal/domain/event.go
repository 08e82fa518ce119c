package domain

import "time"

// EventType enumerates the lifecycle and business events published on the bus.
type EventType string

const (
	EventConnectionStarted     EventType = "connection_started"
	EventConnectionEnded       EventType = "connection_ended"
	EventMessageProcessed      EventType = "message_processed"
	EventConversationStarted   EventType = "conversation_started"
	EventConversationCompleted EventType = "conversation_completed"
	EventErrorOccurred         EventType = "error_occurred"
	EventRateLimited           EventType = "rate_limited"
	EventAlertRaised           EventType = "alert_raised"
	EventAlertResolved         EventType = "alert_resolved"
)

// EventTypes lists every known type in declaration order.
var EventTypes = []EventType{
	EventConnectionStarted,
	EventConnectionEnded,
	EventMessageProcessed,
	EventConversationStarted,
	EventConversationCompleted,
	EventErrorOccurred,
	EventRateLimited,
	EventAlertRaised,
	EventAlertResolved,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Priority orders events by urgency.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Valid reports whether p lies in the 1..4 range.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// PriorityForSeverity maps an error severity label to a priority.
func PriorityForSeverity(severity string) Priority {
	switch severity {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Event is an immutable record appended to the bus history.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   EventPayload   `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Priority  Priority       `json:"priority"`
	Source    string         `json:"source"`
}

// EventPayload is implemented by the one payload struct owned by each event type.
type EventPayload interface {
	EventType() EventType
}

// ConnectionStarted is published once a connection is admitted.
type ConnectionStarted struct {
	ConnID    string `json:"conn_id"`
	ClientKey string `json:"client_key"`
	Room      string `json:"room"`
}

// ConnectionEnded is published when a session is released.
type ConnectionEnded struct {
	ConnID       string        `json:"conn_id"`
	Duration     time.Duration `json:"duration"`
	MessageCount int           `json:"message_count"`
	Reason       string        `json:"reason"`
}

// MessageProcessed is published for every message that reached the controller.
type MessageProcessed struct {
	RequestID      string        `json:"request_id"`
	MessageLength  int           `json:"message_length"`
	ProcessingTime time.Duration `json:"processing_time"`
	Success        bool          `json:"success"`
}

// ConversationStarted marks the first message of a session.
type ConversationStarted struct {
	ConversationType string `json:"conversation_type"`
}

// ConversationCompleted is published after a reply was produced.
type ConversationCompleted struct {
	RequestID          string        `json:"request_id"`
	ConversationType   string        `json:"conversation_type"`
	Duration           time.Duration `json:"duration"`
	SatisfactionRating *int          `json:"satisfaction_rating,omitempty"`
}

// ErrorOccurred records a failure surfaced to a client.
type ErrorOccurred struct {
	RequestID    string `json:"request_id,omitempty"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	Severity     string `json:"severity"`
}

// RateLimited records a rejected request.
type RateLimited struct {
	ClientKey string    `json:"client_key"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}

// AlertRaised mirrors a newly created alert onto the bus.
type AlertRaised struct {
	AlertID  string        `json:"alert_id"`
	Type     AlertType     `json:"alert_type"`
	Severity AlertSeverity `json:"severity"`
	Title    string        `json:"title"`
}

// AlertResolved mirrors an alert resolution onto the bus.
type AlertResolved struct {
	AlertID string    `json:"alert_id"`
	Type    AlertType `json:"alert_type"`
}

func (ConnectionStarted) EventType() EventType { return EventConnectionStarted }
func (ConnectionEnded) EventType() EventType { return EventConnectionEnded }
func (MessageProcessed) EventType() EventType { return EventMessageProcessed }
func (ConversationStarted) EventType() EventType { return EventConversationStarted }
func (ConversationCompleted) EventType() EventType { return EventConversationCompleted }
func (ErrorOccurred) EventType() EventType { return EventErrorOccurred }
func (RateLimited) EventType() EventType { return EventRateLimited }
func (AlertRaised) EventType() EventType { return EventAlertRaised }
func (AlertResolved) EventType() EventType { return EventAlertResolved }
