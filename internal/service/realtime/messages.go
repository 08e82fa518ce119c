package realtime

import (
	"encoding/json"
	"time"
)

// Client-visible error codes.
const (
	CodeConnectionLimit   = "CONNECTION_LIMIT"
	CodeInvalidSession    = "INVALID_SESSION"
	CodeMessageLimit      = "MESSAGE_LIMIT"
	CodeInvalidFormat     = "INVALID_FORMAT"
	CodeInvalidLength     = "INVALID_LENGTH"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeProcessingError   = "PROCESSING_ERROR"
	CodeConnectionError   = "CONNECTION_ERROR"
)

// Envelope types.
const (
	TypeMessage   = "message"
	TypePing      = "ping"
	TypeConnected = "connected"
	TypeResponse  = "response"
	TypePong      = "pong"
	TypeError     = "error"
)

// inbound is the client envelope. Message stays raw so that a non-string
// value can be reported as a format error.
type inbound struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
	Context map[string]any  `json:"context"`
}

// ConnectedMessage greets an admitted client.
type ConnectedMessage struct {
	Type         string    `json:"type"`
	Status       string    `json:"status"`
	SessionID    string    `json:"session_id"`
	Agent        string    `json:"agent"`
	Capabilities []string  `json:"capabilities"`
	Timestamp    time.Time `json:"timestamp"`
}

// ResponseMetadata accompanies every reply.
type ResponseMetadata struct {
	RequestID      string    `json:"request_id"`
	ProcessingTime float64   `json:"processing_time"`
	SessionID      string    `json:"session_id"`
	Agent          string    `json:"agent"`
	Timestamp      time.Time `json:"timestamp"`
}

// ResponseMessage carries a controller reply to the session room.
type ResponseMessage struct {
	Type     string           `json:"type"`
	Data     any              `json:"data"`
	Metadata ResponseMetadata `json:"metadata"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMessage reports a failure with a stable code.
type ErrorMessage struct {
	Type      string         `json:"type"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func errorMessage(code, msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: msg}
}
