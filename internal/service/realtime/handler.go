// Package realtime runs the session lifecycle for connected clients:
// admission, per-message checks, the controller call and reply routing.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/knightrooks/agenthub/internal/domain"
	"github.com/knightrooks/agenthub/internal/events"
	"github.com/knightrooks/agenthub/internal/monitor"
	"github.com/knightrooks/agenthub/internal/ratelimit"
	"github.com/knightrooks/agenthub/internal/registry"
	"github.com/knightrooks/agenthub/internal/service/agent"
	"github.com/knightrooks/agenthub/internal/ws"
	"github.com/knightrooks/agenthub/pkg/logger"
)

const (
	DefaultMaxMessageLength = 2000
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultPingInterval     = 25 * time.Second
	DefaultReadLimit        = 64 << 10

	usageEndpoint    = "websocket_message"
	usageMethod      = "WEBSOCKET"
	latencyOperation = "process_message"
)

// Options wires a Handler to its collaborators. Registry, Limiter, Bus, Hub
// and Controller are required; the monitors and metrics are optional.
type Options struct {
	Registry   *registry.Registry
	Limiter    ratelimit.Limiter
	Bus        *events.Bus
	Hub        *ws.Hub
	Controller agent.Controller
	Usage      *monitor.UsageMonitor
	Latency    *monitor.LatencyTracker
	Alerts     *monitor.AlertManager
	Metrics    *Metrics
	Logger     *slog.Logger

	MaxMessageLength int
	IdleTimeout      time.Duration
	PingInterval     time.Duration
	ReadLimit        int64
}

// Handler owns the live connections of one agent.
type Handler struct {
	registry   *registry.Registry
	limiter    ratelimit.Limiter
	bus        *events.Bus
	hub        *ws.Hub
	controller agent.Controller
	usage      *monitor.UsageMonitor
	latency    *monitor.LatencyTracker
	alerts     *monitor.AlertManager
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time

	maxMessageLength int
	idleTimeout      time.Duration
	pingInterval     time.Duration
	readLimit        int64

	mu    sync.Mutex
	conns map[string]ws.Subscriber
}

// New constructs a Handler.
func New(opts Options) (*Handler, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("realtime: registry is required")
	case opts.Limiter == nil:
		return nil, errors.New("realtime: limiter is required")
	case opts.Bus == nil:
		return nil, errors.New("realtime: event bus is required")
	case opts.Hub == nil:
		return nil, errors.New("realtime: hub is required")
	case opts.Controller == nil:
		return nil, errors.New("realtime: controller is required")
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = DefaultMaxMessageLength
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	h := &Handler{
		registry:         opts.Registry,
		limiter:          opts.Limiter,
		bus:              opts.Bus,
		hub:              opts.Hub,
		controller:       opts.Controller,
		usage:            opts.Usage,
		latency:          opts.Latency,
		alerts:           opts.Alerts,
		metrics:          opts.Metrics,
		logger:           logger.OrDiscard(opts.Logger).With("component", "realtime", "agent", opts.Controller.Name()),
		now:              time.Now,
		maxMessageLength: opts.MaxMessageLength,
		idleTimeout:      opts.IdleTimeout,
		pingInterval:     opts.PingInterval,
		readLimit:        opts.ReadLimit,
		conns:            make(map[string]ws.Subscriber),
	}
	h.watchAlerts()
	return h, nil
}

// Connect admits conn, joins it to its session room and greets it. On
// capacity the client receives CONNECTION_LIMIT and is closed.
func (h *Handler) Connect(ctx context.Context, conn ws.Subscriber, clientKey string) (domain.Session, error) {
	connID := uuid.NewString()
	sess, err := h.registry.Admit(connID, clientKey)
	if err != nil {
		code, msg := CodeConnectionError, "Connection failed"
		if errors.Is(err, registry.ErrCapacity) {
			code, msg = CodeConnectionLimit, "Server at capacity, please try again later"
		}
		h.metrics.admission("rejected")
		h.logger.Warn("connection rejected", "client_key", clientKey, "code", code, "error", err)
		h.send(conn, errorMessage(code, msg))
		conn.Close()
		return domain.Session{}, err
	}

	h.mu.Lock()
	h.conns[connID] = conn
	h.mu.Unlock()
	h.hub.Join(sess.Room, conn)
	h.metrics.admission("accepted")
	h.metrics.setConnections(h.registry.Count())

	h.send(conn, ConnectedMessage{
		Type:         TypeConnected,
		Status:       "connected",
		SessionID:    sess.ID,
		Agent:        h.controller.Name(),
		Capabilities: h.controller.Capabilities(),
		Timestamp:    h.now().UTC(),
	})
	h.publish(ctx, domain.EventConnectionStarted, sess.ID, domain.ConnectionStarted{
		ConnID:    connID,
		ClientKey: clientKey,
		Room:      sess.Room,
	}, map[string]any{"room": sess.Room}, domain.PriorityLow)
	h.logger.Info("client connected", "session_id", sess.ID, "room", sess.Room, "client_key", clientKey)
	return sess, nil
}

// HandleMessage routes one raw client frame. It returns
// registry.ErrUnknownSession when connID has no live connection.
func (h *Handler) HandleMessage(ctx context.Context, connID string, raw []byte) error {
	conn, ok := h.connection(connID)
	if !ok {
		return registry.ErrUnknownSession
	}
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		h.metrics.message("invalid", 0)
		h.send(conn, errorMessage(CodeInvalidFormat, "Message must be a JSON object"))
		return nil
	}
	switch in.Type {
	case TypeMessage:
		h.handleChat(ctx, connID, conn, in)
	case TypePing:
		h.handlePing(connID, conn)
	default:
		h.metrics.message("invalid", 0)
		h.send(conn, errorMessage(CodeInvalidFormat, fmt.Sprintf("Unknown message type %q", in.Type)))
	}
	return nil
}

func (h *Handler) handleChat(ctx context.Context, connID string, conn ws.Subscriber, in inbound) {
	sess, ok := h.registry.Lookup(connID)
	if !ok {
		h.send(conn, errorMessage(CodeInvalidSession, "Invalid session"))
		return
	}

	decision := h.limiter.Allow(ctx, sess.ClientKey)
	if !decision.Allowed {
		h.metrics.message("rate_limited", 0)
		msg := errorMessage(CodeRateLimitExceeded, "Too many messages, slow down")
		msg.Details = map[string]any{
			"limit":    decision.Limit,
			"reset_at": decision.ResetAt.UTC(),
		}
		h.send(conn, msg)
		h.publish(ctx, domain.EventRateLimited, sess.ID, domain.RateLimited{
			ClientKey: sess.ClientKey,
			Limit:     decision.Limit,
			ResetAt:   decision.ResetAt.UTC(),
		}, nil, domain.PriorityMedium)
		return
	}

	sess, err := h.registry.Touch(connID)
	switch {
	case errors.Is(err, registry.ErrMessageLimit):
		h.metrics.message("message_limit", 0)
		h.send(conn, errorMessage(CodeMessageLimit, "Session message limit reached"))
		return
	case err != nil:
		h.send(conn, errorMessage(CodeInvalidSession, "Invalid session"))
		return
	}

	var text string
	if len(in.Message) == 0 || json.Unmarshal(in.Message, &text) != nil {
		h.metrics.message("invalid", 0)
		h.send(conn, errorMessage(CodeInvalidFormat, "Message must be a string"))
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		h.metrics.message("invalid", 0)
		h.send(conn, errorMessage(CodeInvalidFormat, "Message must not be empty"))
		return
	}
	if n := utf8.RuneCountInString(text); n > h.maxMessageLength {
		h.metrics.message("invalid", 0)
		h.send(conn, errorMessage(CodeInvalidLength, fmt.Sprintf("Message too long (%d > %d characters)", n, h.maxMessageLength)))
		return
	}

	if sess.MessageCount == 1 {
		h.publish(ctx, domain.EventConversationStarted, sess.ID, domain.ConversationStarted{ConversationType: h.controller.Name()}, nil, domain.PriorityLow)
	}

	requestID := uuid.NewString()
	start := h.now()
	reply, err := h.process(ctx, sess, requestID, text, in.Context)
	elapsed := h.now().Sub(start)

	if err != nil {
		h.metrics.message("failed", elapsed.Seconds())
		h.logger.Error("message processing failed",
			"request_id", requestID,
			"session_id", sess.ID,
			"processing_time", elapsed.Seconds(),
			"error", err)
		h.publish(ctx, domain.EventMessageProcessed, sess.ID, domain.MessageProcessed{
			RequestID:      requestID,
			MessageLength:  utf8.RuneCountInString(text),
			ProcessingTime: elapsed,
			Success:        false,
		}, nil, domain.PriorityMedium)
		h.publish(ctx, domain.EventErrorOccurred, sess.ID, domain.ErrorOccurred{
			RequestID:    requestID,
			ErrorType:    "processing_error",
			ErrorMessage: err.Error(),
			Severity:     "high",
		}, nil, domain.PriorityForSeverity("high"))
		if !h.live(connID, sess.ID) {
			h.forget(sess.ID)
			return
		}
		msg := errorMessage(CodeProcessingError, "Failed to process message")
		msg.RequestID = requestID
		msg.Details = map[string]any{"processing_time": elapsed.Seconds()}
		h.send(conn, msg)
		return
	}

	if !h.live(connID, sess.ID) {
		h.metrics.message("discarded", elapsed.Seconds())
		h.logger.Debug("reply discarded for closed session", "request_id", requestID, "session_id", sess.ID)
		h.forget(sess.ID)
		return
	}

	payload, err := json.Marshal(ResponseMessage{
		Type: TypeResponse,
		Data: reply,
		Metadata: ResponseMetadata{
			RequestID:      requestID,
			ProcessingTime: elapsed.Seconds(),
			SessionID:      sess.ID,
			Agent:          h.controller.Name(),
			Timestamp:      h.now().UTC(),
		},
	})
	if err != nil {
		h.logger.Error("encode response failed", "request_id", requestID, "error", err)
		return
	}
	delivered := h.hub.Broadcast(sess.Room, payload)
	h.metrics.message("processed", elapsed.Seconds())
	h.logger.Info("message processed",
		"request_id", requestID,
		"session_id", sess.ID,
		"message_count", sess.MessageCount,
		"processing_time", elapsed.Seconds(),
		"delivered", delivered)

	h.publish(ctx, domain.EventMessageProcessed, sess.ID, domain.MessageProcessed{
		RequestID:      requestID,
		MessageLength:  utf8.RuneCountInString(text),
		ProcessingTime: elapsed,
		Success:        true,
	}, nil, domain.PriorityLow)
	h.publish(ctx, domain.EventConversationCompleted, sess.ID, domain.ConversationCompleted{
		RequestID:          requestID,
		ConversationType:   h.controller.Name(),
		Duration:           elapsed,
		SatisfactionRating: satisfactionRating(in.Context),
	}, map[string]any{"message_count": sess.MessageCount}, domain.PriorityLow)
}

// satisfactionRating reads the optional 1-5 rating a client attaches to a
// message context. Anything else is ignored.
func satisfactionRating(meta map[string]any) *int {
	v, ok := meta["satisfaction_rating"].(float64)
	if !ok || v != math.Trunc(v) || v < 1 || v > 5 {
		return nil
	}
	rating := int(v)
	return &rating
}

// process calls the controller through the usage and latency middleware.
// No handler lock is held here.
func (h *Handler) process(ctx context.Context, sess domain.Session, requestID, text string, meta map[string]any) (agent.Reply, error) {
	var reply agent.Reply
	op := monitor.Operation(func(ctx context.Context) error {
		var err error
		reply, err = h.controller.ProcessMessage(ctx, agent.Request{
			SessionID: sess.ID,
			RequestID: requestID,
			Message:   text,
			Context:   meta,
		})
		return err
	})
	if h.latency != nil {
		op = h.latency.Measure(latencyOperation, op)
	}
	if h.usage != nil {
		op = h.usage.Instrument(usageEndpoint, usageMethod, op)
	}
	err := op(monitor.WithSession(ctx, sess.ID))
	return reply, err
}

func (h *Handler) handlePing(connID string, conn ws.Subscriber) {
	if _, err := h.registry.Heartbeat(connID); err != nil {
		h.send(conn, errorMessage(CodeInvalidSession, "Invalid session"))
		return
	}
	h.send(conn, PongMessage{Type: TypePong, Timestamp: h.now().UTC()})
}

// Disconnect releases the session of connID, closes its connection and
// publishes connection_ended. Repeated calls are no-ops.
func (h *Handler) Disconnect(ctx context.Context, connID, reason string) {
	sess, ok := h.registry.Release(connID)
	h.mu.Lock()
	conn, hasConn := h.conns[connID]
	delete(h.conns, connID)
	h.mu.Unlock()
	if !ok {
		return
	}
	if hasConn {
		h.hub.Leave(sess.Room, conn)
		conn.Close()
	}
	h.forget(sess.ID)
	h.metrics.setConnections(h.registry.Count())

	duration := sess.Duration(h.now().UTC())
	h.publish(ctx, domain.EventConnectionEnded, sess.ID, domain.ConnectionEnded{
		ConnID:       connID,
		Duration:     duration,
		MessageCount: sess.MessageCount,
		Reason:       reason,
	}, nil, domain.PriorityLow)
	h.logger.Info("client disconnected",
		"session_id", sess.ID,
		"reason", reason,
		"duration", duration.Seconds(),
		"message_count", sess.MessageCount)
}

// Run evicts idle sessions until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) {
	interval := h.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweepIdle(ctx)
		}
	}
}

func (h *Handler) sweepIdle(ctx context.Context) int {
	idle := h.registry.Idle(h.idleTimeout)
	for _, sess := range idle {
		if conn, ok := h.connection(sess.ConnID); ok {
			h.send(conn, errorMessage(CodeConnectionError, "Connection closed after inactivity"))
		}
		h.Disconnect(ctx, sess.ConnID, "idle_timeout")
	}
	if len(idle) > 0 {
		h.logger.Info("idle sessions evicted", "count", len(idle))
	}
	return len(idle)
}

// Shutdown disconnects every live session.
func (h *Handler) Shutdown(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Disconnect(ctx, id, "server_shutdown")
	}
}

// Stats describes the live connections.
type Stats struct {
	Agent        string   `json:"agent"`
	Capabilities []string `json:"capabilities"`
	Rooms        int      `json:"rooms"`
	registry.Stats
}

// Stats snapshots the registry and hub.
func (h *Handler) Stats() Stats {
	return Stats{
		Agent:        h.controller.Name(),
		Capabilities: h.controller.Capabilities(),
		Rooms:        h.hub.Rooms(),
		Stats:        h.registry.Stats(),
	}
}

// forget drops controller state for sessionID. A controller call that
// finished after Disconnect may have recreated it, so late paths call it too.
func (h *Handler) forget(sessionID string) {
	if f, ok := h.controller.(agent.Forgetter); ok {
		f.Forget(sessionID)
	}
}

func (h *Handler) connection(connID string) (ws.Subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[connID]
	return conn, ok
}

// live reports whether connID still belongs to sessionID.
func (h *Handler) live(connID, sessionID string) bool {
	sess, ok := h.registry.Lookup(connID)
	return ok && sess.ID == sessionID
}

func (h *Handler) send(conn ws.Subscriber, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode message failed", "error", err)
		return
	}
	if err := conn.Send(payload); err != nil {
		h.logger.Debug("send failed", "error", err)
	}
}

func (h *Handler) publish(ctx context.Context, t domain.EventType, sessionID string, payload domain.EventPayload, meta map[string]any, priority domain.Priority) {
	if _, err := h.bus.Publish(ctx, t, sessionID, payload, meta, priority); err != nil {
		h.logger.Error("publish event failed", "event_type", t, "session_id", sessionID, "error", err)
	}
}
