package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knightrooks/agenthub/internal/domain"
	"github.com/knightrooks/agenthub/internal/events"
	"github.com/knightrooks/agenthub/internal/monitor"
	"github.com/knightrooks/agenthub/internal/ratelimit"
	"github.com/knightrooks/agenthub/internal/service/realtime"
	"github.com/knightrooks/agenthub/internal/service/stream"
	"github.com/knightrooks/agenthub/internal/ws"
	"github.com/knightrooks/agenthub/pkg/logger"
)

const (
	rateLimitAPIDefault = 120
	rateWindowDefault   = time.Minute
	healthCheckTimeout  = 2 * time.Second
	sseHeartbeat        = 15 * time.Second
	alertHistoryDefault = 50
)

// Options wires the router to the realtime layer and its monitors. Realtime
// is required; every other collaborator disables its routes when nil.
type Options struct {
	Logger   *slog.Logger
	Realtime *realtime.Handler
	Bus      *events.Bus
	Stream   *stream.Service
	Usage    *monitor.UsageMonitor
	Latency  *monitor.LatencyTracker
	Alerts   *monitor.AlertManager
	// Limiter throttles the REST routes. Nil falls back to an in-memory
	// limiter of rateLimitAPIDefault requests per minute.
	Limiter       ratelimit.Limiter
	Registerer    prometheus.Registerer
	Gatherer      prometheus.Gatherer
	OperatorToken string
	// UserHeader names the header an upstream auth proxy sets to the caller's
	// user id. Empty disables identity forwarding.
	UserHeader string
	// Health checks reported by /healthz, keyed by component name.
	Health map[string]func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	realtime      *realtime.Handler
	bus           *events.Bus
	stream        *stream.Service
	usage         *monitor.UsageMonitor
	latency       *monitor.LatencyTracker
	alerts        *monitor.AlertManager
	upgrader      websocket.Upgrader
	limiter       ratelimit.Limiter
	ownsLimiter   bool
	gatherer      prometheus.Gatherer
	operatorToken string
	userHeader    string
	health        map[string]func(context.Context) error

	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	metricsInitialized bool
}

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) (*Router, error) {
	if opts.Realtime == nil {
		return nil, errors.New("httpx: realtime handler is required")
	}
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger.OrDiscard(opts.Logger).With("component", "http"),
		realtime: opts.Realtime,
		bus:      opts.Bus,
		stream:   opts.Stream,
		usage:    opts.Usage,
		latency:  opts.Latency,
		alerts:   opts.Alerts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       opts.Limiter,
		gatherer:      opts.Gatherer,
		operatorToken: strings.TrimSpace(opts.OperatorToken),
		userHeader:    strings.TrimSpace(opts.UserHeader),
		health:        opts.Health,
	}
	if r.limiter == nil {
		r.limiter = ratelimit.NewMemory(rateLimitAPIDefault, rateWindowDefault)
		r.ownsLimiter = true
	}
	r.initMetrics(opts.Registerer)
	r.register()
	return r, nil
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if closer, ok := r.limiter.(interface{ Close() }); ok && r.ownsLimiter {
		closer.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/ws", r.audit("/ws", r.handleWebsocket))
	r.mux.HandleFunc("/api/connections", r.api("/api/connections", r.handleConnections))
	r.mux.HandleFunc("/api/usage", r.api("/api/usage", r.handleUsage))
	r.mux.HandleFunc("/api/latency", r.api("/api/latency", r.handleLatency))
	r.mux.HandleFunc("/api/alerts", r.api("/api/alerts", r.handleAlerts))
	r.mux.HandleFunc("/api/alerts/", r.api("/api/alerts/", r.handleAlertSubroutes))
	r.mux.HandleFunc("/api/events", r.api("/api/events", r.handleEvents))
	r.mux.HandleFunc("/api/events/stream", r.api("/api/events/stream", r.handleEventStream))
	if r.gatherer != nil {
		metrics := promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
		r.mux.HandleFunc("/metrics", r.audit("/metrics", metrics.ServeHTTP))
	}
}

// api applies the audit log and the REST rate limit to a route.
func (r *Router) api(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.audit(route, r.withRateLimit(route, r.rateLimitKeyUser, next))
}

func (r *Router) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	if err := r.realtime.Serve(req.Context(), conn, r.peer(req)); err != nil {
		r.logger.Info("websocket session refused", "ip", clientIP(req), "error", err)
	}
}

func (r *Router) handleConnections(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.realtime.Stats())
}

func (r *Router) handleUsage(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.usage == nil {
		r.notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":   r.usage.Summary(),
		"endpoints": r.usage.Endpoints(),
	})
}

func (r *Router) handleLatency(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.latency == nil {
		r.notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"performance": r.latency.CurrentPerformance(),
		"operations":  r.latency.Operations(),
	})
}

func (r *Router) handleAlerts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.alerts == nil {
		r.notFound(w)
		return
	}
	limit, ok := queryInt(req, "limit", alertHistoryDefault)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":  r.alerts.ActiveAlerts(),
		"history": r.alerts.History(limit),
	})
}

func (r *Router) handleAlertSubroutes(w http.ResponseWriter, req *http.Request) {
	if r.alerts == nil {
		r.notFound(w)
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/alerts/"), "/")
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) == 1 && parts[0] == "stats":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		writeJSON(w, http.StatusOK, r.alerts.Statistics())
	case len(parts) == 2 && parts[0] != "" && parts[1] == "resolve":
		r.requireOperator(func(w http.ResponseWriter, req *http.Request) {
			r.handleAlertResolve(w, req, parts[0])
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleAlertResolve(w http.ResponseWriter, req *http.Request, alertID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	alert, err := r.alerts.Resolve(alertID)
	if err != nil {
		if errors.Is(err, monitor.ErrAlertNotFound) {
			writeError(w, http.StatusNotFound, "alert not found or already resolved")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.bus == nil {
		r.notFound(w)
		return
	}
	limit, ok := queryInt(req, "limit", events.DefaultQueryLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	eventType := domain.EventType(strings.TrimSpace(req.URL.Query().Get("type")))
	if eventType != "" && !eventType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	history := r.bus.Query(events.Filter{
		SessionID: strings.TrimSpace(req.URL.Query().Get("session_id")),
		Type:      eventType,
		Limit:     limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"events": history,
		"stats":  r.bus.Stats(),
	})
}

func (r *Router) handleEventStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.stream == nil {
		r.notFound(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	eventType := domain.EventType(strings.TrimSpace(req.URL.Query().Get("type")))
	if eventType != "" && !eventType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer client.Close()
	if err := client.Heartbeat(); err != nil {
		return
	}
	detach, err := r.stream.Attach(client, eventType)
	if err != nil {
		r.logger.Warn("event stream attach failed", "error", err)
		return
	}
	defer detach()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	names := make([]string, 0, len(r.health))
	for name := range r.health {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := r.health[name](ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	stats := r.realtime.Stats()
	components["realtime"] = map[string]any{
		"status":             "up",
		"active_connections": stats.ActiveConnections,
		"max_connections":    stats.MaxConnections,
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if recorder.hijacked && status == http.StatusOK {
			status = http.StatusSwitchingProtocols
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if isOperator(ctx) {
			actor = "operator"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int
	hijacked bool
	ctx      context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.hijacked = true
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
