package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knightrooks/agenthub/internal/domain"
	"github.com/knightrooks/agenthub/internal/ring"
	"github.com/knightrooks/agenthub/pkg/logger"
)

const DefaultUsageHistory = 10000

// Operation is a unit of work wrapped by the usage and latency middleware.
type Operation func(ctx context.Context) error

// StatusCoder lets an operation error choose the recorded status code.
type StatusCoder interface {
	StatusCode() int
}

// statusOf maps an operation result to the recorded status code.
func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}

type endpointAggregate struct {
	requests      int64
	totalDuration time.Duration
	successes     int64
	errors        int64
	lastRequest   time.Time
}

// UsageMonitor keeps a bounded history of UsageMetric records plus running
// aggregates that are updated in O(1) per record.
type UsageMonitor struct {
	logger    *slog.Logger
	resources ResourceSource
	now       func() time.Time

	mu        sync.Mutex
	history   *ring.Buffer[domain.UsageMetric]
	winErrors int
	winTotal  time.Duration
	lifetime  int64
	endpoints map[string]*endpointAggregate
}

// NewUsageMonitor constructs a monitor retaining up to maxHistory metrics.
// resources may be nil, in which case metrics carry no resource reading.
func NewUsageMonitor(maxHistory int, resources ResourceSource, log *slog.Logger) *UsageMonitor {
	if maxHistory <= 0 {
		maxHistory = DefaultUsageHistory
	}
	return &UsageMonitor{
		logger:    logger.OrDiscard(log).With("component", "usage_monitor"),
		resources: resources,
		now:       time.Now,
		history:   ring.New[domain.UsageMetric](maxHistory),
		endpoints: make(map[string]*endpointAggregate),
	}
}

// Record appends metric. Missing id and timestamp are filled in.
func (u *UsageMonitor) Record(metric domain.UsageMetric) {
	if metric.ID == "" {
		metric.ID = uuid.NewString()
	}
	if metric.Timestamp.IsZero() {
		metric.Timestamp = u.now().UTC()
	}
	if u.resources != nil && metric.CPUPercent == 0 && metric.MemoryPercent == 0 {
		snap := u.resources.Snapshot()
		metric.CPUPercent = snap.CPUPercent
		metric.MemoryPercent = snap.MemoryPercent
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if old, evicted := u.history.Push(metric); evicted {
		u.winTotal -= old.Duration
		if old.Failed() {
			u.winErrors--
		}
	}
	u.winTotal += metric.Duration
	if metric.Failed() {
		u.winErrors++
	}
	u.lifetime++

	agg, ok := u.endpoints[metric.Endpoint]
	if !ok {
		agg = &endpointAggregate{}
		u.endpoints[metric.Endpoint] = agg
	}
	agg.requests++
	agg.totalDuration += metric.Duration
	if metric.Failed() {
		agg.errors++
	} else {
		agg.successes++
	}
	if metric.Timestamp.After(agg.lastRequest) {
		agg.lastRequest = metric.Timestamp
	}
}

// Instrument wraps op so that every call records one UsageMetric. The
// session id is read from ctx when present.
func (u *UsageMonitor) Instrument(endpoint, method string, op Operation) Operation {
	return func(ctx context.Context) error {
		start := u.now()
		err := op(ctx)
		metric := domain.UsageMetric{
			SessionID:  SessionFromContext(ctx),
			Endpoint:   endpoint,
			Method:     method,
			StatusCode: statusOf(err),
			Duration:   u.now().Sub(start),
			Timestamp:  start.UTC(),
		}
		if err != nil {
			metric.Error = err.Error()
		}
		u.Record(metric)
		return err
	}
}

// UsageSummary aggregates the retained window.
type UsageSummary struct {
	TotalRequests    int                     `json:"total_requests"`
	ErrorCount       int                     `json:"error_count"`
	SuccessRate      float64                 `json:"success_rate"`
	ErrorRate        float64                 `json:"error_rate"`
	AverageDuration  time.Duration           `json:"average_duration"`
	LifetimeRequests int64                   `json:"lifetime_requests"`
	Resources        domain.ResourceSnapshot `json:"resources"`
	Timestamp        time.Time               `json:"timestamp"`
}

// Summary reports totals over the retained window. Rates are percentages;
// an empty window reports a 100% success rate.
func (u *UsageMonitor) Summary() UsageSummary {
	u.mu.Lock()
	summary := UsageSummary{
		TotalRequests:    u.history.Len(),
		ErrorCount:       u.winErrors,
		LifetimeRequests: u.lifetime,
		SuccessRate:      100,
		Timestamp:        u.now().UTC(),
	}
	if summary.TotalRequests > 0 {
		total := float64(summary.TotalRequests)
		summary.ErrorRate = float64(u.winErrors) / total * 100
		summary.SuccessRate = 100 - summary.ErrorRate
		summary.AverageDuration = u.winTotal / time.Duration(summary.TotalRequests)
	}
	u.mu.Unlock()
	if u.resources != nil {
		summary.Resources = u.resources.Snapshot()
	}
	return summary
}

// EndpointStats is the lifetime aggregate for one endpoint.
type EndpointStats struct {
	Endpoint        string        `json:"endpoint"`
	TotalRequests   int64         `json:"total_requests"`
	TotalDuration   time.Duration `json:"total_duration"`
	SuccessCount    int64         `json:"success_count"`
	ErrorCount      int64         `json:"error_count"`
	AverageDuration time.Duration `json:"avg_duration"`
	LastRequest     time.Time     `json:"last_request"`
}

// Endpoints returns per-endpoint aggregates sorted by endpoint name.
func (u *UsageMonitor) Endpoints() []EndpointStats {
	u.mu.Lock()
	out := make([]EndpointStats, 0, len(u.endpoints))
	for name, agg := range u.endpoints {
		out = append(out, EndpointStats{
			Endpoint:        name,
			TotalRequests:   agg.requests,
			TotalDuration:   agg.totalDuration,
			SuccessCount:    agg.successes,
			ErrorCount:      agg.errors,
			AverageDuration: agg.totalDuration / time.Duration(agg.requests),
			LastRequest:     agg.lastRequest,
		})
	}
	u.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Recent returns up to n of the newest metrics, oldest first.
func (u *UsageMonitor) Recent(n int) []domain.UsageMetric {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.history.Last(n)
}

type sessionKey struct{}

// WithSession tags ctx with the session the instrumented work belongs to.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session id stored by WithSession.
func SessionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
