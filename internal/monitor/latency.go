package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knightrooks/agenthub/internal/domain"
	"github.com/knightrooks/agenthub/internal/ring"
	"github.com/knightrooks/agenthub/pkg/logger"
)

const (
	DefaultLatencyHistory = 1000
	DefaultRollingWindow  = 100
)

// Grade is a discrete label for a rolling average latency.
type Grade string

const (
	GradeExcellent    Grade = "excellent"
	GradeGood         Grade = "good"
	GradeAcceptable   Grade = "acceptable"
	GradePoor         Grade = "poor"
	GradeUnacceptable Grade = "unacceptable"
)

var gradeBounds = []struct {
	max   time.Duration
	grade Grade
}{
	{100 * time.Millisecond, GradeExcellent},
	{500 * time.Millisecond, GradeGood},
	{time.Second, GradeAcceptable},
	{2 * time.Second, GradePoor},
}

// GradeFor maps an average latency to its grade. Bounds are inclusive and
// ascending, so a larger average never earns a better grade.
func GradeFor(avg time.Duration) Grade {
	for _, b := range gradeBounds {
		if avg <= b.max {
			return b.grade
		}
	}
	return GradeUnacceptable
}

type operationAggregate struct {
	count    int64
	failures int64
	total    time.Duration
	min      time.Duration
	max      time.Duration
}

// LatencyTracker retains recent LatencyMeasurements and a rolling average
// over the newest window of them.
type LatencyTracker struct {
	logger *slog.Logger
	now    func() time.Time
	window int

	mu          sync.Mutex
	history     *ring.Buffer[domain.LatencyMeasurement]
	rollingSum  time.Duration
	rollingFail int
	operations  map[string]*operationAggregate
}

// NewLatencyTracker constructs a tracker. window is clamped to maxHistory.
func NewLatencyTracker(maxHistory, window int, log *slog.Logger) *LatencyTracker {
	if maxHistory <= 0 {
		maxHistory = DefaultLatencyHistory
	}
	if window <= 0 {
		window = DefaultRollingWindow
	}
	if window > maxHistory {
		window = maxHistory
	}
	return &LatencyTracker{
		logger:     logger.OrDiscard(log).With("component", "latency_tracker"),
		now:        time.Now,
		window:     window,
		history:    ring.New[domain.LatencyMeasurement](maxHistory),
		operations: make(map[string]*operationAggregate),
	}
}

// Record appends m and moves the rolling window forward by one.
func (l *LatencyTracker) Record(m domain.LatencyMeasurement) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Duration == 0 && !m.End.IsZero() {
		m.Duration = m.End.Sub(m.Start)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	old, evicted := l.history.Push(m)
	l.rollingSum += m.Duration
	if !m.Success {
		l.rollingFail++
	}
	switch {
	case evicted && l.window == l.history.Cap():
		l.leaveWindow(old)
	case l.history.Len() > l.window:
		l.leaveWindow(l.history.At(l.history.Len() - 1 - l.window))
	}

	agg, ok := l.operations[m.Operation]
	if !ok {
		agg = &operationAggregate{min: m.Duration, max: m.Duration}
		l.operations[m.Operation] = agg
	}
	agg.count++
	agg.total += m.Duration
	if !m.Success {
		agg.failures++
	}
	if m.Duration < agg.min {
		agg.min = m.Duration
	}
	if m.Duration > agg.max {
		agg.max = m.Duration
	}
}

func (l *LatencyTracker) leaveWindow(m domain.LatencyMeasurement) {
	l.rollingSum -= m.Duration
	if !m.Success {
		l.rollingFail--
	}
}

// Measure wraps op so that every call records one LatencyMeasurement.
func (l *LatencyTracker) Measure(operation string, op Operation) Operation {
	return func(ctx context.Context) error {
		start := l.now()
		err := op(ctx)
		end := l.now()
		m := domain.LatencyMeasurement{
			Operation: operation,
			SessionID: SessionFromContext(ctx),
			Start:     start.UTC(),
			End:       end.UTC(),
			Duration:  end.Sub(start),
			Success:   err == nil,
		}
		if err != nil {
			m.Error = err.Error()
		}
		l.Record(m)
		return err
	}
}

// Performance is the rolling view reported by CurrentPerformance.
type Performance struct {
	AverageLatency time.Duration `json:"avg_latency"`
	AverageMS      float64       `json:"avg_latency_ms"`
	Grade          Grade         `json:"performance_grade"`
	RecentRequests int           `json:"recent_requests"`
	RecentFailures int           `json:"recent_failures"`
	Retained       int           `json:"retained"`
}

// CurrentPerformance grades the rolling average. With no measurements the
// grade is excellent.
func (l *LatencyTracker) CurrentPerformance() Performance {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := min(l.history.Len(), l.window)
	perf := Performance{
		Grade:          GradeExcellent,
		RecentRequests: n,
		RecentFailures: l.rollingFail,
		Retained:       l.history.Len(),
	}
	if n == 0 {
		return perf
	}
	perf.AverageLatency = l.rollingSum / time.Duration(n)
	perf.AverageMS = float64(perf.AverageLatency) / float64(time.Millisecond)
	perf.Grade = GradeFor(perf.AverageLatency)
	return perf
}

// OperationStats is the lifetime aggregate for one operation name.
type OperationStats struct {
	Operation string        `json:"operation"`
	Count     int64         `json:"count"`
	Failures  int64         `json:"failures"`
	Average   time.Duration `json:"avg"`
	Min       time.Duration `json:"min"`
	Max       time.Duration `json:"max"`
}

// Operations returns per-operation aggregates sorted by name.
func (l *LatencyTracker) Operations() []OperationStats {
	l.mu.Lock()
	out := make([]OperationStats, 0, len(l.operations))
	for name, agg := range l.operations {
		out = append(out, OperationStats{
			Operation: name,
			Count:     agg.count,
			Failures:  agg.failures,
			Average:   agg.total / time.Duration(agg.count),
			Min:       agg.min,
			Max:       agg.max,
		})
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}
