package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knightrooks/agenthub/internal/domain"
	"github.com/knightrooks/agenthub/internal/ring"
	"github.com/knightrooks/agenthub/pkg/logger"
)

// ErrAlertNotFound is returned by Resolve for ids that are not active.
var ErrAlertNotFound = errors.New("monitor: alert not found")

const (
	DefaultAlertHistory = 1000
	DefaultMaxActive    = 100
)

// Thresholds are the alert rule limits. Rates and usage are percentages.
type Thresholds struct {
	MinRequests       int
	ErrorRateWarning  float64
	ErrorRateCritical float64
	LatencyWarningMS  float64
	LatencyCriticalMS float64
	CPUWarning        float64
	CPUCritical       float64
	MemoryWarning     float64
	MemoryCritical    float64
}

// DefaultThresholds returns the stock alert limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinRequests:       20,
		ErrorRateWarning:  5,
		ErrorRateCritical: 20,
		LatencyWarningMS:  2000,
		LatencyCriticalMS: 5000,
		CPUWarning:        80,
		CPUCritical:       95,
		MemoryWarning:     85,
		MemoryCritical:    95,
	}
}

// Snapshot is the input to one evaluation pass.
type Snapshot struct {
	Requests       int
	ErrorRate      float64
	LatencySamples int
	AvgLatencyMS   float64
	Resources      domain.ResourceSnapshot
}

// Collect builds a Snapshot from the usage and latency monitors. Either may
// be nil.
func Collect(usage *UsageMonitor, latency *LatencyTracker) Snapshot {
	var snap Snapshot
	if usage != nil {
		s := usage.Summary()
		snap.Requests = s.TotalRequests
		snap.ErrorRate = s.ErrorRate
		snap.Resources = s.Resources
	}
	if latency != nil {
		p := latency.CurrentPerformance()
		snap.LatencySamples = p.RecentRequests
		snap.AvgLatencyMS = p.AverageMS
	}
	return snap
}

// AlertOptions configures an AlertManager.
type AlertOptions struct {
	Thresholds  Thresholds
	HistorySize int
	MaxActive   int
	Logger      *slog.Logger
}

// AlertManager raises alerts from threshold breaches and tracks the active
// set separately from the bounded history.
type AlertManager struct {
	thresholds Thresholds
	maxActive  int
	logger     *slog.Logger
	now        func() time.Time

	evalMu     sync.Mutex
	mu         sync.Mutex
	active     map[string]*domain.Alert
	order      []string // active ids, oldest first
	history    *ring.Buffer[*domain.Alert]
	raised     int64
	resolved   int64
	superseded int64
	bySeverity map[domain.AlertSeverity]int64
	byType     map[domain.AlertType]int64
	onRaise    []func(domain.Alert)
	onResolve  []func(domain.Alert)
}

// NewAlertManager constructs an AlertManager. A zero Thresholds value
// selects DefaultThresholds.
func NewAlertManager(opts AlertOptions) *AlertManager {
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultAlertHistory
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = DefaultMaxActive
	}
	return &AlertManager{
		thresholds: opts.Thresholds,
		maxActive:  opts.MaxActive,
		logger:     logger.OrDiscard(opts.Logger).With("component", "alert_manager"),
		now:        time.Now,
		active:     make(map[string]*domain.Alert),
		history:    ring.New[*domain.Alert](opts.HistorySize),
		bySeverity: make(map[domain.AlertSeverity]int64),
		byType:     make(map[domain.AlertType]int64),
	}
}

// OnRaise registers fn to run after every new alert, outside the lock.
func (m *AlertManager) OnRaise(fn func(domain.Alert)) {
	m.mu.Lock()
	m.onRaise = append(m.onRaise, fn)
	m.mu.Unlock()
}

// OnResolve registers fn to run after every resolution, outside the lock.
func (m *AlertManager) OnResolve(fn func(domain.Alert)) {
	m.mu.Lock()
	m.onResolve = append(m.onResolve, fn)
	m.mu.Unlock()
}

type rule struct {
	kind      domain.AlertType
	value     float64
	warning   float64
	critical  float64
	applies   bool
	title     string
	unit      string
	metricKey string
}

func (m *AlertManager) rules(s Snapshot) []rule {
	t := m.thresholds
	sampled := !s.Resources.SampledAt.IsZero()
	return []rule{
		{domain.AlertErrorRate, s.ErrorRate, t.ErrorRateWarning, t.ErrorRateCritical, s.Requests >= t.MinRequests && s.Requests > 0, "High error rate", "%", "error_rate"},
		{domain.AlertLatency, s.AvgLatencyMS, t.LatencyWarningMS, t.LatencyCriticalMS, s.LatencySamples > 0, "Slow response time", "ms", "avg_latency_ms"},
		{domain.AlertCPU, s.Resources.CPUPercent, t.CPUWarning, t.CPUCritical, sampled, "High CPU usage", "%", "cpu_percent"},
		{domain.AlertMemory, s.Resources.MemoryPercent, t.MemoryWarning, t.MemoryCritical, sampled, "High memory usage", "%", "memory_percent"},
	}
}

// Evaluate checks every rule against s and triggers one alert per breached
// rule whose type has no active alert. It returns the new alerts.
func (m *AlertManager) Evaluate(s Snapshot) []domain.Alert {
	m.evalMu.Lock()
	defer m.evalMu.Unlock()
	var raised []domain.Alert
	for _, r := range m.rules(s) {
		if !r.applies {
			continue
		}
		var severity domain.AlertSeverity
		switch {
		case r.value >= r.critical:
			severity = domain.SeverityCritical
		case r.value >= r.warning:
			severity = domain.SeverityWarning
		default:
			continue
		}
		if m.hasActive(r.kind) {
			continue
		}
		limit := r.warning
		if severity == domain.SeverityCritical {
			limit = r.critical
		}
		msg := fmt.Sprintf("%s is %.1f%s (threshold %.1f%s)", r.metricKey, r.value, r.unit, limit, r.unit)
		metrics := map[string]float64{r.metricKey: r.value, "threshold": limit}
		if r.kind == domain.AlertErrorRate {
			metrics["requests"] = float64(s.Requests)
		}
		raised = append(raised, m.Trigger(r.kind, severity, r.title, msg, metrics))
	}
	return raised
}

func (m *AlertManager) hasActive(kind domain.AlertType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.active {
		if a.Type == kind {
			return true
		}
	}
	return false
}

// Trigger creates exactly one alert, adds it to the active set and history
// and returns a copy. When the active set is full the oldest active alert is
// marked superseded and dropped from the set.
func (m *AlertManager) Trigger(kind domain.AlertType, severity domain.AlertSeverity, title, message string, metrics map[string]float64) domain.Alert {
	alert := &domain.Alert{
		ID:        uuid.NewString(),
		Type:      kind,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: m.now().UTC(),
		Metrics:   copyMetrics(metrics),
	}

	m.mu.Lock()
	var dropped *domain.Alert
	if len(m.order) >= m.maxActive {
		oldest := m.order[0]
		m.order = m.order[1:]
		dropped = m.active[oldest]
		delete(m.active, oldest)
		dropped.Superseded = true
		m.superseded++
	}
	m.active[alert.ID] = alert
	m.order = append(m.order, alert.ID)
	m.history.Push(alert)
	m.raised++
	m.bySeverity[severity]++
	m.byType[kind]++
	out := cloneAlert(alert)
	hooks := m.onRaise
	m.mu.Unlock()

	if dropped != nil {
		m.logger.Warn("active alert superseded", "alert_id", dropped.ID, "alert_type", dropped.Type)
	}
	m.logger.Warn("alert raised",
		"alert_id", out.ID,
		"alert_type", out.Type,
		"severity", out.Severity,
		"title", out.Title,
		"message", out.Message)
	for _, fn := range hooks {
		fn(out)
	}
	return out
}

// Resolve removes an active alert from the active set. Its history entry is
// kept and marked resolved.
func (m *AlertManager) Resolve(id string) (domain.Alert, error) {
	m.mu.Lock()
	alert, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return domain.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	delete(m.active, id)
	for i, activeID := range m.order {
		if activeID == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	alert.Resolved = true
	alert.ResolvedAt = m.now().UTC()
	m.resolved++
	out := cloneAlert(alert)
	hooks := m.onResolve
	m.mu.Unlock()

	m.logger.Info("alert resolved", "alert_id", out.ID, "alert_type", out.Type)
	for _, fn := range hooks {
		fn(out)
	}
	return out, nil
}

// ActiveAlerts returns the unresolved alerts, newest first.
func (m *AlertManager) ActiveAlerts() []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Alert, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, cloneAlert(m.active[m.order[i]]))
	}
	return out
}

// History returns up to limit retained alerts, newest first. A limit of zero
// or less returns all of them.
func (m *AlertManager) History(limit int) []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.history.Len()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, cloneAlert(m.history.At(i)))
	}
	return out
}

// AlertStats summarises alert activity. Counters are lifetime totals and
// are unaffected by history eviction or resolution.
type AlertStats struct {
	TotalAlerts    int64                          `json:"total_alerts"`
	RetainedAlerts int                            `json:"retained_alerts"`
	ActiveAlerts   int                            `json:"active_alerts"`
	ResolvedAlerts int64                          `json:"resolved_alerts"`
	Superseded     int64                          `json:"superseded_alerts"`
	BySeverity     map[domain.AlertSeverity]int64 `json:"by_severity"`
	ByType         map[domain.AlertType]int64     `json:"by_type"`
}

// Statistics snapshots the counters under the manager lock.
func (m *AlertManager) Statistics() AlertStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := AlertStats{
		TotalAlerts:    m.raised,
		RetainedAlerts: m.history.Len(),
		ActiveAlerts:   len(m.active),
		ResolvedAlerts: m.resolved,
		Superseded:     m.superseded,
		BySeverity:     make(map[domain.AlertSeverity]int64, len(m.bySeverity)),
		ByType:         make(map[domain.AlertType]int64, len(m.byType)),
	}
	for k, v := range m.bySeverity {
		stats.BySeverity[k] = v
	}
	for k, v := range m.byType {
		stats.ByType[k] = v
	}
	return stats
}

// Run evaluates source on every tick until ctx is cancelled.
func (m *AlertManager) Run(ctx context.Context, interval time.Duration, source func() Snapshot) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(source())
		}
	}
}

func cloneAlert(a *domain.Alert) domain.Alert {
	out := *a
	out.Metrics = copyMetrics(a.Metrics)
	return out
}

func copyMetrics(in map[string]float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
