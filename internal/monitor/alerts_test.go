package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knightrooks/agenthub/internal/domain"
)

func TestTriggerCreatesExactlyOneActiveAlert(t *testing.T) {
	m := NewAlertManager(AlertOptions{})
	alert := m.Trigger(domain.AlertCustom, domain.SeverityInfo, "deploy", "rolled out", map[string]float64{"v": 2})

	active := m.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, alert.ID, active[0].ID)
	assert.False(t, active[0].Resolved)
	assert.Equal(t, 2.0, active[0].Metrics["v"])

	second := m.Trigger(domain.AlertCustom, domain.SeverityInfo, "deploy", "again", nil)
	assert.NotEqual(t, alert.ID, second.ID)
	assert.Len(t, m.ActiveAlerts(), 2)
	assert.Equal(t, second.ID, m.ActiveAlerts()[0].ID, "newest first")
}

func TestResolveKeepsHistoryAndTotals(t *testing.T) {
	m := NewAlertManager(AlertOptions{})
	alert := m.Trigger(domain.AlertLatency, domain.SeverityWarning, "slow", "slow", nil)

	resolved, err := m.Resolve(alert.ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.False(t, resolved.ResolvedAt.IsZero())
	assert.Empty(t, m.ActiveAlerts())

	stats := m.Statistics()
	assert.Equal(t, int64(1), stats.TotalAlerts)
	assert.Equal(t, int64(1), stats.ResolvedAlerts)
	assert.Equal(t, 0, stats.ActiveAlerts)
	assert.Equal(t, 1, stats.RetainedAlerts)
	assert.Equal(t, int64(1), stats.BySeverity[domain.SeverityWarning])
	assert.Equal(t, int64(1), stats.ByType[domain.AlertLatency])

	history := m.History(0)
	require.Len(t, history, 1)
	assert.True(t, history[0].Resolved)

	_, err = m.Resolve(alert.ID)
	assert.ErrorIs(t, err, ErrAlertNotFound, "resolved is terminal")
	_, err = m.Resolve("missing")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestActiveSetOverflowSupersedesOldest(t *testing.T) {
	m := NewAlertManager(AlertOptions{MaxActive: 2, HistorySize: 2})
	first := m.Trigger(domain.AlertCustom, domain.SeverityInfo, "1", "", nil)
	m.Trigger(domain.AlertCustom, domain.SeverityInfo, "2", "", nil)
	m.Trigger(domain.AlertCustom, domain.SeverityInfo, "3", "", nil)

	active := m.ActiveAlerts()
	require.Len(t, active, 2)
	for _, a := range active {
		assert.NotEqual(t, first.ID, a.ID)
	}
	_, err := m.Resolve(first.ID)
	assert.ErrorIs(t, err, ErrAlertNotFound)

	stats := m.Statistics()
	assert.Equal(t, int64(3), stats.TotalAlerts)
	assert.Equal(t, int64(1), stats.Superseded)
	assert.Equal(t, 2, stats.RetainedAlerts)
}

func TestEvaluateRaisesPerBreachedRule(t *testing.T) {
	m := NewAlertManager(AlertOptions{})
	snap := Snapshot{
		Requests:       40,
		ErrorRate:      25,
		LatencySamples: 10,
		AvgLatencyMS:   2500,
		Resources: domain.ResourceSnapshot{
			CPUPercent:    50,
			MemoryPercent: 90,
			SampledAt:     time.Now(),
		},
	}
	raised := m.Evaluate(snap)
	require.Len(t, raised, 3)

	byType := make(map[domain.AlertType]domain.Alert)
	for _, a := range raised {
		byType[a.Type] = a
	}
	assert.Equal(t, domain.SeverityCritical, byType[domain.AlertErrorRate].Severity)
	assert.Equal(t, domain.SeverityWarning, byType[domain.AlertLatency].Severity)
	assert.Equal(t, domain.SeverityWarning, byType[domain.AlertMemory].Severity)
	assert.Equal(t, 25.0, byType[domain.AlertErrorRate].Metrics["error_rate"])
	_, cpu := byType[domain.AlertCPU]
	assert.False(t, cpu)

	assert.Empty(t, m.Evaluate(snap), "no duplicate while an alert of the same type is active")

	_, err := m.Resolve(byType[domain.AlertLatency].ID)
	require.NoError(t, err)
	again := m.Evaluate(snap)
	require.Len(t, again, 1)
	assert.Equal(t, domain.AlertLatency, again[0].Type)
	assert.NotEqual(t, byType[domain.AlertLatency].ID, again[0].ID, "recurrence gets a new id")
}

func TestEvaluateRespectsMinimumRequests(t *testing.T) {
	m := NewAlertManager(AlertOptions{})
	assert.Empty(t, m.Evaluate(Snapshot{Requests: 5, ErrorRate: 100}))
	assert.Empty(t, m.Evaluate(Snapshot{}), "unsampled resources never alert")
}

func TestCallbacksRunOnRaiseAndResolve(t *testing.T) {
	m := NewAlertManager(AlertOptions{})
	var raised, resolved []string
	m.OnRaise(func(a domain.Alert) {
		raised = append(raised, a.ID)
		// callbacks run without the manager lock held
		_ = m.Statistics()
	})
	m.OnResolve(func(a domain.Alert) { resolved = append(resolved, a.ID) })

	a := m.Trigger(domain.AlertCPU, domain.SeverityCritical, "cpu", "hot", nil)
	_, err := m.Resolve(a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, raised)
	assert.Equal(t, []string{a.ID}, resolved)
}

func TestRunEvaluatesUntilCancelled(t *testing.T) {
	m := NewAlertManager(AlertOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	fired := make(chan struct{})
	m.OnRaise(func(domain.Alert) { once.Do(func() { close(fired) }) })

	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond, func() Snapshot {
			return Snapshot{LatencySamples: 1, AvgLatencyMS: 9000}
		})
		close(done)
	}()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation loop never raised an alert")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, m.ActiveAlerts(), 1)
}

func TestCollectReadsMonitors(t *testing.T) {
	u := NewUsageMonitor(10, nil, nil)
	l := NewLatencyTracker(10, 10, nil)
	u.Record(domain.UsageMetric{StatusCode: 500})
	u.Record(domain.UsageMetric{StatusCode: 200})
	l.Record(domain.LatencyMeasurement{Duration: 300 * time.Millisecond, Success: true})

	snap := Collect(u, l)
	assert.Equal(t, 2, snap.Requests)
	assert.InDelta(t, 50.0, snap.ErrorRate, 0.0001)
	assert.Equal(t, 1, snap.LatencySamples)
	assert.InDelta(t, 300.0, snap.AvgLatencyMS, 0.0001)
}
