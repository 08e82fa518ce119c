package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knightrooks/agenthub/internal/domain"
)

func TestGradeFor(t *testing.T) {
	cases := []struct {
		avg  time.Duration
		want Grade
	}{
		{0, GradeExcellent},
		{100 * time.Millisecond, GradeExcellent},
		{101 * time.Millisecond, GradeGood},
		{500 * time.Millisecond, GradeGood},
		{time.Second, GradeAcceptable},
		{1500 * time.Millisecond, GradePoor},
		{2 * time.Second, GradePoor},
		{2*time.Second + time.Millisecond, GradeUnacceptable},
		{time.Minute, GradeUnacceptable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, GradeFor(tc.avg), "avg=%s", tc.avg)
	}
}

func TestGradeIsMonotonic(t *testing.T) {
	rank := map[Grade]int{
		GradeExcellent:    0,
		GradeGood:         1,
		GradeAcceptable:   2,
		GradePoor:         3,
		GradeUnacceptable: 4,
	}
	prev := rank[GradeFor(0)]
	for avg := time.Duration(0); avg <= 3*time.Second; avg += 7 * time.Millisecond {
		cur := rank[GradeFor(avg)]
		require.GreaterOrEqual(t, cur, prev, "avg=%s", avg)
		prev = cur
	}
}

func TestRollingAverageUsesNewestWindow(t *testing.T) {
	l := NewLatencyTracker(10, 3, nil)
	for _, ms := range []int{1000, 1000, 1000, 10, 20, 30} {
		l.Record(domain.LatencyMeasurement{Operation: "chat", Duration: time.Duration(ms) * time.Millisecond, Success: true})
	}
	p := l.CurrentPerformance()
	assert.Equal(t, 3, p.RecentRequests)
	assert.Equal(t, 6, p.Retained)
	assert.Equal(t, 20*time.Millisecond, p.AverageLatency)
	assert.InDelta(t, 20.0, p.AverageMS, 0.0001)
	assert.Equal(t, GradeExcellent, p.Grade)
}

func TestRollingWindowMatchingCapacity(t *testing.T) {
	l := NewLatencyTracker(2, 5, nil)
	l.Record(domain.LatencyMeasurement{Duration: 3 * time.Second, Success: false})
	l.Record(domain.LatencyMeasurement{Duration: 100 * time.Millisecond, Success: true})
	l.Record(domain.LatencyMeasurement{Duration: 300 * time.Millisecond, Success: true})

	p := l.CurrentPerformance()
	assert.Equal(t, 2, p.RecentRequests)
	assert.Zero(t, p.RecentFailures)
	assert.Equal(t, 200*time.Millisecond, p.AverageLatency)
	assert.Equal(t, GradeGood, p.Grade)
}

func TestEmptyTrackerIsExcellent(t *testing.T) {
	p := NewLatencyTracker(0, 0, nil).CurrentPerformance()
	assert.Equal(t, GradeExcellent, p.Grade)
	assert.Zero(t, p.RecentRequests)
}

func TestMeasureRecordsTimingAndFailures(t *testing.T) {
	clock := newManualClock()
	l := NewLatencyTracker(10, 10, nil)
	l.now = clock.Now

	slow := l.Measure("controller", func(context.Context) error {
		clock.Advance(3 * time.Second)
		return nil
	})
	broken := l.Measure("controller", func(context.Context) error {
		clock.Advance(time.Second)
		return errors.New("nope")
	})
	require.NoError(t, slow(context.Background()))
	require.Error(t, broken(context.Background()))

	p := l.CurrentPerformance()
	assert.Equal(t, 2*time.Second, p.AverageLatency)
	assert.Equal(t, GradePoor, p.Grade)
	assert.Equal(t, 1, p.RecentFailures)

	ops := l.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, "controller", ops[0].Operation)
	assert.Equal(t, int64(2), ops[0].Count)
	assert.Equal(t, int64(1), ops[0].Failures)
	assert.Equal(t, time.Second, ops[0].Min)
	assert.Equal(t, 3*time.Second, ops[0].Max)
	assert.Equal(t, 2*time.Second, ops[0].Average)
}
