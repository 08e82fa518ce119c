package registry

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knightrooks/agenthub/internal/domain"
)

func TestAdmitRejectsAtCapacity(t *testing.T) {
	reg := New(Options{MaxConnections: 100})
	for i := 0; i < 100; i++ {
		_, err := reg.Admit(fmt.Sprintf("conn-%d", i), "ip:127.0.0.1")
		require.NoError(t, err)
	}

	_, err := reg.Admit("conn-100", "ip:127.0.0.1")
	require.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 100, reg.Count())

	stats := reg.Stats()
	assert.Equal(t, 100, stats.ActiveConnections)
	assert.Equal(t, int64(1), stats.TotalRejected)
	assert.Equal(t, 100, stats.PeakConnections)
}

func TestAdmitAssignsRoomAndActiveState(t *testing.T) {
	reg := New(Options{RoomPrefix: "lazyjohn"})
	sess, err := reg.Admit("c1", "ip:10.1.1.1")
	require.NoError(t, err)

	assert.Equal(t, domain.SessionActive, sess.State)
	assert.NotEmpty(t, sess.ID)
	assert.True(t, strings.HasPrefix(sess.Room, "lazyjohn_"))
	assert.Equal(t, "lazyjohn_"+sess.ID, sess.Room)

	room, ok := reg.RoomOf(sess.ID)
	require.True(t, ok)
	assert.Equal(t, sess.Room, room)

	_, err = reg.Admit("c1", "ip:10.1.1.1")
	assert.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestReleaseIsIdempotent(t *testing.T) {
	reg := New(Options{MaxConnections: 1})
	sess, err := reg.Admit("c1", "k")
	require.NoError(t, err)

	closed, ok := reg.Release("c1")
	require.True(t, ok)
	assert.Equal(t, domain.SessionClosed, closed.State)
	assert.Equal(t, sess.ID, closed.ID)

	_, ok = reg.Release("c1")
	assert.False(t, ok, "second release must be a no-op")
	assert.Equal(t, 0, reg.Count())

	_, ok = reg.RoomOf(sess.ID)
	assert.False(t, ok)

	_, err = reg.Admit("c2", "k")
	assert.NoError(t, err, "released slot is reusable")
}

func TestTouchStopsAtMessageCeiling(t *testing.T) {
	reg := New(Options{MaxMessages: 50})
	_, err := reg.Admit("c1", "k")
	require.NoError(t, err)

	for i := 1; i <= 50; i++ {
		sess, err := reg.Touch("c1")
		require.NoError(t, err, "message %d", i)
		assert.Equal(t, i, sess.MessageCount)
	}

	sess, err := reg.Touch("c1")
	require.ErrorIs(t, err, ErrMessageLimit)
	assert.Equal(t, 50, sess.MessageCount)

	current, ok := reg.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, 50, current.MessageCount)
}

func TestTouchUnknownSession(t *testing.T) {
	reg := New(Options{})
	_, err := reg.Touch("missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
	_, err = reg.Heartbeat("missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, reg.Authenticate("missing"), ErrUnknownSession)
}

func TestHeartbeatAndIdle(t *testing.T) {
	base := time.Date(2026, time.January, 2, 8, 0, 0, 0, time.UTC)
	now := base
	reg := New(Options{})
	reg.now = func() time.Time { return now }

	_, err := reg.Admit("c1", "k")
	require.NoError(t, err)
	_, err = reg.Admit("c2", "k")
	require.NoError(t, err)

	now = base.Add(4 * time.Minute)
	sess, err := reg.Heartbeat("c2")
	require.NoError(t, err)
	assert.Equal(t, 0, sess.MessageCount, "heartbeat does not count as a message")

	now = base.Add(6 * time.Minute)
	idle := reg.Idle(5 * time.Minute)
	require.Len(t, idle, 1)
	assert.Equal(t, "c1", idle[0].ConnID)

	stats := reg.Stats()
	require.Len(t, stats.Sessions, 2)
	assert.Equal(t, 6*time.Minute, stats.Sessions[0].Connected)
}

func TestConcurrentAdmitNeverExceedsCeiling(t *testing.T) {
	reg := New(Options{MaxConnections: 25})
	var wg sync.WaitGroup
	var mu sync.Mutex
	maxSeen := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c-%d", i)
			if _, err := reg.Admit(connID, "k"); err != nil {
				return
			}
			mu.Lock()
			if c := reg.Count(); c > maxSeen {
				maxSeen = c
			}
			mu.Unlock()
			if i%2 == 0 {
				reg.Release(connID)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, maxSeen, 25)
	assert.LessOrEqual(t, reg.Count(), 25)
}
