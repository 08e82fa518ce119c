package ws

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type stubSubscriber struct {
	mu     sync.Mutex
	got    [][]byte
	fail   bool
	closed bool
}

func (s *stubSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.got = append(s.got, payload)
	return nil
}

func (s *stubSubscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func TestBroadcastReachesOnlyRoomMembers(t *testing.T) {
	hub := NewHub(nil)
	a, b, other := &stubSubscriber{}, &stubSubscriber{}, &stubSubscriber{}
	hub.Join("room-1", a)
	hub.Join("room-1", b)
	hub.Join("room-2", other)

	if n := hub.Broadcast("room-1", []byte("hi")); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("members did not receive payload: %d %d", len(a.got), len(b.got))
	}
	if len(other.got) != 0 {
		t.Fatalf("payload leaked to another room")
	}
	if n := hub.Broadcast("missing", []byte("x")); n != 0 {
		t.Fatalf("expected no deliveries to empty room, got %d", n)
	}
}

func TestBroadcastDropsFailingMembers(t *testing.T) {
	hub := NewHub(nil)
	ok, bad := &stubSubscriber{}, &stubSubscriber{fail: true}
	hub.Join("r", ok)
	hub.Join("r", bad)

	if n := hub.Broadcast("r", []byte("x")); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if !bad.closed {
		t.Fatalf("failing member should be closed")
	}
	if got := hub.Members("r"); got != 1 {
		t.Fatalf("expected failing member removed, members=%d", got)
	}
}

func TestLeaveDropsEmptyRooms(t *testing.T) {
	hub := NewHub(nil)
	s := &stubSubscriber{}
	hub.Join("r", s)
	if hub.Rooms() != 1 {
		t.Fatalf("expected one room")
	}
	hub.Leave("r", s)
	hub.Leave("r", s)
	if hub.Rooms() != 0 {
		t.Fatalf("expected room to be dropped, rooms=%d", hub.Rooms())
	}
}

type flushRecorder struct {
	*httptest.ResponseRecorder
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestSSEClientFramesEvents(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	client := NewSSEClient(rec, rec, nil)

	if err := client.SendEvent("alert_raised", []byte("{\"a\":1}\n{\"b\":2}")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	want := "event: alert_raised\ndata: {\"a\":1}\ndata: {\"b\":2}\n\n: ping\n\n"
	if body != want {
		t.Fatalf("unexpected frames %q", body)
	}
	if rec.flushes != 2 {
		t.Fatalf("expected 2 flushes, got %d", rec.flushes)
	}

	client.Close()
	client.Close()
	select {
	case <-client.Done():
	default:
		t.Fatalf("done channel not closed")
	}
	if err := client.Send([]byte("late")); err == nil {
		t.Fatalf("expected error after close")
	}
	if strings.Contains(rec.Body.String(), "late") {
		t.Fatalf("closed stream must not be written")
	}
}
