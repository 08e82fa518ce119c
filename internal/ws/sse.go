package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/knightrooks/agenthub/pkg/logger"
)

// SSEClient streams Server-Sent Events over an HTTP response writer.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
	done    chan struct{}
	last    time.Time
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, log *slog.Logger) *SSEClient {
	return &SSEClient{
		writer:  writer,
		flusher: flusher,
		log:     logger.OrDiscard(log),
		done:    make(chan struct{}),
		last:    time.Now().UTC(),
	}
}

// Send emits an unnamed data event.
func (c *SSEClient) Send(payload []byte) error {
	return c.SendEvent("", payload)
}

// SendEvent emits a data event with an optional event name. Multi-line
// payloads are split across data fields.
func (c *SSEClient) SendEvent(name string, payload []byte) error {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "event: %s\n", name)
	}
	for _, line := range strings.Split(string(payload), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return c.emit(b.String(), "sse send failed")
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	return c.emit(": ping\n\n", "sse heartbeat failed")
}

func (c *SSEClient) emit(frame, failure string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := io.WriteString(c.writer, frame); err != nil {
		c.closeLocked()
		c.log.Warn(failure, "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Close marks the stream as closed and releases Done waiters.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *SSEClient) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Done is closed once the stream is closed.
func (c *SSEClient) Done() <-chan struct{} { return c.done }

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
