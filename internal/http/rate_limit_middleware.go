package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/knightrooks/agenthub/internal/ratelimit"
	"github.com/knightrooks/agenthub/internal/service/realtime"
)

func (r *Router) withRateLimit(route string, keyFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil {
			next(w, req)
			return
		}
		key := keyFn(req)
		if key == "" {
			key = rateLimitKeyIP(req)
		}
		decision := r.limiter.Allow(req.Context(), key)
		applyRateHeaders(w, decision)
		if !decision.Allowed {
			label := route
			if label == "" {
				label = req.URL.Path
			}
			r.recordRateLimitHit(label, rateMetricKey(key))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func applyRateHeaders(w http.ResponseWriter, decision ratelimit.Decision) {
	if decision.Limit <= 0 {
		return
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(decision.Remaining, 0)))
	if !decision.ResetAt.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}
}

func rateLimitKeyIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// userID returns the identity forwarded by the upstream auth proxy, if any.
func (r *Router) userID(req *http.Request) string {
	if r.userHeader == "" {
		return ""
	}
	return strings.TrimSpace(req.Header.Get(r.userHeader))
}

func (r *Router) rateLimitKeyUser(req *http.Request) string {
	id := r.userID(req)
	if id == "" {
		return ""
	}
	return "user:" + id
}

// peer keys a websocket client by forwarded user when present, else by IP.
func (r *Router) peer(req *http.Request) realtime.Peer {
	if key := r.rateLimitKeyUser(req); key != "" {
		return realtime.Peer{Key: key, Authenticated: true}
	}
	return realtime.Peer{Key: rateLimitKeyIP(req)}
}

func rateMetricKey(key string) string {
	if key == "" {
		return "unknown"
	}
	if idx := strings.IndexRune(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}
