// Package ratelimit implements the dual-window admission control gate:
// a token-bucket burst layer and a sliding-window sustained layer, checked
// per endpoint for the client IP and, when authenticated, the user id.
// State is sharded by key hash so hot endpoints do not contend on one lock.
package ratelimit

import (
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"arena1/config"
	"arena1/errs"
	"arena1/logging"
	"arena1/metrics"
)

// Layer names used in rejections and metric labels
const (
	LayerBurst     = "burst_limited"
	LayerSustained = "sustained_limited"
)

// Key type labels
const (
	KeyTypeIP   = "ip"
	KeyTypeUser = "user"
)

// Limiter is the admission control gate
type Limiter struct {
	shards []*shard
	now    func() time.Time
}

// shard holds bucket and window state for a subset of keys
type shard struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	windows map[string][]time.Time
}

// NewLimiter creates a limiter with the configured shard count
func NewLimiter() *Limiter {
	count := config.GetRateLimitShards()
	shards := make([]*shard, count)
	for i := range shards {
		shards[i] = &shard{
			buckets: make(map[string]*rate.Limiter),
			windows: make(map[string][]time.Time),
		}
	}
	return &Limiter{
		shards: shards,
		now:    time.Now,
	}
}

// Check admits or rejects one request against both layers for the IP key
// and, when userID is non-empty, the user key. The first rejecting layer
// wins; rejections carry a retry-after hint.
func (l *Limiter) Check(endpoint, ip, userID string) error {
	limit := config.GetEndpointLimit(endpoint)

	if err := l.checkKey(endpoint, KeyTypeIP, ip, limit); err != nil {
		return err
	}

	// Anonymous requests skip the user layer
	if userID != "" {
		if err := l.checkKey(endpoint, KeyTypeUser, userID, limit); err != nil {
			return err
		}
	}

	return nil
}

// checkKey runs both layers for one key
func (l *Limiter) checkKey(endpoint, keyType, key string, limit config.EndpointLimit) error {
	compound := keyType + ":" + key + ":" + endpoint
	s := l.shardFor(compound)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()

	// Burst layer - token bucket
	bucket, ok := s.buckets[compound]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(limit.RefillRate), limit.BurstCapacity)
		s.buckets[compound] = bucket
	}
	if !bucket.AllowN(now, 1) {
		metrics.RateLimitedRequests.WithLabelValues(keyType, LayerBurst).Inc()
		return l.rejection(keyType, LayerBurst, limit)
	}

	// Sustained layer - sliding window
	window := s.windows[compound]
	cutoff := now.Add(-limit.Window)
	trimmed := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			trimmed = append(trimmed, ts)
		}
	}
	if len(trimmed) >= limit.WindowMax {
		s.windows[compound] = trimmed
		metrics.RateLimitedRequests.WithLabelValues(keyType, LayerSustained).Inc()
		return l.rejection(keyType, LayerSustained, limit)
	}
	s.windows[compound] = append(trimmed, now)

	return nil
}

// rejection builds the typed error with its retry-after hint
func (l *Limiter) rejection(keyType, layer string, limit config.EndpointLimit) error {
	var retryAfter time.Duration
	if layer == LayerBurst {
		retryAfter = time.Duration(float64(time.Second) / limit.RefillRate)
	} else {
		retryAfter = limit.Window
	}
	return errs.New(errs.KindRateLimited, "request rate exceeded").
		WithData("key_type", keyType).
		WithData("layer", layer).
		WithData("retry_after_ms", retryAfter.Milliseconds())
}

// shardFor hashes a key onto its shard
func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Sweep drops the window and bucket state of every key whose latest
// admission (or empty window) is older than maxIdle.
func (l *Limiter) Sweep(maxIdle time.Duration) {
	cutoff := l.now().Add(-maxIdle)
	for _, s := range l.shards {
		s.mu.Lock()
		for key, window := range s.windows {
			if len(window) == 0 || window[len(window)-1].Before(cutoff) {
				delete(s.windows, key)
				delete(s.buckets, key)
			}
		}
		s.mu.Unlock()
	}
}

// Middleware gates an HTTP handler chain behind the limiter. The user id is
// read from the request context when auth ran first; the endpoint key is the
// fixed string the router passes for each route group (e.g. /api/rooms/ops)
// so path parameters share one tuple.
func (l *Limiter) Middleware(endpointKey string, userFromRequest func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			userID := ""
			if userFromRequest != nil {
				userID = userFromRequest(r)
			}

			if err := l.Check(endpointKey, ip, userID); err != nil {
				var typed *errs.Error
				if e, ok := err.(*errs.Error); ok {
					typed = e
				}
				w.Header().Set("Content-Type", "application/json")
				if typed != nil {
					if retryMs, ok := typed.Data["retry_after_ms"].(int64); ok {
						seconds := (retryMs + 999) / 1000
						if seconds < 1 {
							seconds = 1
						}
						w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
					}
				}
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"success":false,"kind":"%s","error":"request rate exceeded"}`, errs.KindRateLimited)

				logging.Trace("ratelimit", "request rejected", map[string]interface{}{
					"endpoint": endpointKey,
					"ip":       ip,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the caller address, honoring X-Forwarded-For from the
// edge proxy
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
