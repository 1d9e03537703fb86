// Package ratelimit throttles connection attempts per client IP.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/christopherjohns/roomchat/internal/logging"
)

// IPLimiter tracks request counts per IP within a sliding window.
type IPLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
	trusted []netip.Prefix
}

// Option configures an IPLimiter.
type Option func(*IPLimiter)

// WithTrustedProxies makes the limiter honor X-Forwarded-For and X-Real-IP
// on requests whose peer address falls in one of the prefixes. Requests
// from any other peer are keyed on the peer address alone.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(l *IPLimiter) {
		l.trusted = append(l.trusted, prefixes...)
	}
}

// NewIPLimiter creates an IPLimiter allowing max requests per window.
// A non-positive max disables limiting.
func NewIPLimiter(max int, window time.Duration, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ParseTrustedProxies parses bare addresses and CIDR prefixes.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", v, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", v, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func (l *IPLimiter) isTrusted(addr netip.Addr) bool {
	for _, p := range l.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the address the limit applies to. It is the peer
// address unless the peer is a trusted proxy, in which case the nearest
// untrusted X-Forwarded-For hop (or X-Real-IP) is used.
func (l *IPLimiter) ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !l.isTrusted(peer.Unmap()) {
		return host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !l.isTrusted(hop.Unmap()) {
				return hop.Unmap().String()
			}
		}
	}
	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}
	return host
}

// Allow returns true if the IP has not exceeded the rate limit.
// If allowed, the request is recorded.
func (l *IPLimiter) Allow(ip string) bool {
	ok, _ := l.allow(ip)
	return ok
}

// allow also reports when the oldest recorded request leaves the window.
func (l *IPLimiter) allow(ip string) (bool, time.Duration) {
	if l.max <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := l.prune(ip, now)
	if len(valid) >= l.max {
		return false, valid[0].Add(l.window).Sub(now)
	}
	l.entries[ip] = append(valid, now)
	return true, 0
}

// prune drops expired timestamps for ip. Must be called with mu held.
func (l *IPLimiter) prune(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	timestamps := l.entries[ip]
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(l.entries, ip)
		return nil
	}
	l.entries[ip] = valid
	return valid
}

// Sweep forgets every IP with no requests left in the window.
func (l *IPLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for ip := range l.entries {
		l.prune(ip, now)
	}
}

// Tracked returns the number of IPs with requests in the window.
func (l *IPLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Error is the JSON body of a rejected request.
type Error struct {
	Message    string `json:"error"`
	Limit      int    `json:"limit"`
	RetryAfter int    `json:"retry_after_seconds"`
}

// Middleware rejects requests from IPs over the limit with 429 Too Many
// Requests.
func (l *IPLimiter) Middleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := l.ClientIP(r)
			ok, wait := l.allow(ip)
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			secs := int((wait + time.Second - 1) / time.Second)
			if secs < 1 {
				secs = 1
			}
			logger.Warn().Str(logging.FieldClientIP, ip).Str(logging.FieldPath, r.URL.Path).Msg("rate limit exceeded")

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(Error{
				Message:    "too many connection attempts",
				Limit:      l.max,
				RetryAfter: secs,
			})
		})
	}
}
