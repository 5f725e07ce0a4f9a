package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// RateLimitConfig sets per-client request budgets. Starting a run fans out
// into many answering-service calls, so it draws from its own bucket.
type RateLimitConfig struct {
	Enabled    bool
	ReadRPS    float64
	ReadBurst  float64
	WriteRPS   float64
	WriteBurst float64
	RunRPS     float64
	RunBurst   float64
	// MaxClients caps how many client budgets are tracked at once.
	MaxClients int
	// IdleTTL drops a client's budget after this long without requests.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns the budgets used when a field is left zero.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:    true,
		ReadRPS:    50,
		ReadBurst:  100,
		WriteRPS:   10,
		WriteBurst: 20,
		RunRPS:     0.5,
		RunBurst:   5,
		MaxClients: 10000,
		IdleTTL:    10 * time.Minute,
	}
}

type requestClass int

const (
	classRead requestClass = iota
	classWrite
	classRun
	numClasses
)

func (c requestClass) String() string {
	switch c {
	case classWrite:
		return "write"
	case classRun:
		return "run"
	}
	return "read"
}

type bucket struct {
	tokens float64
	last   time.Time
}

// budget is one client's set of buckets, indexed by requestClass.
type budget struct {
	mu      sync.Mutex
	buckets [numClasses]bucket
}

type rate struct{ rps, burst float64 }

type rateLimiter struct {
	rates   [numClasses]rate
	clients *expirable.LRU[string, *budget]
	mu      sync.Mutex
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	def := DefaultRateLimitConfig()
	orDefault := func(v, d float64) float64 {
		if v <= 0 {
			return d
		}
		return v
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	rl := &rateLimiter{
		clients: expirable.NewLRU[string, *budget](cfg.MaxClients, nil, cfg.IdleTTL),
	}
	rl.rates[classRead] = rate{orDefault(cfg.ReadRPS, def.ReadRPS), orDefault(cfg.ReadBurst, def.ReadBurst)}
	rl.rates[classWrite] = rate{orDefault(cfg.WriteRPS, def.WriteRPS), orDefault(cfg.WriteBurst, def.WriteBurst)}
	rl.rates[classRun] = rate{orDefault(cfg.RunRPS, def.RunRPS), orDefault(cfg.RunBurst, def.RunBurst)}
	return rl
}

// budgetFor returns the client's budget, creating a full one on first sight.
// Re-adding refreshes the idle deadline.
func (r *rateLimiter) budgetFor(key string, now time.Time) *budget {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.clients.Get(key)
	if !ok {
		b = &budget{}
		for c := range b.buckets {
			b.buckets[c] = bucket{tokens: r.rates[c].burst, last: now}
		}
	}
	r.clients.Add(key, b)
	return b
}

// allow reports whether the client may make a request of class c, and if not,
// how long until a token is available.
func (r *rateLimiter) allow(key string, c requestClass, now time.Time) (bool, time.Duration) {
	b := r.budgetFor(key, now)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buckets[c].take(r.rates[c], now)
}

func (b *bucket) take(rt rate, now time.Time) (bool, time.Duration) {
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = min(b.tokens+elapsed*rt.rps, rt.burst)
	}
	b.last = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / rt.rps * float64(time.Second))
	return false, wait
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isRateLimitedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		class := classify(r)
		ok, wait := s.limiter.allow(rateLimitClientKey(r), class, time.Now())
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", retryAfter(wait))
		writeError(w, http.StatusTooManyRequests, class.String()+" rate limit exceeded", "RATE_LIMITED")
	})
}

func retryAfter(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func classify(r *http.Request) requestClass {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return classRead
	}
	if r.Method == http.MethodPost && strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/runs") {
		return classRun
	}
	return classWrite
}

// isRateLimitedPath leaves health checks, metrics scrapes and progress
// streams alone.
func isRateLimitedPath(path string) bool {
	if !strings.HasPrefix(path, "/api/v1/") {
		return false
	}
	return !strings.HasSuffix(path, "/progress")
}

// rateLimitClientKey identifies the caller by bearer token, falling back to
// the remote address. RealIP has already applied X-Forwarded-For by the time
// this runs.
func rateLimitClientKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		return "auth:" + hashSensitive(auth)
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return "ip:" + host
	}
	if addr != "" {
		return "ip:" + addr
	}
	return "unknown"
}

func hashSensitive(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}
