// Package ratelimit is the per-principal limiter in front of the control API.
// Every call spends a token from one shared bucket; concurrency is capped
// separately for short control calls and for long-lived observer streams and
// agent sockets, so a dashboard holding streams open cannot starve creates.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

// Class picks the concurrency pool a call draws from.
type Class int

const (
	ClassRequest Class = iota
	ClassStream
	numClasses
)

// Denial reasons reported in Decision.Reason.
const (
	ReasonRate              = "rate"
	ReasonConcurrentRequest = "concurrent_requests"
	ReasonConcurrentStream  = "concurrent_streams"
)

var concurrencyReason = [numClasses]string{
	ClassRequest: ReasonConcurrentRequest,
	ClassStream:  ReasonConcurrentStream,
}

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int
	MaxConcurrentStreams  int

	// MaxEntries bounds the principal table; EntryTTL is how long an idle
	// principal without held permits is remembered.
	MaxEntries int
	EntryTTL   time.Duration
}

func (c Config) limit(class Class) int {
	if class == ClassStream {
		return c.MaxConcurrentStreams
	}
	return c.MaxConcurrentRequests
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principal
}

type principal struct {
	mu       sync.Mutex
	bucket   bucket
	held     [numClasses]int
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, m: make(map[string]*principal)}
}

// PrincipalKeyFromAPIKey hashes a key so raw credentials never sit in the
// limiter table.
func PrincipalKeyFromAPIKey(apiKey string) string {
	return hashKey("k_", apiKey)
}

// PrincipalKeyFromIP buckets unauthenticated callers by client address.
func PrincipalKeyFromIP(ip string) string {
	return hashKey("ip_", ip)
}

func hashKey(prefix, raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return prefix + hex.EncodeToString(sum[:16])
}

// Permit holds a concurrency slot until released. Release is idempotent and
// safe on a nil Permit.
type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Reason     string
	Permit     *Permit
}

// Acquire spends a token and takes a slot of the given class for key.
// A call denied for concurrency gives its token back.
func (l *Limiter) Acquire(key string, class Class, now time.Time) Decision {
	if key == "" {
		key = "anonymous"
	}
	// p is locked before l.mu is released so eviction cannot orphan it
	// between lookup and taking a slot.
	l.mu.Lock()
	p := l.lookupLocked(key, now)
	p.mu.Lock()
	l.mu.Unlock()
	defer p.mu.Unlock()
	p.lastSeen = now

	spent := false
	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		wait, ok := p.bucket.take(now, l.cfg.RPS, l.cfg.Burst)
		if !ok {
			return Decision{RetryAfter: max(1, int(math.Ceil(wait.Seconds()))), Reason: ReasonRate}
		}
		spent = true
	}

	if n := l.cfg.limit(class); n > 0 && p.held[class] >= n {
		if spent {
			p.bucket.refund()
		}
		return Decision{RetryAfter: 1, Reason: concurrencyReason[class]}
	}
	p.held[class]++
	return Decision{
		Allowed: true,
		Permit: &Permit{release: func() {
			p.mu.Lock()
			p.held[class]--
			p.mu.Unlock()
		}},
	}
}

// Len reports how many principals are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Limiter) lookupLocked(key string, now time.Time) *principal {
	if p, ok := l.m[key]; ok {
		return p
	}
	if len(l.m) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}
	p := &principal{lastSeen: now}
	l.m[key] = p
	return p
}

// evictLocked drops principals idle past the TTL, then the least recently
// seen ones until there is room. Principals holding permits are never
// dropped: forgetting them would reset their concurrency count while their
// streams are still open.
func (l *Limiter) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, p := range l.m {
		p.mu.Lock()
		busy := p.busy()
		seen := p.lastSeen
		p.mu.Unlock()
		if busy {
			continue
		}
		if now.Sub(seen) > l.cfg.EntryTTL {
			delete(l.m, k)
			continue
		}
		if oldestKey == "" || seen.Before(oldest) {
			oldestKey, oldest = k, seen
		}
	}
	if len(l.m) >= l.cfg.MaxEntries && oldestKey != "" {
		delete(l.m, oldestKey)
	}
}

func (p *principal) busy() bool {
	for _, n := range p.held {
		if n > 0 {
			return true
		}
	}
	return false
}

type bucket struct {
	tokens float64
	last   time.Time
	primed bool
}

// take removes one token, refilling at rps up to burst. When empty it
// reports how long until a token is available.
func (b *bucket) take(now time.Time, rps float64, burst int) (time.Duration, bool) {
	capacity := float64(burst)
	if !b.primed {
		b.tokens, b.last, b.primed = capacity, now, true
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*rps)
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}
	return time.Duration((1 - b.tokens) / rps * float64(time.Second)), false
}

func (b *bucket) refund() {
	b.tokens++
}
