package dispatch

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// requestLogWindow is how long RequestLog entries are retained before
// pruning, per the RequestLog data-model definition (§3).
const requestLogWindow = 65 * time.Second

// paceWindow is the lookback Pace consults when computing the recent
// request count, per §4.2 ("the last 60 s of RequestLog").
const paceWindow = 60 * time.Second

// RpmPacer tracks a sliding window of recent requests per provider and
// computes how long the next request should wait to stay under a learned
// or configured requests-per-minute budget. It keeps a discrete log of
// request timestamps rather than a token bucket, since the safe_rpm ratio
// formula needs the exact recent count, not a refill-rate approximation.
type RpmPacer struct {
	mu      sync.Mutex
	log     map[string][]time.Time
	learned map[string]int
}

// NewRpmPacer returns a pacer with no recorded history.
func NewRpmPacer() *RpmPacer {
	return &RpmPacer{
		log:     make(map[string][]time.Time),
		learned: make(map[string]int),
	}
}

// Record appends a request timestamp for provider and prunes entries older
// than the 65s retention window. Must be called immediately before the
// HTTP send, never speculatively (§5 ordering rules).
func (p *RpmPacer) Record(provider string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := append(p.log[provider], now)
	p.log[provider] = pruneBefore(entries, now.Add(-requestLogWindow))
}

// Learn inspects response headers for a provider-reported rate limit and
// records it as LearnedRpm, overriding the configured default. Accepts
// integers in (0, 10000) from x-ratelimit-limit-requests,
// ratelimit-limit, or x-ratelimit-limit-requests-minute.
func (p *RpmPacer) Learn(provider string, headers http.Header) {
	for _, name := range []string{"x-ratelimit-limit-requests", "ratelimit-limit", "x-ratelimit-limit-requests-minute"} {
		v := headers.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n >= 10000 {
			continue
		}
		p.mu.Lock()
		p.learned[provider] = n
		p.mu.Unlock()
		return
	}
}

// Pace computes how long the caller should sleep before the next request
// to provider, given the provider's current key-pool size and its
// configured per-key RPM (overridden by any learned value).
func (p *RpmPacer) Pace(provider string, poolSize, perKeyRPM int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	effectiveRPM := perKeyRPM
	if learned, ok := p.learned[provider]; ok {
		effectiveRPM = learned
	}
	safeRPM := int(math.Floor(float64(poolSize) * float64(effectiveRPM) * 0.85))
	if safeRPM < 1 {
		safeRPM = 1
	}

	now := time.Now()
	entries := pruneBefore(p.log[provider], now.Add(-paceWindow))
	recentCount := len(entries)
	ratio := float64(recentCount) / float64(safeRPM)

	switch {
	case ratio < 0.5:
		return 0
	case ratio >= 1.0:
		if len(entries) == 0 {
			return 2000 * time.Millisecond
		}
		oldest := entries[0]
		wait := paceWindow - now.Sub(oldest)
		if wait < 200*time.Millisecond {
			wait = 200 * time.Millisecond
		}
		return wait
	default:
		ms := math.Ceil(60000/float64(safeRPM)) * (ratio - 0.5) / 0.35
		return time.Duration(ms) * time.Millisecond
	}
}

func pruneBefore(entries []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(entries) && entries[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	return append([]time.Time(nil), entries[i:]...)
}
