package dispatch

import (
	"sync"
	"time"
)

// apiKey is one entry in a provider's key pool: the opaque key string plus
// a cooldown deadline that may only be extended, never shortened.
type apiKey struct {
	value         string
	cooldownUntil time.Time
}

// providerPool is one provider's ordered key list and rotating cursor.
type providerPool struct {
	keys   []*apiKey
	cursor int
}

// KeyPool manages per-provider round-robin API keys with per-key cooldowns.
// A single sync.Mutex protects every provider's pool; CloudDispatcher
// computes cooldown duration via backoff.ComputeBackoff when a key comes
// back 401/413/429 and calls CoolDown with the result.
type KeyPool struct {
	mu    sync.Mutex
	pools map[string]*providerPool
}

// NewKeyPool returns an empty pool.
func NewKeyPool() *KeyPool {
	return &KeyPool{pools: make(map[string]*providerPool)}
}

// KeyStatus reports a provider's pool health for diagnostics.
type KeyStatus struct {
	Total             int
	Available         int
	PerKeyRemainingS []float64
}

// Add registers a key for provider. Duplicate adds (exact string equality)
// are rejected and return ErrDuplicateKey.
func (p *KeyPool) Add(provider, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool := p.poolFor(provider)
	for _, k := range pool.keys {
		if k.value == key {
			return ErrDuplicateKey
		}
	}
	pool.keys = append(pool.keys, &apiKey{value: key})
	return nil
}

// Acquire walks the pool from cursor, wrapping once, and returns the first
// key whose cooldown has expired, advancing cursor past it. When every key
// is cooling it returns ErrNoKeyAvailable.
func (p *KeyPool) Acquire(provider string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool, ok := p.pools[provider]
	if !ok || len(pool.keys) == 0 {
		return "", ErrNoKeyAvailable
	}

	now := time.Now()
	n := len(pool.keys)
	for i := 0; i < n; i++ {
		idx := (pool.cursor + i) % n
		k := pool.keys[idx]
		if !k.cooldownUntil.After(now) {
			pool.cursor = (idx + 1) % n
			return k.value, nil
		}
	}
	return "", ErrNoKeyAvailable
}

// CoolDown extends key's cooldown to now+duration. Cooldowns are
// monotonic: an earlier, still-active cooldown is never shortened.
func (p *KeyPool) CoolDown(provider, key string, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool, ok := p.pools[provider]
	if !ok {
		return
	}
	until := time.Now().Add(duration)
	for _, k := range pool.keys {
		if k.value == key {
			if until.After(k.cooldownUntil) {
				k.cooldownUntil = until
			}
			return
		}
	}
}

// Status reports total/available key counts and remaining cooldown seconds
// for each currently-cooling key.
func (p *KeyPool) Status(provider string) KeyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool, ok := p.pools[provider]
	if !ok {
		return KeyStatus{}
	}

	now := time.Now()
	status := KeyStatus{Total: len(pool.keys)}
	for _, k := range pool.keys {
		if !k.cooldownUntil.After(now) {
			status.Available++
			continue
		}
		status.PerKeyRemainingS = append(status.PerKeyRemainingS, k.cooldownUntil.Sub(now).Seconds())
	}
	return status
}

// HasAvailable reports whether provider currently has at least one key
// whose cooldown has expired, without consuming the rotation cursor.
func (p *KeyPool) HasAvailable(provider string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool, ok := p.pools[provider]
	if !ok {
		return false
	}
	now := time.Now()
	for _, k := range pool.keys {
		if !k.cooldownUntil.After(now) {
			return true
		}
	}
	return false
}

// PoolSize returns the number of keys registered for provider.
func (p *KeyPool) PoolSize(provider string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool, ok := p.pools[provider]
	if !ok {
		return 0
	}
	return len(pool.keys)
}

func (p *KeyPool) poolFor(provider string) *providerPool {
	pool, ok := p.pools[provider]
	if !ok {
		pool = &providerPool{}
		p.pools[provider] = pool
	}
	return pool
}
