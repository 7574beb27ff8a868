package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/dispatch/pkg/schema"
)

// CircuitState is the state of one breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the breakers.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int `json:"failure_threshold"`
	// Cooldown is how long an open circuit rejects work before probing.
	Cooldown time.Duration `json:"cooldown"`
	// HalfOpenMax probes are let through while half-open.
	HalfOpenMax int `json:"half_open_max"`
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	state       CircuitState
	failures    int
	lastFailure time.Time
	probes      int
}

// BreakerStats describes one breaker.
type BreakerStats struct {
	Key      string `json:"key"`
	State    string `json:"state"`
	Failures int    `json:"consecutive_failures"`
}

// Breakers keeps one circuit per key. The worker keys them by tool type so a
// failing downstream stops taking leases for that tool only.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	cfg      BreakerConfig
	now      func() time.Time
}

// NewBreakers creates an empty set.
func NewBreakers(cfg BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &Breakers{breakers: make(map[string]*breaker), cfg: cfg, now: time.Now}
}

// Allow returns nil when key may run, or a CIRCUIT_OPEN error.
func (b *Breakers) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(key)

	switch br.state {
	case CircuitOpen:
		elapsed := b.now().Sub(br.lastFailure)
		if elapsed < b.cfg.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for %q after %d consecutive failures", key, br.failures).
				WithDetails(map[string]any{
					"key":                key,
					"cooldown_remaining": (b.cfg.Cooldown - elapsed).String(),
				})
		}
		br.state = CircuitHalfOpen
		br.probes = 1
		return nil
	case CircuitHalfOpen:
		if br.probes >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for %q: probe in flight", key)
		}
		br.probes++
	}
	return nil
}

// Success closes the circuit for key.
func (b *Breakers) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(key)
	br.state = CircuitClosed
	br.failures = 0
	br.probes = 0
}

// Failure records a failure and returns the resulting state. A failed probe
// reopens the circuit at once.
func (b *Breakers) Failure(key string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(key)
	br.failures++
	br.lastFailure = b.now()
	if br.state == CircuitHalfOpen || br.failures >= b.cfg.FailureThreshold {
		br.state = CircuitOpen
	}
	return br.state
}

// State returns the state of key's circuit.
func (b *Breakers) State(key string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(key).state
}

// Stats lists every known breaker sorted by key.
func (b *Breakers) Stats() []BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BreakerStats, 0, len(b.breakers))
	for k, br := range b.breakers {
		out = append(out, BreakerStats{Key: k, State: br.state.String(), Failures: br.failures})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (b *Breakers) get(key string) *breaker {
	br, ok := b.breakers[key]
	if !ok {
		br = &breaker{}
		b.breakers[key] = br
	}
	return br
}
