// Package pacer implements the per-provider token-bucket-plus-concurrency
// limiter with AIMD rate adaptation described for the Provider Pacer.
package pacer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrWaiterCancelled is returned by Acquire when the caller's context is
// cancelled before a lease is granted. The waiter removes itself from the
// queue without consuming a token.
var ErrWaiterCancelled = errors.New("pacer: waiter cancelled before lease acquired")

// Config parameterises one provider's pacer.
type Config struct {
	// Rate is the sustained rate R, in requests/second.
	Rate float64
	// Burst is the token bucket burst size B.
	Burst int
	// Concurrency is the maximum number of leases in flight, C.
	Concurrency int
	// PenaltyMultiplier is alpha in (0,1]; applied to Rate on a
	// provider-side rate-limit signal.
	PenaltyMultiplier float64
	// MinRate is the floor the adaptive rate never drops below.
	MinRate float64
	// RecoveryStep is Delta, the linear per-second recovery toward Rate
	// after a penalty.
	RecoveryStep float64
	// CooldownWindow is how long the penalised rate holds before linear
	// recovery begins.
	CooldownWindow time.Duration
}

// DefaultConfig returns reasonable defaults for a single provider.
func DefaultConfig() Config {
	return Config{
		Rate:              5,
		Burst:             10,
		Concurrency:       8,
		PenaltyMultiplier: 0.5,
		MinRate:           0.5,
		RecoveryStep:      0.25,
		CooldownWindow:    5 * time.Second,
	}
}

// Lease is returned by Acquire. The caller must call Release exactly once,
// reporting the outcome of the paced call.
type Lease struct {
	pacer       *Pacer
	acquiredAt  time.Time
	queueWaitMS int64
}

// QueueWaitMS is the time between Acquire being called and the lease being
// granted, in milliseconds.
func (l *Lease) QueueWaitMS() int64 { return l.queueWaitMS }

// Outcome classifies how the paced call ended, for AIMD feedback.
type Outcome int

const (
	// OutcomeOK is a normal successful (or normally-failed, non-rate-limit)
	// completion; it does not affect the adaptive rate.
	OutcomeOK Outcome = iota
	// OutcomeRateLimited signals the provider pushed back with a
	// rate-limit response; triggers the multiplicative decrease.
	OutcomeRateLimited
)

// Pacer is one instance per provider.
type Pacer struct {
	name   string
	cfg    Config
	logger *zap.Logger

	limiter *rate.Limiter

	mu           sync.Mutex
	currentRate  float64
	penalisedAt  time.Time
	inPenalty    bool

	inFlight      int64
	totalRateLimits int64
	totalAcquired   int64
}

// New creates a Pacer for one provider.
func New(name string, cfg Config, logger *zap.Logger) *Pacer {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultConfig().Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.PenaltyMultiplier <= 0 || cfg.PenaltyMultiplier > 1 {
		cfg.PenaltyMultiplier = DefaultConfig().PenaltyMultiplier
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = DefaultConfig().MinRate
	}
	if cfg.RecoveryStep <= 0 {
		cfg.RecoveryStep = DefaultConfig().RecoveryStep
	}
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = DefaultConfig().CooldownWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pacer{
		name:        name,
		cfg:         cfg,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		currentRate: cfg.Rate,
	}
}

// Name returns the provider name this pacer is bound to.
func (p *Pacer) Name() string { return p.name }

// Acquire blocks until a token is available and in-flight count is below
// the configured concurrency, then returns a Lease. If ctx is cancelled
// first, the waiter removes itself and returns ErrWaiterCancelled without
// consuming a token.
func (p *Pacer) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()

	if err := p.acquireConcurrencySlot(ctx); err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		atomic.AddInt64(&p.inFlight, -1)
		return nil, ErrWaiterCancelled
	}

	atomic.AddInt64(&p.totalAcquired, 1)
	return &Lease{
		pacer:       p,
		acquiredAt:  time.Now(),
		queueWaitMS: time.Since(start).Milliseconds(),
	}, nil
}

// concurrencySlots is a simple counting semaphore; x/time/rate only
// governs request rate, not concurrency, so pacer composes both.
func (p *Pacer) acquireConcurrencySlot(ctx context.Context) error {
	for {
		current := atomic.LoadInt64(&p.inFlight)
		if int(current) < p.cfg.Concurrency {
			if atomic.CompareAndSwapInt64(&p.inFlight, current, current+1) {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ErrWaiterCancelled
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// Release returns the concurrency slot and records the outcome for AIMD
// rate adaptation.
func (l *Lease) Release(outcome Outcome) {
	atomic.AddInt64(&l.pacer.inFlight, -1)
	if outcome == OutcomeRateLimited {
		l.pacer.penalise()
	}
}

func (p *Pacer) penalise() {
	p.mu.Lock()
	defer p.mu.Unlock()

	atomic.AddInt64(&p.totalRateLimits, 1)
	newRate := p.currentRate * p.cfg.PenaltyMultiplier
	if newRate < p.cfg.MinRate {
		newRate = p.cfg.MinRate
	}
	p.currentRate = newRate
	p.penalisedAt = time.Now()
	p.inPenalty = true
	p.limiter.SetLimit(rate.Limit(p.currentRate))

	p.logger.Warn("pacer applying AIMD penalty",
		zap.String("provider", p.name),
		zap.Float64("new_rate", p.currentRate),
	)

	go p.recoverAfterCooldown()
}

// recoverAfterCooldown linearly recovers the rate by RecoveryStep per
// second, once per cooldown window, until it reaches the configured Rate.
func (p *Pacer) recoverAfterCooldown() {
	time.Sleep(p.cfg.CooldownWindow)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		if !p.inPenalty {
			p.mu.Unlock()
			return
		}
		p.currentRate += p.cfg.RecoveryStep
		if p.currentRate >= p.cfg.Rate {
			p.currentRate = p.cfg.Rate
			p.inPenalty = false
		}
		p.limiter.SetLimit(rate.Limit(p.currentRate))
		done := !p.inPenalty
		p.mu.Unlock()
		if done {
			return
		}
	}
}

// Metrics is a snapshot of pacer state for exposition.
type Metrics struct {
	Provider        string
	CurrentRate     float64
	InFlight        int64
	TotalAcquired   int64
	TotalRateLimits int64
}

// Snapshot returns current pacer metrics.
func (p *Pacer) Snapshot() Metrics {
	p.mu.Lock()
	rate := p.currentRate
	p.mu.Unlock()
	return Metrics{
		Provider:        p.name,
		CurrentRate:     rate,
		InFlight:        atomic.LoadInt64(&p.inFlight),
		TotalAcquired:   atomic.LoadInt64(&p.totalAcquired),
		TotalRateLimits: atomic.LoadInt64(&p.totalRateLimits),
	}
}

// Registry owns one Pacer per provider, created lazily from per-provider
// config, matching the "single core context struct" wiring pattern used
// throughout Dispatch.
type Registry struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	configs map[string]Config
	pacers  map[string]*Pacer
}

// NewRegistry creates a Registry seeded with per-provider configs.
func NewRegistry(configs map[string]Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:  logger,
		configs: configs,
		pacers:  make(map[string]*Pacer),
	}
}

// Get returns the Pacer for a provider, constructing it on first use with
// that provider's configured limits (or the package defaults).
func (r *Registry) Get(provider string) *Pacer {
	r.mu.RLock()
	p, ok := r.pacers[provider]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pacers[provider]; ok {
		return p
	}
	cfg, ok := r.configs[provider]
	if !ok {
		cfg = DefaultConfig()
	}
	p = New(provider, cfg, r.logger)
	r.pacers[provider] = p
	return p
}

// AllMetrics returns a snapshot of every pacer currently constructed.
func (r *Registry) AllMetrics() []Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metrics, 0, len(r.pacers))
	for _, p := range r.pacers {
		out = append(out, p.Snapshot())
	}
	return out
}
