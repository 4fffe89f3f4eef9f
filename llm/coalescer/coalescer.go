// Package coalescer merges concurrent in-flight requests that share a
// semantic key onto a single upstream call, multicasting its ordered
// stream of chunks to every attached follower including late joiners.
package coalescer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/llm"
)

// ErrNegativeCached is returned by Run when key recently terminated with
// an error and is still within its negative-cache damping window.
var ErrNegativeCached = errors.New("coalescer: key is negative-cached after a recent failure")

// Producer is invoked exactly once per leader to obtain the upstream
// stream of chunks. It must be cancel-aware: ctx is cancelled when the
// last attached reader (leader included) detaches.
type Producer func(ctx context.Context) (<-chan llm.StreamChunk, error)

// Stats exposes coalescing activity for observability.
type Stats struct {
	GroupsCreated     int64
	RequestsCoalesced int64 // followers that attached to an existing leader
	Errors            int64
	NegativeCacheHits int64
}

// Config configures the Coalescer.
type Config struct {
	// NegativeCacheTTL is how long an error-terminated key refuses new
	// leaders, damping thundering herds against a failing upstream.
	NegativeCacheTTL time.Duration
}

// DefaultConfig returns the spec's default negative-cache TTL (2s).
func DefaultConfig() Config {
	return Config{NegativeCacheTTL: 2 * time.Second}
}

// Coalescer is the keyed in-flight table described by the Coalescer
// component: the first caller for a key becomes leader, later callers
// become followers sharing the leader's broadcast stream.
type Coalescer struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	negative map[string]time.Time

	groupsCreated     int64
	requestsCoalesced int64
	errorsTotal       int64
	negativeCacheHits int64
}

// New creates a Coalescer.
func New(cfg Config, logger *zap.Logger) *Coalescer {
	if cfg.NegativeCacheTTL <= 0 {
		cfg.NegativeCacheTTL = DefaultConfig().NegativeCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coalescer{
		cfg:      cfg,
		logger:   logger,
		entries:  make(map[string]*entry),
		negative: make(map[string]time.Time),
	}
}

// BuildKey derives a coalesce key from (provider, model, canonical prompt
// content, scope) as specified for the Coalesce Entry.
func BuildKey(provider, model, canonicalPrompt, scope string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(canonicalPrompt))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	return hex.EncodeToString(h.Sum(nil))
}

// entry is a Coalesce Entry: the shared broadcast buffer for one key.
type entry struct {
	mu       sync.Mutex
	buf      []llm.StreamChunk
	notify   chan struct{}
	done     bool
	refCount int
	cancel   context.CancelFunc
}

func newEntry() *entry {
	return &entry{notify: make(chan struct{})}
}

func (e *entry) append(chunk llm.StreamChunk) {
	e.mu.Lock()
	e.buf = append(e.buf, chunk)
	old := e.notify
	e.notify = make(chan struct{})
	e.mu.Unlock()
	close(old)
}

func (e *entry) markDone() {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	old := e.notify
	e.notify = make(chan struct{})
	e.mu.Unlock()
	close(old)
}

// attach returns a fresh read-side channel that replays every buffered
// chunk in order before forwarding live chunks, satisfying the "late
// joiner sees full history" invariant. onDetach is called exactly once
// when the reader stops, for refcount bookkeeping.
func (e *entry) attach(ctx context.Context, onDetach func()) <-chan llm.StreamChunk {
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer onDetach()
		idx := 0
		for {
			e.mu.Lock()
			for idx < len(e.buf) {
				chunk := e.buf[idx]
				idx++
				e.mu.Unlock()
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				e.mu.Lock()
			}
			if e.done {
				e.mu.Unlock()
				return
			}
			wait := e.notify
			e.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Run executes the Coalescer contract for one request. When coalescable
// is false (the caller carries a no-coalesce / side-effecting request),
// the Coalescer bypasses entirely and invokes produce directly.
func (c *Coalescer) Run(ctx context.Context, key string, coalescable bool, produce Producer) (<-chan llm.StreamChunk, bool, error) {
	if !coalescable {
		ch, err := produce(ctx)
		return ch, true, err
	}

	c.mu.Lock()
	if until, ok := c.negative[key]; ok {
		if time.Now().Before(until) {
			c.mu.Unlock()
			atomic.AddInt64(&c.negativeCacheHits, 1)
			return nil, false, ErrNegativeCached
		}
		delete(c.negative, key)
	}

	if e, ok := c.entries[key]; ok {
		e.mu.Lock()
		e.refCount++
		e.mu.Unlock()
		c.mu.Unlock()
		atomic.AddInt64(&c.requestsCoalesced, 1)
		out := e.attach(ctx, func() { c.detach(key, e) })
		return out, false, nil
	}

	e := newEntry()
	e.refCount = 1
	entryCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	c.entries[key] = e
	c.mu.Unlock()
	atomic.AddInt64(&c.groupsCreated, 1)

	go c.runLeader(entryCtx, key, e, produce)

	out := e.attach(ctx, func() { c.detach(key, e) })
	return out, true, nil
}

func (c *Coalescer) runLeader(ctx context.Context, key string, e *entry, produce Producer) {
	defer e.markDone()

	upstream, err := produce(ctx)
	if err != nil {
		c.terminateWithError(key)
		return
	}

	for {
		select {
		case chunk, ok := <-upstream:
			if !ok {
				return
			}
			e.append(chunk)
			if chunk.Err != nil {
				c.terminateWithError(key)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coalescer) terminateWithError(key string) {
	atomic.AddInt64(&c.errorsTotal, 1)
	c.mu.Lock()
	c.negative[key] = time.Now().Add(c.cfg.NegativeCacheTTL)
	c.mu.Unlock()
}

// detach decrements the entry's refcount; once it reaches zero the
// leader's producer is cancelled (if it had not already finished) and the
// entry is evicted from the table.
func (c *Coalescer) detach(key string, e *entry) {
	e.mu.Lock()
	e.refCount--
	rc := e.refCount
	e.mu.Unlock()

	if rc > 0 {
		return
	}

	if e.cancel != nil {
		e.cancel()
	}

	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && cur == e {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// Snapshot returns current coalescing stats.
func (c *Coalescer) Snapshot() Stats {
	return Stats{
		GroupsCreated:     atomic.LoadInt64(&c.groupsCreated),
		RequestsCoalesced: atomic.LoadInt64(&c.requestsCoalesced),
		Errors:            atomic.LoadInt64(&c.errorsTotal),
		NegativeCacheHits: atomic.LoadInt64(&c.negativeCacheHits),
	}
}

// NormalisePrompt lowercases, collapses whitespace and strips trailing
// punctuation, matching the Response Cache's normalise() and reused here
// so the coalesce key and the cache key are derived consistently from the
// same canonical text.
func NormalisePrompt(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	joined := strings.Join(fields, " ")
	return strings.TrimRight(joined, ".,!?;: ")
}
