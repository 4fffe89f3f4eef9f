// Package memory implements the per-thread rolling conversation window,
// bootstrap-from-storage, post-turn summarisation/profile extraction, and
// cross-thread Memory Fragment retrieval described for the Memory Store &
// Retrieval component.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

// ErrProtocolViolation is returned by Append when an assistant turn would
// be appended whose immediately preceding turn is not a user turn.
var ErrProtocolViolation = errors.New("memory: assistant turn must follow a user turn")

// PersistentStore is the durable backing store for Threads, typically
// backed by gorm over Postgres (see internal/database.PoolManager). It is
// read once per thread on bootstrap and written post-turn; Dispatch never
// blocks the streaming path on it directly.
type PersistentStore interface {
	LoadThread(ctx context.Context, threadID string) (*types.Thread, error)
	SaveThread(ctx context.Context, thread *types.Thread) error
}

// Index is the in-memory, per-thread representation described by the
// component: a registry of live *types.Thread guarded by one mutex per
// thread so two concurrent first-messages for the same thread can't
// double-bootstrap.
type Index struct {
	persistent PersistentStore
	logger     *zap.Logger

	mu      sync.Mutex
	threads map[string]*entry
}

type entry struct {
	mu     sync.Mutex
	thread *types.Thread
}

// NewIndex creates an Index backed by a PersistentStore.
func NewIndex(persistent PersistentStore, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		persistent: persistent,
		logger:     logger,
		threads:    make(map[string]*entry),
	}
}

func (idx *Index) entryFor(threadID string) *entry {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.threads[threadID]
	if !ok {
		e = &entry{}
		idx.threads[threadID] = e
	}
	return e
}

// Bootstrap returns the in-memory Thread for threadID, populating it from
// PersistentStore on first access. Idempotent: if the thread already has
// in-memory turns it is returned unchanged, never re-read from storage.
func (idx *Index) Bootstrap(ctx context.Context, orgID, threadID string) (*types.Thread, error) {
	e := idx.entryFor(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.thread != nil && len(e.thread.Turns) > 0 {
		return e.thread, nil
	}

	if e.thread == nil {
		loaded, err := idx.persistent.LoadThread(ctx, threadID)
		switch {
		case err == nil:
			e.thread = loaded
		case errors.Is(err, ErrThreadNotFound):
			now := time.Now()
			e.thread = &types.Thread{
				ID:        threadID,
				OrgID:     orgID,
				CreatedAt: now,
				UpdatedAt: now,
			}
		default:
			return nil, err
		}
	}

	return e.thread, nil
}

// ErrThreadNotFound is returned by PersistentStore.LoadThread when no
// thread row exists yet; Bootstrap treats it as "start a fresh thread".
var ErrThreadNotFound = errors.New("memory: thread not found")

// Append adds a turn to the thread, enforcing monotone sequencing, no
// duplicate sequence numbers, and the user-before-assistant protocol
// invariant.
func (idx *Index) Append(threadID string, turn types.Turn) error {
	e := idx.entryFor(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.thread == nil {
		return errors.New("memory: thread not bootstrapped")
	}

	if turn.Role == types.RoleAssistant {
		if len(e.thread.Turns) == 0 || e.thread.Turns[len(e.thread.Turns)-1].Role != types.RoleUser {
			return ErrProtocolViolation
		}
	}

	turn.Sequence = e.thread.NextSequence
	turn.CreatedAt = time.Now()
	e.thread.Turns = append(e.thread.Turns, turn)
	e.thread.NextSequence++
	e.thread.UpdatedAt = turn.CreatedAt
	if turn.Role == types.RoleAssistant {
		e.thread.LastProvider = turn.Provider
		e.thread.LastModel = turn.Model
	}
	return nil
}

// Persist writes the current in-memory thread state back to the
// PersistentStore. Called post-turn, off the streaming hot path.
func (idx *Index) Persist(ctx context.Context, threadID string) error {
	e := idx.entryFor(threadID)
	e.mu.Lock()
	thread := e.thread
	e.mu.Unlock()
	if thread == nil {
		return errors.New("memory: thread not bootstrapped")
	}
	return idx.persistent.SaveThread(ctx, thread)
}

// Snapshot returns a copy of the thread's current turns, safe to read
// without holding the entry's lock across a long-running build step.
func (idx *Index) Snapshot(threadID string) (*types.Thread, bool) {
	e := idx.entryFor(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.thread == nil {
		return nil, false
	}
	cp := *e.thread
	cp.Turns = append([]types.Turn(nil), e.thread.Turns...)
	return &cp, true
}

// WithSummary replaces summary and the condensed-away turns atomically,
// called by the Summariser after an overflow-triggered compression.
func (idx *Index) WithSummary(threadID, summary string, remaining []types.Turn) {
	e := idx.entryFor(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.thread == nil {
		return
	}
	e.thread.Summary = summary
	e.thread.Turns = remaining
}

// WithProfileFact merges one extracted profile fact into the thread.
func (idx *Index) WithProfileFact(threadID, key, value string) {
	e := idx.entryFor(threadID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.thread == nil {
		return
	}
	if e.thread.ProfileFacts == nil {
		e.thread.ProfileFacts = make(map[string]string)
	}
	e.thread.ProfileFacts[key] = value
}
