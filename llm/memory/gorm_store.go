package memory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentflow/types"
)

// threadRecord is the gorm model backing PersistentStore. Turns and
// ProfileFacts are stored as JSON columns rather than normalised tables:
// a Thread is read/written whole, never queried by sub-field, so the
// extra joins would buy nothing (see api/handlers/apikey.go for the
// normalised-table style used where rows genuinely are queried piecemeal).
type threadRecord struct {
	ID           string `gorm:"primaryKey"`
	OrgID        string `gorm:"index"`
	TurnsJSON    []byte
	Summary      string
	FactsJSON    []byte
	LastIntent   string
	LastProvider string
	LastModel    string
	NextSequence int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (threadRecord) TableName() string { return "gateway_threads" }

// GormStore is the PersistentStore backing Index, persisting Threads to
// Postgres via the shared gorm.DB connection (internal/database.PoolManager).
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates a GormStore. Callers should run AutoMigrate against
// threadRecord once at startup (see cmd/agentflow/server.go).
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger}
}

// AutoMigrate creates or updates the gateway_threads table.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&threadRecord{})
}

// DB returns the underlying gorm connection, for constructing sibling
// stores (e.g. GormFragmentStore) that share the same pool.
func (s *GormStore) DB() *gorm.DB { return s.db }

// fragmentRecord is the gorm model backing GormFragmentStore. The
// embedding vector is stored as a flat JSON float array rather than a
// pgvector column: FragmentRetriever only needs a coarse per-org/user
// pre-filter from the store, ranking happens in-process (see fragments.go).
type fragmentRecord struct {
	ID             string `gorm:"primaryKey"`
	OrgID          string `gorm:"index:idx_fragment_org_user"`
	UserID         string `gorm:"index:idx_fragment_org_user"`
	Text           string
	EmbeddingJSON  []byte
	Tier           string `gorm:"index"`
	ProvenanceJSON []byte
	ContentHash    string `gorm:"index"`
	CreatedAt      time.Time
}

func (fragmentRecord) TableName() string { return "gateway_memory_fragments" }

// GormFragmentStore is the FragmentStore backing FragmentRetriever,
// persisting Memory Fragments (private and shared tiers) alongside the
// gateway_threads table on the same connection.
type GormFragmentStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormFragmentStore creates a GormFragmentStore. Callers should run
// AutoMigrate once at startup (see cmd/agentflow/server.go).
func NewGormFragmentStore(db *gorm.DB, logger *zap.Logger) *GormFragmentStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormFragmentStore{db: db, logger: logger}
}

// AutoMigrate creates or updates the gateway_memory_fragments table.
func (s *GormFragmentStore) AutoMigrate() error {
	return s.db.AutoMigrate(&fragmentRecord{})
}

func (s *GormFragmentStore) Save(ctx context.Context, fragment types.MemoryFragment) error {
	embJSON, err := json.Marshal(fragment.Embedding)
	if err != nil {
		return err
	}
	provJSON, err := json.Marshal(fragment.Provenance)
	if err != nil {
		return err
	}

	rec := fragmentRecord{
		ID:             fragment.ID,
		OrgID:          fragment.OrgID,
		UserID:         fragment.UserID,
		Text:           fragment.Text,
		EmbeddingJSON:  embJSON,
		Tier:           string(fragment.Tier),
		ProvenanceJSON: provJSON,
		ContentHash:    fragment.ContentHash,
		CreatedAt:      fragment.CreatedAt,
	}

	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		s.logger.Warn("failed to persist memory fragment", zap.String("fragment_id", fragment.ID), zap.Error(err))
		return err
	}
	return nil
}

func (s *GormFragmentStore) CandidatesForUser(ctx context.Context, orgID, userID string) ([]types.MemoryFragment, error) {
	var recs []fragmentRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND user_id = ? AND tier = ?", orgID, userID, string(types.MemoryTierPrivate)).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return decodeFragmentRecords(recs)
}

func (s *GormFragmentStore) CandidatesShared(ctx context.Context, orgID string) ([]types.MemoryFragment, error) {
	var recs []fragmentRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND tier = ?", orgID, string(types.MemoryTierShared)).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return decodeFragmentRecords(recs)
}

func decodeFragmentRecords(recs []fragmentRecord) ([]types.MemoryFragment, error) {
	out := make([]types.MemoryFragment, 0, len(recs))
	for _, rec := range recs {
		var embedding []float32
		if len(rec.EmbeddingJSON) > 0 {
			if err := json.Unmarshal(rec.EmbeddingJSON, &embedding); err != nil {
				return nil, err
			}
		}
		var provenance types.Provenance
		if len(rec.ProvenanceJSON) > 0 {
			if err := json.Unmarshal(rec.ProvenanceJSON, &provenance); err != nil {
				return nil, err
			}
		}
		out = append(out, types.MemoryFragment{
			ID:          rec.ID,
			OrgID:       rec.OrgID,
			UserID:      rec.UserID,
			Text:        rec.Text,
			Embedding:   embedding,
			Tier:        types.MemoryTier(rec.Tier),
			Provenance:  provenance,
			ContentHash: rec.ContentHash,
			CreatedAt:   rec.CreatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) LoadThread(ctx context.Context, threadID string) (*types.Thread, error) {
	var rec threadRecord
	err := s.db.WithContext(ctx).Where("id = ?", threadID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}

	var turns []types.Turn
	if len(rec.TurnsJSON) > 0 {
		if err := json.Unmarshal(rec.TurnsJSON, &turns); err != nil {
			return nil, err
		}
	}
	var facts map[string]string
	if len(rec.FactsJSON) > 0 {
		if err := json.Unmarshal(rec.FactsJSON, &facts); err != nil {
			return nil, err
		}
	}

	return &types.Thread{
		ID:           rec.ID,
		OrgID:        rec.OrgID,
		Turns:        turns,
		Summary:      rec.Summary,
		ProfileFacts: facts,
		LastIntent:   types.Intent(rec.LastIntent),
		LastProvider: rec.LastProvider,
		LastModel:    rec.LastModel,
		NextSequence: rec.NextSequence,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

// NoopStore is a PersistentStore that never persists anything, used when
// no database is configured: every thread starts fresh on Bootstrap and
// SaveThread is a no-op. Conversation memory still works within a single
// server lifetime via Index's in-memory entries; it just does not survive
// a restart.
type NoopStore struct{}

// NewNoopStore creates a PersistentStore with no backing storage.
func NewNoopStore() *NoopStore { return &NoopStore{} }

func (NoopStore) LoadThread(ctx context.Context, threadID string) (*types.Thread, error) {
	return nil, ErrThreadNotFound
}

func (NoopStore) SaveThread(ctx context.Context, thread *types.Thread) error {
	return nil
}

// NoopFragmentStore is a FragmentStore with no backing storage, used when
// no database is configured: cross-thread retrieval returns nothing
// rather than erroring.
type NoopFragmentStore struct{}

// NewNoopFragmentStore creates a FragmentStore with no backing storage.
func NewNoopFragmentStore() *NoopFragmentStore { return &NoopFragmentStore{} }

func (NoopFragmentStore) Save(ctx context.Context, fragment types.MemoryFragment) error { return nil }

func (NoopFragmentStore) CandidatesForUser(ctx context.Context, orgID, userID string) ([]types.MemoryFragment, error) {
	return nil, nil
}

func (NoopFragmentStore) CandidatesShared(ctx context.Context, orgID string) ([]types.MemoryFragment, error) {
	return nil, nil
}

func (s *GormStore) SaveThread(ctx context.Context, thread *types.Thread) error {
	turnsJSON, err := json.Marshal(thread.Turns)
	if err != nil {
		return err
	}
	factsJSON, err := json.Marshal(thread.ProfileFacts)
	if err != nil {
		return err
	}

	rec := threadRecord{
		ID:           thread.ID,
		OrgID:        thread.OrgID,
		TurnsJSON:    turnsJSON,
		Summary:      thread.Summary,
		FactsJSON:    factsJSON,
		LastIntent:   string(thread.LastIntent),
		LastProvider: thread.LastProvider,
		LastModel:    thread.LastModel,
		NextSequence: thread.NextSequence,
		CreatedAt:    thread.CreatedAt,
		UpdatedAt:    thread.UpdatedAt,
	}

	err = s.db.WithContext(ctx).Save(&rec).Error
	if err != nil {
		s.logger.Warn("failed to persist thread", zap.String("thread_id", thread.ID), zap.Error(err))
	}
	return err
}
