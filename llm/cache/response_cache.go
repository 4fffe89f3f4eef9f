package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

// ErrResponseCacheMiss is returned by ResponseCache.Get on a miss.
var ErrResponseCacheMiss = errors.New("response cache: miss")

// NormaliseUserText lowercases, collapses whitespace, strips trailing
// punctuation, and removes doubled spaces, exactly as spec.md §4.5
// describes for the Response Cache key's text component. It is
// deterministic and pure.
func NormaliseUserText(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	joined := strings.Join(fields, " ")
	return strings.TrimRight(joined, ".,!?;: ")
}

// ResponseCacheKey computes sha256(thread_id || "\n" || normalise(user_text)
// || "\n" || intent_tag), matching spec.md §4.5's key derivation exactly.
// Provider is deliberately excluded (spec.md §9 open question 1: kept as
// specified).
func ResponseCacheKey(threadID, userText string, intent types.Intent) string {
	h := sha256.New()
	h.Write([]byte(threadID))
	h.Write([]byte("\n"))
	h.Write([]byte(NormaliseUserText(userText)))
	h.Write([]byte("\n"))
	h.Write([]byte(string(intent)))
	return hex.EncodeToString(h.Sum(nil))
}

// TTLPolicy maps an intent to its cache TTL. coding_help answers tend to
// stay valid longer than qa_retrieval answers, which can go stale as soon
// as new information appears.
type TTLPolicy map[types.Intent]time.Duration

// DefaultTTLPolicy is the spec's "intent-sensitive" TTL default, with a
// 1-hour fallback for anything not listed.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		types.IntentCodingHelp:       6 * time.Hour,
		types.IntentEditingWriting:   3 * time.Hour,
		types.IntentReasoningMath:    3 * time.Hour,
		types.IntentSocialChat:       1 * time.Hour,
		types.IntentQARetrieval:      30 * time.Minute,
		types.IntentQAWebMultisearch: 10 * time.Minute,
		types.IntentAmbiguousOther:   1 * time.Hour,
	}
}

func (p TTLPolicy) ttlFor(intent types.Intent) time.Duration {
	if ttl, ok := p[intent]; ok {
		return ttl
	}
	return time.Hour
}

// ResponseCacheConfig configures the ResponseCache.
type ResponseCacheConfig struct {
	LocalMaxSize int
	LocalTTL     time.Duration
	TTLPolicy    TTLPolicy
	EnableLocal  bool
	EnableRedis  bool
}

// DefaultResponseCacheConfig returns sensible defaults.
func DefaultResponseCacheConfig() ResponseCacheConfig {
	return ResponseCacheConfig{
		LocalMaxSize: 2000,
		LocalTTL:     5 * time.Minute,
		TTLPolicy:    DefaultTTLPolicy(),
		EnableLocal:  true,
		EnableRedis:  true,
	}
}

// ResponseCache is the spec's Response Cache (§3, §4.5): read before
// routing, written only after a fully successful, non-cancelled,
// non-refused, safety-clean turn. It composes the teacher's two-level
// LRU+Redis design (llm/cache.LRUCache, redis.Client) with the gateway's
// own key derivation and intent-sensitive TTL policy.
type ResponseCache struct {
	local  *LRUCache
	redis  *redis.Client
	cfg    ResponseCacheConfig
	logger *zap.Logger
}

// NewResponseCache constructs a ResponseCache. rdb may be nil, in which
// case only the local LRU tier is used (e.g. for tests or a Redis-less
// single-process deployment).
func NewResponseCache(rdb *redis.Client, cfg ResponseCacheConfig, logger *zap.Logger) *ResponseCache {
	if cfg.TTLPolicy == nil {
		cfg.TTLPolicy = DefaultTTLPolicy()
	}
	if cfg.LocalMaxSize <= 0 {
		cfg.LocalMaxSize = DefaultResponseCacheConfig().LocalMaxSize
	}
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = DefaultResponseCacheConfig().LocalTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var local *LRUCache
	if cfg.EnableLocal {
		local = NewLRUCache(cfg.LocalMaxSize, cfg.LocalTTL)
	}
	return &ResponseCache{local: local, redis: rdb, cfg: cfg, logger: logger}
}

// Get looks up a cached entry by its derived key. The caller is
// responsible for computing key via ResponseCacheKey.
func (c *ResponseCache) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	if c.cfg.EnableLocal && c.local != nil {
		if wrapped, ok := c.local.Get(key); ok {
			if entry, ok := wrapped.Response.(*types.CacheEntry); ok {
				return entry, nil
			}
		}
	}

	if c.cfg.EnableRedis && c.redis != nil {
		data, err := c.redis.Get(ctx, c.redisKey(key)).Bytes()
		if err == nil {
			var entry types.CacheEntry
			if jsonErr := json.Unmarshal(data, &entry); jsonErr == nil {
				if c.cfg.EnableLocal && c.local != nil {
					c.local.Set(key, &CacheEntry{Response: &entry, CreatedAt: entry.CreatedAt})
				}
				return &entry, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Warn("response cache redis get error", zap.Error(err))
		}
	}

	return nil, ErrResponseCacheMiss
}

// Set writes a cache entry with the TTL policy's duration for its intent.
// Callers must only call Set on a fully successful, non-cancelled,
// non-refused turn (spec.md §4.5); partial streams are never cached.
func (c *ResponseCache) Set(ctx context.Context, key string, entry *types.CacheEntry) error {
	ttl := c.cfg.TTLPolicy.ttlFor(entry.Intent)

	if c.cfg.EnableLocal && c.local != nil {
		c.local.Set(key, &CacheEntry{Response: entry, CreatedAt: entry.CreatedAt, ExpiresAt: entry.CreatedAt.Add(ttl)})
	}

	if c.cfg.EnableRedis && c.redis != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := c.redis.Set(ctx, c.redisKey(key), data, ttl).Err(); err != nil {
			c.logger.Warn("response cache redis set error", zap.Error(err))
			return err
		}
	}
	return nil
}

func (c *ResponseCache) redisKey(key string) string {
	return "dac:response_cache:" + key
}
