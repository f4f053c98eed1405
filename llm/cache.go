package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheBackend is the subset of redis.Cmdable the cache needs.
type cacheBackend interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CacheConfig configures the Redis embedding cache.
type CacheConfig struct {
	Addr     string        `json:"addr" yaml:"addr"`
	Password string        `json:"password" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	Prefix   string        `json:"prefix" yaml:"prefix"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

// CachedProvider wraps a Provider and memoises query embeddings in Redis.
// Repeated HyDE probes and template queries across cases hit the cache
// instead of the embedding endpoint. Cache failures fall through to the
// wrapped provider.
type CachedProvider struct {
	next   Provider
	rdb    cacheBackend
	model  string
	prefix string
	ttl    time.Duration
}

// NewRedisClient opens a go-redis client for the cache.
func NewRedisClient(cfg CacheConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewCachedProvider wraps next. model namespaces the keys so switching
// embedding models never serves stale vectors.
func NewCachedProvider(next Provider, rdb cacheBackend, model string, cfg CacheConfig) *CachedProvider {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "poalegal:emb:"
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &CachedProvider{next: next, rdb: rdb, model: model, prefix: prefix, ttl: ttl}
}

func (c *CachedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return c.next.Chat(ctx, req)
}

// EmbedDocuments bypasses the cache; ingest vectors are written once.
func (c *CachedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if de, ok := c.next.(DocumentEmbedder); ok {
		return de.EmbedDocuments(ctx, texts)
	}
	return c.next.Embed(ctx, texts)
}

func (c *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(t)
	}

	out := make([][]float32, len(texts))
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		slog.Warn("llm: embedding cache read failed", "error", err)
		vals = nil
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			if vec, ok := decodeVector([]byte(s)); ok {
				out[i] = vec
			}
		}
	}

	var missIdx []int
	var missTexts []string
	for i := range texts {
		if out[i] == nil {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, texts[i])
		}
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d inputs", len(fresh), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = fresh[j]
		if err := c.rdb.Set(ctx, keys[i], encodeVector(fresh[j]), c.ttl).Err(); err != nil {
			slog.Warn("llm: embedding cache write failed", "error", err)
		}
	}
	return out, nil
}

func (c *CachedProvider) key(text string) string {
	h := sha256.Sum256([]byte(c.model + "\x00" + text))
	return c.prefix + hex.EncodeToString(h[:])
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, bool) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, true
}
