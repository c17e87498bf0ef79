package ytdlp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/vidstash/backend/internal/logger"
	"github.com/vidstash/backend/internal/metrics"
)

// Prober fetches metadata for a URL without downloading it.
type Prober interface {
	Probe(ctx context.Context, sourceURL string) (*Metadata, error)
}

// KV is the string cache the probe results are kept in.
type KV interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// CachedProber remembers successful probes for ttl. Failures are never
// cached so a transient error does not stick.
type CachedProber struct {
	prober  Prober
	kv      KV
	ttl     time.Duration
	metrics *metrics.Metrics
	log     *logger.Logger
}

func NewCachedProber(prober Prober, kv KV, ttl time.Duration, m *metrics.Metrics) *CachedProber {
	if m == nil {
		m = metrics.Default()
	}
	return &CachedProber{
		prober:  prober,
		kv:      kv,
		ttl:     ttl,
		metrics: m,
		log:     logger.Default().WithComponent("probe-cache"),
	}
}

func probeKey(sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return "vidstash:probe:" + hex.EncodeToString(sum[:16])
}

func (c *CachedProber) Probe(ctx context.Context, sourceURL string) (*Metadata, error) {
	key := probeKey(sourceURL)

	if raw, ok := c.kv.Get(ctx, key); ok {
		var meta Metadata
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			c.metrics.ProbeCache(true)
			return &meta, nil
		}
	}
	c.metrics.ProbeCache(false)

	meta, err := c.prober.Probe(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(meta); err == nil {
		if err := c.kv.Set(ctx, key, string(data), c.ttl); err != nil {
			c.log.Warn(ctx, "failed to cache probe result", map[string]interface{}{"error": err.Error()})
		}
	}
	return meta, nil
}
