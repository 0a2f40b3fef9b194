package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is the usage record kept alongside a cached response
type Metadata struct {
	CreatedAt      time.Time  `json:"created_at"`
	HitCount       int64      `json:"hit_count"`
	LastHitAt      *time.Time `json:"last_hit_at,omitempty"`
	Endpoint       string     `json:"endpoint"`
	ClientIdentity string     `json:"client_identity"`
	ClientIP       string     `json:"client_ip"`
}

// MetadataTracker maintains per-key usage statistics
type MetadataTracker struct {
	cache Cache
	keys  keyspace
	ttl   time.Duration
	now   func() time.Time
}

// NewMetadataTracker returns a tracker writing records with the given TTL
func NewMetadataTracker(cache Cache, prefix string, ttl time.Duration) *MetadataTracker {
	return &MetadataTracker{
		cache: cache,
		keys:  keyspace{prefix: prefix},
		ttl:   ttl,
		now:   time.Now,
	}
}

// RecordFirstExecution writes a fresh record with a zero hit count
func (t *MetadataTracker) RecordFirstExecution(ctx context.Context, key, endpoint, clientIdentity, clientIP string) (*Metadata, error) {
	md := &Metadata{
		CreatedAt:      t.now().UTC(),
		Endpoint:       endpoint,
		ClientIdentity: clientIdentity,
		ClientIP:       clientIP,
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	if err := t.cache.Set(ctx, t.keys.metadata(key), data, t.ttl); err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}
	return md, nil
}

// RecordHit increments the hit count of key and returns the updated record.
// If the record expired before the cached response, a default one is
// synthesized with created_at one TTL in the past.
func (t *MetadataTracker) RecordHit(ctx context.Context, key string) (*Metadata, error) {
	var md Metadata
	err := t.cache.Update(ctx, t.keys.metadata(key), t.ttl, func(current []byte) ([]byte, error) {
		now := t.now().UTC()
		md = Metadata{}
		if current == nil {
			md.CreatedAt = now.Add(-t.ttl)
			md.ClientIdentity = AnonymousClient
		} else if err := json.Unmarshal(current, &md); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
		md.HitCount++
		md.LastHitAt = &now
		return json.Marshal(&md)
	})
	if err != nil {
		return nil, fmt.Errorf("updating metadata: %w", err)
	}
	return &md, nil
}

// Get returns the current record for key
func (t *MetadataTracker) Get(ctx context.Context, key string) (*Metadata, error) {
	data, err := t.cache.Get(ctx, t.keys.metadata(key))
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &md, nil
}
