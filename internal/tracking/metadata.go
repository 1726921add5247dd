package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// MessageMeta is everything the hot path needs to know about a message: the
// campaign that owns it, its tracking flags, the hashed recipient and the
// send time the timing rule measures against. The campaign-management
// collaborator owns the underlying rows; this subsystem only reads them.
type MessageMeta struct {
	MessageID            string    `json:"message_id"`
	CampaignID           string    `json:"campaign_id"`
	TenantID             string    `json:"tenant_id"`
	RecipientHash        string    `json:"recipient_hash"`
	SentAt               time.Time `json:"sent_at"`
	OpenTrackingEnabled  bool      `json:"open_tracking_enabled"`
	ClickTrackingEnabled bool      `json:"click_tracking_enabled"`
}

// MetadataSource is the durable lookup behind the cache.
type MetadataSource interface {
	MessageMeta(ctx context.Context, messageID string) (*MessageMeta, error)
	Suppressed(ctx context.Context, recipientHash string, eventType EventType) (bool, error)
}

// MetadataCache keeps the beacon/redirect handlers at cache latency: message
// metadata is read through Redis with a TTL, confirmed suppressions are
// pinned without one (opt-outs are permanent).
type MetadataCache struct {
	redis  *redis.Client
	source MetadataSource
	ttl    time.Duration
}

func NewMetadataCache(client *redis.Client, source MetadataSource, ttl time.Duration) *MetadataCache {
	return &MetadataCache{redis: client, source: source, ttl: ttl}
}

// Message resolves message metadata, cache first.
func (mc *MetadataCache) Message(ctx context.Context, messageID string) (*MessageMeta, error) {
	key := fmt.Sprintf("tracking:msg:%s", messageID)

	if data, err := mc.redis.Get(ctx, key).Bytes(); err == nil {
		var meta MessageMeta
		if json.Unmarshal(data, &meta) == nil {
			return &meta, nil
		}
	}

	meta, err := mc.source.MessageMeta(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	if data, err := json.Marshal(meta); err == nil {
		if err := mc.redis.Set(ctx, key, data, mc.ttl).Err(); err != nil {
			log.Printf("[MetadataCache] cache set error (message=%s): %v", messageID, err)
		}
	}
	return meta, nil
}

// Suppressed reports whether the recipient has opted out of eventType.
// Positive answers are cached permanently; negative answers are re-asked so
// a fresh opt-out takes effect without an invalidation broadcast.
func (mc *MetadataCache) Suppressed(ctx context.Context, recipientHash string, eventType EventType) (bool, error) {
	key := fmt.Sprintf("tracking:optout:%s", recipientHash)

	if hit, err := mc.redis.SIsMember(ctx, key, string(eventType)).Result(); err == nil && hit {
		return true, nil
	}

	suppressed, err := mc.source.Suppressed(ctx, recipientHash, eventType)
	if err != nil {
		return false, err
	}
	if suppressed {
		mc.MarkSuppressed(ctx, recipientHash, eventType)
	}
	return suppressed, nil
}

// MarkSuppressed pins a suppression into the cache, write-through from the
// opt-out endpoints.
func (mc *MetadataCache) MarkSuppressed(ctx context.Context, recipientHash string, types ...EventType) {
	key := fmt.Sprintf("tracking:optout:%s", recipientHash)
	members := make([]interface{}, len(types))
	for i, t := range types {
		members[i] = string(t)
	}
	if err := mc.redis.SAdd(ctx, key, members...).Err(); err != nil {
		log.Printf("[MetadataCache] optout cache error (recipient=%s): %v", recipientHash, err)
	}
}
