package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rcliao/story-memory/internal/model"
)

const (
	redisPrefix      = "story-memory:"
	redisCampaignSet = redisPrefix + "campaigns"
)

// RedisStore implements Store with one JSON document per campaign. Each
// document carries a SHA-256 checksum of its payload, verified on load.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

type envelope struct {
	Checksum string `json:"checksum"`
	Payload  string `json:"payload"`
}

// NewRedisStore connects to redisURL (redis://host:port/db).
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStoreFromClient(redis.NewClient(opt)), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping checks the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func campaignKey(id string) string {
	return redisPrefix + "campaign:" + id
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (r *RedisStore) Save(ctx context.Context, snap *model.Snapshot) error {
	id := snap.Campaign.ID
	if id == "" {
		return &model.ValidationError{Field: "campaign", Reason: "snapshot has no campaign id"}
	}
	out := *snap
	if out.SavedAt.IsZero() {
		out.SavedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	doc, err := json.Marshal(envelope{Checksum: checksum(payload), Payload: string(payload)})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, campaignKey(id), doc, 0)
		p.SAdd(ctx, redisCampaignSet, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save campaign %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, campaignID string) (*model.Snapshot, error) {
	data, err := r.client.Get(ctx, campaignKey(campaignID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(campaignID)
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	return decodeEnvelope(campaignID, data)
}

func decodeEnvelope(campaignID string, data []byte) (*model.Snapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, corrupt(campaignID, "bad envelope", err)
	}
	if checksum([]byte(env.Payload)) != env.Checksum {
		return nil, corrupt(campaignID, "checksum mismatch", nil)
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(env.Payload), &snap); err != nil {
		return nil, corrupt(campaignID, "bad payload", err)
	}
	if snap.Campaign.ID != campaignID {
		return nil, corrupt(campaignID, "payload belongs to campaign "+snap.Campaign.ID, nil)
	}
	return &snap, nil
}

func (r *RedisStore) Delete(ctx context.Context, campaignID string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, campaignKey(campaignID))
		p.SRem(ctx, redisCampaignSet, campaignID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete campaign %s: %w", campaignID, err)
	}
	if del.Val() == 0 {
		return notFound(campaignID)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]model.Campaign, error) {
	ids, err := r.client.SMembers(ctx, redisCampaignSet).Result()
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	sort.Strings(ids)

	campaigns := []model.Campaign{}
	for _, id := range ids {
		snap, err := r.Load(ctx, id)
		if model.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, snap.Campaign)
	}
	return campaigns, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
