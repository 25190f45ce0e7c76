// Package cache is the typed Redis layer under the pipeline: camera state
// hashes, cooldown marks, the per-camera scene-memory sorted set and the
// pending frame-request side table. All multi-step mutations go through
// pipelines so concurrent handlers never observe a half-applied write.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StateTTL bounds how long a camera stays "known" after its last
	// status or metadata message.
	StateTTL = 120 * time.Second

	// SideTableTTL bounds how long a frame request waits for its frame.
	SideTableTTL = 300 * time.Second
)

type Cache struct {
	client      *redis.Client
	sceneFrames int
	sceneTTL    time.Duration
}

// New connects using a redis:// URL. sceneFrames is the ring bound (N) and
// sceneTTL the idle expiry of each camera's sorted set.
func New(redisURL string, sceneFrames int, sceneTTL time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts), sceneFrames, sceneTTL), nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(client *redis.Client, sceneFrames int, sceneTTL time.Duration) *Cache {
	return &Cache{client: client, sceneFrames: sceneFrames, sceneTTL: sceneTTL}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func stateKey(cameraID string) string    { return fmt.Sprintf("camera:%s:state", cameraID) }
func cooldownKey(cameraID string) string { return fmt.Sprintf("camera:%s:last_request", cameraID) }
func sceneKey(cameraID string) string    { return fmt.Sprintf("camera:%s:scene_memory", cameraID) }
func requestEventKey(requestID string) string {
	return fmt.Sprintf("frame_request:%s:event_id", requestID)
}
func requestMetadataKey(requestID string) string {
	return fmt.Sprintf("frame_request:%s:metadata", requestID)
}

// --- camera state ---

// SetCameraState merges fields into the state hash and refreshes its TTL.
// Existing fields (e.g. last_scene_hash) survive a status beacon.
func (c *Cache) SetCameraState(ctx context.Context, cameraID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, stateKey(cameraID), args...)
	pipe.Expire(ctx, stateKey(cameraID), StateTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetStateField writes a single state field (the scene-hash side effect).
func (c *Cache) SetStateField(ctx context.Context, cameraID, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, stateKey(cameraID), field, value)
	pipe.Expire(ctx, stateKey(cameraID), StateTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetCameraState returns the state hash; empty map for unknown cameras.
func (c *Cache) GetCameraState(ctx context.Context, cameraID string) (map[string]string, error) {
	return c.client.HGetAll(ctx, stateKey(cameraID)).Result()
}

// --- cooldown ---

// SetCooldown stamps the per-camera request mark. Its presence suppresses
// further frame requests until TTL expiry.
func (c *Cache) SetCooldown(ctx context.Context, cameraID string, ttl time.Duration) error {
	return c.client.Set(ctx, cooldownKey(cameraID), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// CooldownActive reports whether the mark exists.
func (c *Cache) CooldownActive(ctx context.Context, cameraID string) (bool, error) {
	n, err := c.client.Exists(ctx, cooldownKey(cameraID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- scene memory sorted set ---

// AddSceneEntry inserts a member scored by timestamp, trims the set to the
// ring bound and refreshes the TTL, all in one pipeline.
func (c *Cache) AddSceneEntry(ctx context.Context, cameraID string, timestampUs int64, member []byte) error {
	key := sceneKey(cameraID)

	pipe := c.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(timestampUs), Member: member})
	// keep the newest N: remove ranks 0 .. -(N+1)
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-(c.sceneFrames + 1)))
	pipe.Expire(ctx, key, c.sceneTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ReplaceSceneEntry swaps old for new at the same score. Members are
// value-unique in a sorted set, so rewriting a payload without removing the
// old member would leave both behind.
func (c *Cache) ReplaceSceneEntry(ctx context.Context, cameraID string, timestampUs int64, old, updated []byte) error {
	key := sceneKey(cameraID)

	pipe := c.client.TxPipeline()
	pipe.ZRem(ctx, key, old)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(timestampUs), Member: updated})
	pipe.Expire(ctx, key, c.sceneTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SceneEntries returns all members in ascending score order.
func (c *Cache) SceneEntries(ctx context.Context, cameraID string) ([]string, error) {
	return c.client.ZRange(ctx, sceneKey(cameraID), 0, -1).Result()
}

// SceneTail returns the k newest members in ascending score order.
func (c *Cache) SceneTail(ctx context.Context, cameraID string, k int) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}
	return c.client.ZRange(ctx, sceneKey(cameraID), int64(-k), -1).Result()
}

// SceneSize is the current cardinality of the camera's set.
func (c *Cache) SceneSize(ctx context.Context, cameraID string) (int64, error) {
	return c.client.ZCard(ctx, sceneKey(cameraID)).Result()
}

// --- frame-request side table ---

// PutFrameRequest writes the sibling keys correlating a request id back to
// its trigger, both bounded by SideTableTTL.
func (c *Cache) PutFrameRequest(ctx context.Context, requestID string, eventID int64, metadata []byte) error {
	pipe := c.client.Pipeline()
	pipe.Set(ctx, requestEventKey(requestID), fmt.Sprintf("%d", eventID), SideTableTTL)
	pipe.Set(ctx, requestMetadataKey(requestID), metadata, SideTableTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// TakeFrameRequest atomically reads and deletes the sibling keys. ok is
// false when the event key is gone (expired or already consumed), which
// makes duplicate frame deliveries a no-op for the dispatcher. A present
// event key with a missing metadata key still counts as a match.
func (c *Cache) TakeFrameRequest(ctx context.Context, requestID string) (eventID string, metadata string, ok bool, err error) {
	pipe := c.client.TxPipeline()
	eventCmd := pipe.GetDel(ctx, requestEventKey(requestID))
	metaCmd := pipe.GetDel(ctx, requestMetadataKey(requestID))
	if _, err = pipe.Exec(ctx); err != nil && err != redis.Nil {
		return "", "", false, err
	}

	eventID, err = eventCmd.Result()
	if err == redis.Nil {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}

	metadata, err = metaCmd.Result()
	if err == redis.Nil {
		return eventID, "", true, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return eventID, metadata, true, nil
}

// --- listings / stats ---

// ActiveCameras scans for camera state keys and returns the ids.
func (c *Cache) ActiveCameras(ctx context.Context) ([]string, error) {
	var ids []string
	iter := c.client.Scan(ctx, 0, "camera:*:state", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimSuffix(strings.TrimPrefix(key, "camera:"), ":state")
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Stats returns the store-level block of the /stats payload.
func (c *Cache) Stats(ctx context.Context) (map[string]any, error) {
	size, err := c.client.DBSize(ctx).Result()
	if err != nil {
		return nil, err
	}
	pool := c.client.PoolStats()
	return map[string]any{
		"total_keys":  size,
		"pool_hits":   pool.Hits,
		"pool_misses": pool.Misses,
		"pool_conns":  pool.TotalConns,
	}, nil
}
