package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	SnapshotBaseTTL  = 24 * time.Hour   // 基础过期时间
	SnapshotJitter   = 60 * time.Minute // 随机抖动范围
	EmptySnapshotTTL = 5 * time.Minute  // 空值标记的过期时间

	keySnapshotFmt = "snapshot:latest:{%s}"
)

func snapshotKey(roomID string) string { return fmt.Sprintf(keySnapshotFmt, roomID) }

// SnapshotSource 快照的权威存储（MySQL）
type SnapshotSource interface {
	SaveDocumentSnapshot(ctx context.Context, roomID string, rev uint64, content string) error
	LatestSnapshot(ctx context.Context, roomID string) (content string, rev uint64, ok bool, err error)
}

type cachedSnapshot struct {
	Revision uint64 `json:"revision"`
	Content  string `json:"content"`
	// 空值标记：房间还没有快照
	Empty bool `json:"empty,omitempty"`
}

// SnapshotCache 最新快照的旁路缓存：读 Redis，未命中回源并回填。
// 同一房间的并发回源经 singleflight 合并；不存在的房间写空值标记，防止穿透。
type SnapshotCache struct {
	rdb redis.UniversalClient
	src SnapshotSource
	sf  singleflight.Group
}

func NewSnapshotCache(rdb redis.UniversalClient, src SnapshotSource) *SnapshotCache {
	return &SnapshotCache{rdb: rdb, src: src}
}

// 随机 TTL，防止缓存雪崩
func randomSnapshotTTL() time.Duration {
	return SnapshotBaseTTL + time.Duration(rand.Int63n(int64(SnapshotJitter)))
}

func (c *SnapshotCache) LatestSnapshot(ctx context.Context, roomID string) (string, uint64, bool, error) {
	v, err, _ := c.sf.Do(roomID, func() (interface{}, error) {
		snap, hit, err := c.read(ctx, roomID)
		// 缓存不可用时直接回源
		if err == nil && hit {
			return snap, nil
		}

		content, rev, ok, err := c.src.LatestSnapshot(ctx, roomID)
		if err != nil {
			return cachedSnapshot{}, err
		}
		if !ok {
			snap = cachedSnapshot{Empty: true}
			_ = c.write(ctx, roomID, snap, EmptySnapshotTTL)
			return snap, nil
		}
		snap = cachedSnapshot{Revision: rev, Content: content}
		_ = c.write(ctx, roomID, snap, randomSnapshotTTL())
		return snap, nil
	})
	if err != nil {
		return "", 0, false, err
	}
	snap, ok := v.(cachedSnapshot)
	if !ok {
		return "", 0, false, errors.New("internal type error")
	}
	if snap.Empty {
		return "", 0, false, nil
	}
	return snap.Content, snap.Revision, true, nil
}

// SaveDocumentSnapshot 先写权威存储，再删缓存，下次读取回源
func (c *SnapshotCache) SaveDocumentSnapshot(ctx context.Context, roomID string, rev uint64, content string) error {
	if err := c.src.SaveDocumentSnapshot(ctx, roomID, rev, content); err != nil {
		return err
	}
	return c.rdb.Del(ctx, snapshotKey(roomID)).Err()
}

func (c *SnapshotCache) read(ctx context.Context, roomID string) (cachedSnapshot, bool, error) {
	raw, err := c.rdb.Get(ctx, snapshotKey(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return cachedSnapshot{}, false, nil
		}
		return cachedSnapshot{}, false, err
	}
	var snap cachedSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return cachedSnapshot{}, false, err
	}
	return snap, true, nil
}

func (c *SnapshotCache) write(ctx context.Context, roomID string, snap cachedSnapshot, ttl time.Duration) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, snapshotKey(roomID), b, ttl).Err()
}
