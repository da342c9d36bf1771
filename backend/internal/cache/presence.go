package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"roomsync/backend/internal/event"
	"roomsync/backend/internal/presence"
)

// RedisPresence 把各进程的在线名册镜像到 Redis，供跨进程查询。
// 只是镜像：房间内的权威名册仍是 presence.Store。
type RedisPresence struct {
	rdb       redis.UniversalClient
	memberTTL time.Duration
	cursorTTL time.Duration
	now       func() time.Time
}

type PresenceMember struct {
	ParticipantID string    `json:"participantId"`
	Name          string    `json:"name"`
	Color         string    `json:"color"`
	ExpireAt      time.Time `json:"expireAt"`
}

type Option func(*RedisPresence)

// WithMemberTTL 成员的逻辑 TTL，默认与在线阈值一致
func WithMemberTTL(d time.Duration) Option {
	return func(p *RedisPresence) {
		if d > 0 {
			p.memberTTL = d
		}
	}
}

func WithCursorTTL(d time.Duration) Option {
	return func(p *RedisPresence) {
		if d > 0 {
			p.cursorTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *RedisPresence) {
		if now != nil {
			p.now = now
		}
	}
}

func NewRedisPresence(rdb redis.UniversalClient, opts ...Option) *RedisPresence {
	p := &RedisPresence{
		rdb:       rdb,
		memberTTL: presence.OnlineThreshold,
		cursorTTL: presence.OnlineThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddMember 登记或续期；刷新 TTL 也直接调用它
func (p *RedisPresence) AddMember(ctx context.Context, roomID string, m presence.Participant) error {
	expireAt := p.now().Add(p.memberTTL).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: m.ID})
	tx.HSet(ctx, namesKey(roomID), m.ID, m.Name)
	if m.Color != "" {
		tx.HSet(ctx, colorsKey(roomID), m.ID, m.Color)
	}
	tx.SAdd(ctx, roomsKey(), roomID)
	_, err := tx.Exec(ctx)
	return err
}

// RemoveMember 房间空了之后从房间索引里摘掉
func (p *RedisPresence) RemoveMember(ctx context.Context, roomID, participantID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(roomID), participantID)
	tx.HDel(ctx, namesKey(roomID), participantID)
	tx.HDel(ctx, colorsKey(roomID), participantID)
	tx.Del(ctx, cursorKey(roomID, participantID))
	card := tx.ZCard(ctx, roomKey(roomID))
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	if card.Val() == 0 {
		return p.rdb.SRem(ctx, roomsKey(), roomID).Err()
	}
	return nil
}

// RemoveRoom 房间销毁时清掉全部键
func (p *RedisPresence) RemoveRoom(ctx context.Context, roomID string) error {
	ids, err := p.rdb.ZRange(ctx, roomKey(roomID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	keys := []string{roomKey(roomID), namesKey(roomID), colorsKey(roomID)}
	for _, id := range ids {
		keys = append(keys, cursorKey(roomID, id))
	}
	tx := p.rdb.TxPipeline()
	tx.Del(ctx, keys...)
	tx.SRem(ctx, roomsKey(), roomID)
	_, err = tx.Exec(ctx)
	return err
}

func (p *RedisPresence) SetCursor(ctx context.Context, roomID, participantID string, c event.CursorPayload) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return p.rdb.Set(ctx, cursorKey(roomID, participantID), b, p.cursorTTL).Err()
}

// GetCursor 没有记录时返回 redis.Nil
func (p *RedisPresence) GetCursor(ctx context.Context, roomID, participantID string) (event.CursorPayload, error) {
	var c event.CursorPayload
	b, err := p.rdb.Get(ctx, cursorKey(roomID, participantID)).Bytes()
	if err != nil {
		return c, err
	}
	err = json.Unmarshal(b, &c)
	return c, err
}

// GetRooms 房间索引，按字典序
func (p *RedisPresence) GetRooms(ctx context.Context) ([]string, error) {
	rooms, err := p.rdb.SMembers(ctx, roomsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(rooms)
	return rooms, nil
}

// 清理过期成员
// KEYS[1] = roomKey, KEYS[2] = namesKey, KEYS[3] = colorsKey
// ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
	redis.call("HDEL", KEYS[3], unpack(expired))
end
return #expired
`)

func (p *RedisPresence) GetAliveMembersWithNames(ctx context.Context, roomID string) ([]PresenceMember, error) {
	// step1: 清理过期成员。约定 score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := p.now().Unix()
	_, err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(roomID), namesKey(roomID), colorsKey(roomID)}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	alive, err := p.rdb.ZRangeByScoreWithScores(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(alive))
	for _, z := range alive {
		id, _ := z.Member.(string)
		ids = append(ids, id)
	}

	// step3: 批量取名字和颜色
	names, err := p.rdb.HMGet(ctx, namesKey(roomID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	colors, err := p.rdb.HMGet(ctx, colorsKey(roomID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(ids))
	for i, id := range ids {
		m := PresenceMember{ParticipantID: id, ExpireAt: time.Unix(int64(alive[i].Score), 0)}
		if i < len(names) && names[i] != nil {
			m.Name, _ = names[i].(string)
		}
		if i < len(colors) && colors[i] != nil {
			m.Color, _ = colors[i].(string)
		}
		members = append(members, m)
	}
	return members, nil
}
