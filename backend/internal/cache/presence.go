package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 跨实例的在线成员镜像。房间内状态以内存 Store 为准，这里只用于观测。
type PresenceCache interface {
	AddMember(ctx context.Context, roomID, userID, userName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	GetRooms(ctx context.Context) ([]string, error)
	GetAliveMembers(ctx context.Context, roomID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, roomID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, roomID, userID string) ([]byte, error)
}

type PresenceMember struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb   redis.UniversalClient
	clock clockwork.Clock
}

func NewRedisPresence(rdb redis.UniversalClient, clock clockwork.Clock) PresenceCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &redisPresence{rdb: rdb, clock: clock}
}

// 清理过期成员
// KEYS[1] = roomKey, KEYS[2] = namesKey, ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AddMember(ctx context.Context, roomID, userID, userName string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember
	expireAt := p.clock.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(roomID), userID, userName)
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	// 索引键不在同一个 slot，单独写
	return p.rdb.SAdd(ctx, roomsKey(), roomID).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, roomID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(roomID), userID)
	tx.HDel(ctx, namesKey(roomID), userID)
	tx.Del(ctx, cursorKey(roomID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetRooms(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, roomsKey()).Result()
}

func (p *redisPresence) SetCursor(ctx context.Context, roomID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(roomID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, roomID, userID string) ([]byte, error) {
	b, err := p.rdb.Get(ctx, cursorKey(roomID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, roomID string) ([]PresenceMember, error) {
	// step1: 清理过期成员。score=expireAt，expireAt <= now 视为过期
	now := p.clock.Now().Unix()
	if err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(roomID), namesKey(roomID)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		// 房间空了，从索引里去掉
		_ = p.rdb.SRem(ctx, roomsKey(), roomID).Err()
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(roomID), aliveIDs...).Result()
	if err != nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name, _ := v.(string)
		members = append(members, PresenceMember{UserID: aliveIDs[i], UserName: name})
	}
	return members, nil
}
