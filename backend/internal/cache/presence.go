package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 对象的在线成员。成员带逻辑 TTL，心跳时刷新
type PresenceCache interface {
	AddMember(ctx context.Context, objectID string, userID uint64, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, objectID string, userID uint64) error
	AliveMembers(ctx context.Context, objectID string) ([]PresenceMember, error)
	Objects(ctx context.Context) ([]string, error)
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

// redisPresence 单机和 cluster 都用 UniversalClient
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// 清理过期成员。score=expireAt（Unix 秒），expireAt <= now 视为过期
var expireScript = redis.NewScript(`
-- KEYS[1] = roomKey(objectID)
-- KEYS[2] = namesKey(objectID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember 刷新 TTL 也调它
func (p *redisPresence) AddMember(ctx context.Context, objectID string, userID uint64, username string, ttl time.Duration) error {
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(objectID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(objectID), userID, username)
	_, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	// objects 索引和 room 不在同一个 slot，单独写
	return p.rdb.SAdd(ctx, objectsKey(), objectID).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, objectID string, userID uint64) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(objectID), userID)
	tx.HDel(ctx, namesKey(objectID), strconv.FormatUint(userID, 10))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Objects(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, objectsKey()).Result()
}

func (p *redisPresence) AliveMembers(ctx context.Context, objectID string) ([]PresenceMember, error) {
	now := time.Now().Unix()
	err := expireScript.Run(ctx, p.rdb, []string{roomKey(objectID), namesKey(objectID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(objectID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(objectID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		uid, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, err
		}
		var name string
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{UserID: uid, Username: name})
	}
	return members, nil
}
