package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// SubscriberPresence 记录每个资源当前有哪些对端在订阅，多个服务进程共享同一份视图
type SubscriberPresence struct {
	rdb redis.UniversalClient
}

func NewSubscriberPresence(rdb redis.UniversalClient) *SubscriberPresence {
	return &SubscriberPresence{rdb: rdb}
}

// AddSubscriber 刷新 TTL 也直接调用 AddSubscriber 即可
func (p *SubscriberPresence) AddSubscriber(ctx context.Context, key, peer string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, subsKey(key), redis.Z{Score: float64(expireAt), Member: peer})
	tx.SAdd(ctx, keysSet(), key)
	_, err := tx.Exec(ctx)
	return err
}

func (p *SubscriberPresence) RemoveSubscriber(ctx context.Context, key, peer string) error {
	return p.rdb.ZRem(ctx, subsKey(key), peer).Err()
}

// 清理过期成员；集合清空后从索引里移除 key
var cleanupScript = redis.NewScript(`
-- KEYS[1] = subsKey(key)   e.g. braid:subs:{key:notes}
-- KEYS[2] = keysSet()
-- ARGV[1] = now (unix seconds)
-- ARGV[2] = key

local expired = redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if redis.call("ZCARD", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[2], ARGV[2])
end
return expired
`)

// Subscribers 返回 key 下仍然存活的订阅者
func (p *SubscriberPresence) Subscribers(ctx context.Context, key string) ([]string, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	_, err := cleanupScript.Run(ctx, p.rdb, []string{subsKey(key), keysSet()}, now, key).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	alive, err := p.rdb.ZRangeByScore(ctx, subsKey(key), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return alive, nil
}

// Keys 返回有订阅者的资源
func (p *SubscriberPresence) Keys(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, keysSet()).Result()
}

// RedisMetaStore 把资源元数据放在 redis 里，供多个进程共享分叉点
type RedisMetaStore struct {
	rdb redis.UniversalClient
}

func NewRedisMetaStore(rdb redis.UniversalClient) *RedisMetaStore {
	return &RedisMetaStore{rdb: rdb}
}

// LoadMeta 不存在时返回 nil, nil
func (m *RedisMetaStore) LoadMeta(ctx context.Context, key string) ([]byte, error) {
	b, err := m.rdb.Get(ctx, metaKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (m *RedisMetaStore) SaveMeta(ctx context.Context, key string, data []byte) error {
	return m.rdb.Set(ctx, metaKey(key), data, 0).Err()
}

func (m *RedisMetaStore) DeleteMeta(ctx context.Context, key string) error {
	return m.rdb.Del(ctx, metaKey(key)).Err()
}
