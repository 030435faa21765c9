package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 把 Domain 的在线参与者和位置同步到 redis，供其他进程或运维查询
type PresenceCache interface {
	Join(ctx context.Context, domainID, userID, username string, ttl time.Duration) error
	Leave(ctx context.Context, domainID, userID string) error
	SetLocation(ctx context.Context, domainID, userID string, jsonData []byte, ttl time.Duration) error
	GetLocation(ctx context.Context, domainID, userID string) ([]byte, error)
	GetDomains(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, domainID string) ([]PresenceMember, error)
	Clear(ctx context.Context, domainID string) error
}

type PresenceMember struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// 具体实现：基于 redis 的 PresenceCache，单机和集群都用 UniversalClient
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// Join 同时用于刷新 TTL
func (p *redisPresence) Join(ctx context.Context, domainID, userID, username string, ttl time.Duration) error {
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(domainID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(domainID), userID, username)
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	return p.rdb.SAdd(ctx, domainsKey(), domainID).Err()
}

func (p *redisPresence) Leave(ctx context.Context, domainID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(domainID), userID)
	tx.HDel(ctx, namesKey(domainID), userID)
	_, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	return p.rdb.Del(ctx, locationKey(domainID, userID)).Err()
}

func (p *redisPresence) SetLocation(ctx context.Context, domainID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, locationKey(domainID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetLocation(ctx context.Context, domainID, userID string) ([]byte, error) {
	return p.rdb.Get(ctx, locationKey(domainID, userID)).Bytes()
}

func (p *redisPresence) GetDomains(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, domainsKey()).Result()
}

const cleanupScript = `
-- KEYS[1] = roomKey(domainID)
-- KEYS[2] = namesKey(domainID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`

var cleanup = redis.NewScript(cleanupScript)

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, domainID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	now := time.Now().Unix()
	if err := cleanup.Run(ctx, p.rdb, []string{roomKey(domainID), namesKey(domainID)}, now).Err(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员（score > now）
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(domainID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(domainID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name, _ := v.(string)
		members = append(members, PresenceMember{UserID: aliveIDs[i], Username: name})
	}
	return members, nil
}

// Clear 在 Domain 删除后移除它的全部在线信息
func (p *redisPresence) Clear(ctx context.Context, domainID string) error {
	ids, err := p.rdb.ZRange(ctx, roomKey(domainID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	keys := []string{roomKey(domainID), namesKey(domainID)}
	for _, id := range ids {
		keys = append(keys, locationKey(domainID, id))
	}
	// 集群模式下多键 DEL 要求同槽，逐个删除
	for _, k := range keys {
		if err := p.rdb.Del(ctx, k).Err(); err != nil {
			return err
		}
	}
	return p.rdb.SRem(ctx, domainsKey(), domainID).Err()
}
