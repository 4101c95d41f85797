// Package remotecache 提供二级缓存实现：基于 Redis 的远程缓存以及用于测试的内存模拟实现。
package remotecache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	apperr "cbmgrc/pkg/error"
	"cbmgrc/pkg/localcache"
	"cbmgrc/pkg/logger"
)

const (
	scanCount = 200 // 每次 SCAN 的建议数量
	delBatch  = 500 // 每次 DEL 的最大键数
)

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string        // 所有键的命名空间前缀
	DialTimeout time.Duration // 初次连接检查的超时
}

// RedisCache 基于 Redis 的远程缓存。所有键都带有 Prefix，
// 模式失效使用 SCAN MATCH <prefix>*<pattern>* 实现子串语义。
type RedisCache struct {
	client *redis.Client
	prefix string
	log    *logrus.Entry
}

// NewRedisCache 使用已有客户端创建远程缓存
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
		log:    logger.WithComponent("RedisCache"),
	}
}

// Dial 创建客户端并检查连接
func Dial(ctx context.Context, config RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	timeout := config.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, apperr.WrapError(apperr.ErrRemoteCache, "failed to connect to Redis", err).
			WithContext("addr", config.Addr)
	}

	return NewRedisCache(client, config.Prefix), nil
}

// Get 读取一个值，键不存在时返回 CACHE_MISS 错误
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NewError(apperr.ErrCacheMiss, "cache miss")
	}
	if err != nil {
		return nil, apperr.WrapError(apperr.ErrRemoteCache, "redis GET failed", err)
	}
	return b, nil
}

// Set 写入一个值
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return apperr.WrapError(apperr.ErrRemoteCache, "redis SET failed", err)
	}
	return nil
}

// DeleteMatching 删除键（去掉前缀后）包含任一模式子串的所有条目
func (r *RedisCache) DeleteMatching(ctx context.Context, patterns ...string) (int, error) {
	seen := make(map[string]struct{})
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if err := r.scan(ctx, r.prefix+"*"+escapeGlob(p)+"*", seen); err != nil {
			return 0, err
		}
	}
	return r.deleteKeys(ctx, seen)
}

// Clear 删除当前前缀下的所有键
func (r *RedisCache) Clear(ctx context.Context) error {
	seen := make(map[string]struct{})
	if err := r.scan(ctx, escapeGlob(r.prefix)+"*", seen); err != nil {
		return err
	}
	_, err := r.deleteKeys(ctx, seen)
	return err
}

// Ping 检查连接状态
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 关闭客户端
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) scan(ctx context.Context, match string, into map[string]struct{}) error {
	iter := r.client.Scan(ctx, 0, match, scanCount).Iterator()
	for iter.Next(ctx) {
		into[iter.Val()] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return apperr.WrapError(apperr.ErrRemoteCache, "redis SCAN failed", err).WithContext("match", match)
	}
	return nil
}

func (r *RedisCache) deleteKeys(ctx context.Context, keys map[string]struct{}) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	batch := make([]string, 0, delBatch)
	deleted := 0
	flush := func() error {
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return apperr.WrapError(apperr.ErrRemoteCache, "redis DEL failed", err)
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}

	for key := range keys {
		batch = append(batch, key)
		if len(batch) == delBatch {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return deleted, err
		}
	}

	r.log.WithField("deleted", deleted).Debug("redis keys deleted")
	return deleted, nil
}

// escapeGlob 转义 Redis glob 的特殊字符，使模式按字面匹配
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ localcache.Remote = (*RedisCache)(nil)
