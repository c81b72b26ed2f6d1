package internal

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var rdb *redis.Client
var cacheCtx = context.Background()
var memCache *cache.Cache

var redisDataExpiration time.Duration
var memoryDataExpiration time.Duration

var redisInitialized bool

// InitCache initializes the two-tier read cache: a short-lived in-memory
// layer in front of redis. The server uses this to serve repeated bale
// snapshot fetches without hitting postgres on every request.
func InitCache(redisURI string, redisPassword string, redisDB int) {
	rdb = redis.NewClient(&redis.Options{
		Addr:     redisURI,
		Password: redisPassword,
		DB:       redisDB,
	})

	redisDataExpiration = 12 * time.Hour
	memoryDataExpiration = 10 * time.Second

	memCache = cache.New(memoryDataExpiration, 20*time.Second)
	redisInitialized = true
}

// InitMemcache initializes the memory-only cache. The agent runs in this
// mode, there is no redis on a field device.
func InitMemcache() {
	memoryDataExpiration = 10 * time.Second
	memCache = cache.New(memoryDataExpiration, 20*time.Second)
	redisInitialized = false
}

// IsRedisAvailable pings redis with a bounded timeout
func IsRedisAvailable() bool {
	if !redisInitialized || rdb == nil {
		return false
	}
	timeout, cancel := context.WithTimeout(cacheCtx, 10*time.Second)
	defer cancel()
	statusCmd := rdb.Ping(timeout)
	return statusCmd != nil && statusCmd.Val() == "PONG"
}

// GetTiered attempts to get key from the memory cache, falling back to redis
func GetTiered(key string) (cached bool, value []byte) {
	if memCache == nil {
		return false, nil
	}
	if v, found := memCache.Get(key); found {
		if b, ok := v.([]byte); ok {
			return true, b
		}
	}

	if !redisInitialized {
		return false, nil
	}

	d := time.Now().Add(memoryDataExpiration)
	ctx, cancel := context.WithDeadline(cacheCtx, d)
	defer cancel()

	value, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false, nil
	}

	// Write back to the memory layer
	memCache.SetDefault(key, value)
	return true, value
}

// SetTiered sets both cache layers
func SetTiered(key string, value []byte) {
	if memCache == nil {
		return
	}
	memCache.SetDefault(key, value)
	if redisInitialized {
		err := rdb.Set(cacheCtx, key, value, redisDataExpiration).Err()
		if err != nil {
			zap.S().Warnf("Failed to write %s to redis: %s", key, err)
		}
	}
}

// InvalidateCollection drops every cached entry whose key starts with
// prefix. Called after a drain pass or a server-side mutation so readers
// refetch instead of serving stale snapshots.
func InvalidateCollection(prefix string) {
	if memCache == nil {
		return
	}
	for key := range memCache.Items() {
		if strings.HasPrefix(key, prefix) {
			memCache.Delete(key)
		}
	}
	if !redisInitialized {
		return
	}
	iter := rdb.Scan(cacheCtx, 0, prefix+"*", 0).Iterator()
	for iter.Next(cacheCtx) {
		if err := rdb.Del(cacheCtx, iter.Val()).Err(); err != nil {
			zap.S().Warnf("Failed to invalidate %s in redis: %s", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		zap.S().Warnf("Redis scan during invalidation failed: %s", err)
	}
}
