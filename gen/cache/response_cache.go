package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrCacheMiss = errors.New("cache miss")

// ResponseCache 生成响应缓存接口
type ResponseCache interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Set(ctx context.Context, key string, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
	GenerateKey(req any) string
}

// CacheEntry 缓存条目
type CacheEntry struct {
	Response  json.RawMessage `json:"response"`
	Modality  string          `json:"modality,omitempty"`
	Model     string          `json:"model,omitempty"`
	CostSaved float64         `json:"cost_saved,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	HitCount  int             `json:"hit_count"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	LocalMaxSize   int                // 本地缓存最大条目数
	LocalTTL       time.Duration      // 本地缓存 TTL
	RedisTTL       time.Duration      // Redis 缓存 TTL
	EnableLocal    bool               // 是否启用本地缓存
	EnableRedis    bool               // 是否启用 Redis 缓存
	CacheableCheck func(req any) bool // 判断请求是否可缓存
}

// DefaultCacheConfig 默认配置
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		LocalMaxSize: 1000,
		LocalTTL:     5 * time.Minute,
		RedisTTL:     1 * time.Hour,
		EnableLocal:  true,
		EnableRedis:  true,
	}
}

// MultiLevelCache 两级响应缓存：进程内 LRU 挡住热点，
// Redis 在实例间共享并决定条目的全局生命周期。
// 本地缓存的存活时间不会超过条目在 Redis 里的 ExpiresAt。
type MultiLevelCache struct {
	local  *LRUCache
	redis  *redis.Client
	config *CacheConfig
	logger *zap.Logger
}

// NewMultiLevelCache 创建多级缓存
func NewMultiLevelCache(rdb *redis.Client, config *CacheConfig, logger *zap.Logger) *MultiLevelCache {
	if config == nil {
		config = DefaultCacheConfig()
	}

	var local *LRUCache
	if config.EnableLocal {
		local = NewLRUCache(config.LocalMaxSize, config.LocalTTL)
	}

	return &MultiLevelCache{
		local:  local,
		redis:  rdb,
		config: config,
		logger: logger,
	}
}

// Get 依次查本地与 Redis，Redis 命中时回填本地。
func (c *MultiLevelCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	if c.localEnabled() {
		if entry, ok := c.local.Get(key); ok {
			c.logger.Debug("local cache hit", zap.String("key", key))
			return entry, nil
		}
	}

	if !c.redisEnabled() {
		return nil, ErrCacheMiss
	}

	data, err := c.redis.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error", zap.Error(err))
		}
		return nil, ErrCacheMiss
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("dropping corrupt cache entry", zap.String("key", key), zap.Error(err))
		return nil, ErrCacheMiss
	}

	entry.HitCount = c.bumpHitCount(ctx, key)

	// 回填本地缓存；LRUCache.Set 会以 ExpiresAt 为上限，
	// 不会让条目在本地活得比 Redis 里更久
	if c.localEnabled() {
		c.local.Set(key, &entry)
	}

	c.logger.Debug("redis cache hit", zap.String("key", key))
	return &entry, nil
}

// Set 写入两级缓存并确定条目生命周期。
func (c *MultiLevelCache) Set(ctx context.Context, key string, entry *CacheEntry) error {
	now := time.Now()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(c.config.RedisTTL)

	if c.localEnabled() {
		c.local.Set(key, entry)
	}

	if c.redisEnabled() {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := c.redis.Set(ctx, c.redisKey(key), data, c.config.RedisTTL).Err(); err != nil {
			c.logger.Warn("redis set error", zap.Error(err))
			return err
		}
		// 新条目从零开始计数
		if err := c.redis.Del(ctx, c.hitsKey(key)).Err(); err != nil {
			c.logger.Warn("redis del error", zap.Error(err))
		}
	}

	c.logger.Debug("cache set", zap.String("key", key))
	return nil
}

// Delete 删除两级缓存中的条目
func (c *MultiLevelCache) Delete(ctx context.Context, key string) error {
	if c.localEnabled() {
		c.local.Delete(key)
	}

	if c.redisEnabled() {
		if err := c.redis.Del(ctx, c.redisKey(key), c.hitsKey(key)).Err(); err != nil {
			return err
		}
	}

	return nil
}

// GenerateKey 生成缓存键（请求 JSON 的 sha256 前缀）
func (c *MultiLevelCache) GenerateKey(req any) string {
	data, _ := json.Marshal(req)
	hash := sha256.Sum256(data)
	return "gen:cache:" + hex.EncodeToString(hash[:16])
}

// IsCacheable 判断请求是否可缓存
func (c *MultiLevelCache) IsCacheable(req any) bool {
	if c.config.CacheableCheck != nil {
		return c.config.CacheableCheck(req)
	}
	return true
}

// Clear 清空本地缓存（Redis 条目依赖 TTL 过期）
func (c *MultiLevelCache) Clear() {
	if c.local != nil {
		c.local.Clear()
	}
}

func (c *MultiLevelCache) localEnabled() bool {
	return c.config.EnableLocal && c.local != nil
}

func (c *MultiLevelCache) redisEnabled() bool {
	return c.config.EnableRedis && c.redis != nil
}

func (c *MultiLevelCache) redisKey(key string) string {
	return "adstudio:response_cache:" + key
}

func (c *MultiLevelCache) hitsKey(key string) string {
	return c.redisKey(key) + ":hits"
}

// bumpHitCount 在旁路计数键上原子自增，与条目同寿命。
// 计数失败只影响统计，不影响命中结果。
func (c *MultiLevelCache) bumpHitCount(ctx context.Context, key string) int {
	hits, err := c.redis.Incr(ctx, c.hitsKey(key)).Result()
	if err != nil {
		return 0
	}
	if hits == 1 {
		c.redis.Expire(ctx, c.hitsKey(key), c.config.RedisTTL)
	}
	return int(hits)
}

// ============================================================
// 进程内 LRU 缓存
// ============================================================

// LRUCache 带 TTL 的 LRU 缓存。
// 命中计数记录在节点上而非条目里，Get 返回条目副本，
// 调用方拿到的内容不会被后续访问改写。
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // Front 为最近使用
	items    map[string]*list.Element
}

type lruItem struct {
	key       string
	entry     *CacheEntry
	hits      int
	expiresAt time.Time
}

func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	return &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get 返回条目的副本，HitCount 为写入时的基数加本地命中数。
func (c *LRUCache) Get(key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*lruItem)

	if time.Now().After(item.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}

	c.order.MoveToFront(el)
	item.hits++

	snapshot := *item.entry
	snapshot.HitCount += item.hits
	return &snapshot, true
}

// Set 写入条目。本地存活时间取 LocalTTL 与条目 ExpiresAt 的较小者。
func (c *LRUCache) Set(key string, entry *CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(c.ttl)
	if !entry.ExpiresAt.IsZero() && entry.ExpiresAt.Before(expiresAt) {
		expiresAt = entry.ExpiresAt
	}

	if el, ok := c.items[key]; ok {
		item := el.Value.(*lruItem)
		item.entry = entry
		item.hits = 0
		item.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictOldest()
	}

	c.items[key] = c.order.PushFront(&lruItem{
		key:       key,
		entry:     entry,
		expiresAt: expiresAt,
	})
}

func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Stats 返回当前大小与容量
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items), c.capacity
}

// evictOldest 淘汰最久未使用的条目，调用方需持有 c.mu
func (c *LRUCache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.items, el.Value.(*lruItem).key)
}
