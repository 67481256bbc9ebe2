package telemetry

import (
	"sync"
	"time"
)

// CachedValue 缓存的最新标量值
type CachedValue struct {
	Value     float64
	Timestamp time.Time
}

// Key 构建缓存键 "device:field"
func Key(device, field string) string {
	return device + ":" + field
}

// Cache 遥测数据内存缓存（设备+字段 -> 最新值）
// 后写覆盖先写，不做时间戳顺序检查
type Cache struct {
	mu     sync.RWMutex
	values map[string]CachedValue
}

// NewCache 创建缓存
func NewCache() *Cache {
	return &Cache{
		values: make(map[string]CachedValue),
	}
}

// Put 无条件覆盖
func (c *Cache) Put(key string, value float64, ts time.Time) {
	c.mu.Lock()
	c.values[key] = CachedValue{Value: value, Timestamp: ts}
	c.mu.Unlock()
}

// Get 读取缓存值
func (c *Cache) Get(key string) (CachedValue, bool) {
	c.mu.RLock()
	v, ok := c.values[key]
	c.mu.RUnlock()
	return v, ok
}

// Len 缓存条目数
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
