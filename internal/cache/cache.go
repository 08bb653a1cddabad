package cache

import (
	"sync"
	"time"
)

// NeverExpire 表示条目永不过期
const NeverExpire time.Duration = 0

// UseDefault 表示使用缓存的默认超时
const UseDefault time.Duration = -1

// entry 缓存条目：expires 为零值表示永不过期
type entry struct {
	expires time.Time
	value   any
}

// Cache 带容量压力回收的本地过期缓存
// 所有操作都持有同一把互斥锁，内部不做任何 I/O
type Cache struct {
	mu             sync.Mutex
	entries        map[string]entry
	threshold      int
	defaultTimeout time.Duration
}

// New 创建缓存
// threshold 为触发回收的条目数阈值，defaultTimeout 为 UseDefault 时采用的超时
func New(threshold int, defaultTimeout time.Duration) *Cache {
	return &Cache{
		entries:        make(map[string]entry),
		threshold:      threshold,
		defaultTimeout: defaultTimeout,
	}
}

// normalize 把相对超时换算为绝对过期时间，<=0 归一为永不过期
func (c *Cache) normalize(timeout time.Duration) time.Time {
	if timeout == UseDefault {
		timeout = c.defaultTimeout
	}
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// expired 判断条目是否在逻辑上已过期
func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !e.expires.After(now)
}

// prune 容量超过阈值时做一次近似回收：
// 删除已过期条目，以及遍历序号为 3 的倍数的条目（近似策略，依赖遍历顺序）
// 调用方必须持有锁
func (c *Cache) prune() {
	if len(c.entries) <= c.threshold {
		return
	}
	now := time.Now()
	idx := 0
	for key, e := range c.entries {
		if e.expired(now) || idx%3 == 0 {
			delete(c.entries, key)
		}
		idx++
	}
}

// Get 返回未过期条目的值；过期或不存在都返回 (nil, false)
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, false
	}
	return e.value, true
}

// Set 无条件写入条目，写入前按需回收
func (c *Cache) Set(key string, value any, timeout time.Duration) {
	expires := c.normalize(timeout)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune()
	c.entries[key] = entry{expires: expires, value: value}
}

// Add 仅当键不存在时写入；键已存在（即使逻辑上已过期）则返回 false 且不做改动
func (c *Cache) Add(key string, value any, timeout time.Duration) bool {
	expires := c.normalize(timeout)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune()
	if _, ok := c.entries[key]; ok {
		return false
	}
	c.entries[key] = entry{expires: expires, value: value}
	return true
}

// Delete 删除条目，返回是否确实删除了
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// Has 判断键是否存在且未过期
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && !e.expired(time.Now())
}

// Cleanup 全量清除逻辑上已过期的条目，供周期性维护调用
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
		}
	}
}

// Len 当前条目数（含逻辑过期未清除的条目）
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
