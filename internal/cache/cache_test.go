package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGet_Missing(t *testing.T) {
	t.Parallel()

	c := New(100, time.Minute)
	v, ok := c.Get("missing")
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestSet_Overwrites(t *testing.T) {
	t.Parallel()

	c := New(100, time.Minute)
	c.Set("k", "v1", NeverExpire)
	c.Set("k", "v2", NeverExpire)

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestAdd_DoesNotOverwrite(t *testing.T) {
	t.Parallel()

	c := New(100, time.Minute)
	assert.True(t, c.Add("k", "v1", NeverExpire))
	assert.False(t, c.Add("k", "v2", NeverExpire))

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	// Set 仍然覆盖
	c.Set("k", "v2", NeverExpire)
	v, _ = c.Get("k")
	assert.Equal(t, "v2", v)
}

func TestAdd_FailsOnExpiredEntry(t *testing.T) {
	t.Parallel()

	c := New(100, time.Minute)
	c.Set("k", "v1", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	// 逻辑过期但未物理删除：Add 依然失败，需要先 Delete
	assert.False(t, c.Add("k", "v2", NeverExpire))
	assert.True(t, c.Delete("k"))
	assert.True(t, c.Add("k", "v2", NeverExpire))
}

func TestExpiry(t *testing.T) {
	t.Parallel()

	c := New(100, time.Minute)
	c.Set("k", "v", 50*time.Millisecond)

	assert.True(t, c.Has("k"))
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	time.Sleep(80 * time.Millisecond)

	assert.False(t, c.Has("k"))
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	t.Parallel()

	c := New(100, 10*time.Millisecond)
	c.Set("k", "v", NeverExpire)
	time.Sleep(30 * time.Millisecond)

	assert.True(t, c.Has("k"))
}

func TestDefaultTimeout(t *testing.T) {
	t.Parallel()

	c := New(100, 20*time.Millisecond)
	c.Set("k", "v", UseDefault)
	assert.True(t, c.Has("k"))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.Has("k"))
}

func TestDelete(t *testing.T) {
	t.Parallel()

	c := New(100, time.Minute)
	assert.False(t, c.Delete("k"))
	c.Set("k", "v", NeverExpire)
	assert.True(t, c.Delete("k"))
	assert.False(t, c.Has("k"))
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	c := New(100, time.Minute)
	c.Set("keep", "v", NeverExpire)
	c.Set("gone", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 2, c.Len())
	c.Cleanup()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Has("keep"))
}

func TestPrune_BoundsGrowth(t *testing.T) {
	t.Parallel()

	c := New(10, time.Minute)
	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, NeverExpire)
	}

	// 每次超过阈值的写入都会回收约 1/3 条目，总量保持有界
	assert.Less(t, c.Len(), 30)
}

func TestPrune_RemovesExpiredFirst(t *testing.T) {
	t.Parallel()

	c := New(5, time.Minute)
	for i := 0; i < 6; i++ {
		c.Set(fmt.Sprintf("old%d", i), i, 5*time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	// 超过阈值的写入触发回收，清掉全部过期条目
	c.Set("fresh", "v", NeverExpire)
	assert.True(t, c.Has("fresh"))
	for i := 0; i < 6; i++ {
		assert.False(t, c.Has(fmt.Sprintf("old%d", i)))
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := New(50, time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%20)
				c.Set(key, g, NeverExpire)
				c.Get(key)
				c.Has(key)
				if i%50 == 0 {
					c.Cleanup()
				}
			}
		}(g)
	}
	wg.Wait()
}
