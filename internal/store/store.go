package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/teslagrant/internal/cache"
	"github.com/langchou/teslagrant/internal/models"
)

// ErrNotFound 记录不存在
// 与存储后端故障严格区分：后端故障原样向上传播，不得伪装成 not found
var ErrNotFound = errors.New("grant not found")

// Backend 持久化后端
// 生产环境为 Postgres，测试/无库模式为内存实现
type Backend interface {
	Add(ctx context.Context, id string, grant *models.Grant) error
	Get(ctx context.Context, id string) (*models.Grant, error)
	Delete(ctx context.Context, id string) (bool, error)
	Cleanup(ctx context.Context, now int64) (int, error)
}

// Options 存储层配置
type Options struct {
	CacheThreshold int           // 缓存容量阈值
	CacheTimeout   time.Duration // 缓存条目超时
	CacheMiss      bool          // 是否对未命中做负缓存
}

// DefaultOptions 生产默认值
func DefaultOptions() Options {
	return Options{
		CacheThreshold: 1000,
		CacheTimeout:   300 * time.Second,
		CacheMiss:      true,
	}
}

// Store 授权记录存储
// 持久化后端是唯一事实来源，缓存只是读路径的影子；
// 缓存锁只包住内存操作，绝不跨后端 I/O 持有
type Store struct {
	logger    *zap.Logger
	backend   Backend
	cache     *cache.Cache
	cacheMiss bool
}

// New 创建存储层
func New(logger *zap.Logger, backend Backend, opts Options) *Store {
	return &Store{
		logger:    logger,
		backend:   backend,
		cache:     cache.New(opts.CacheThreshold, opts.CacheTimeout),
		cacheMiss: opts.CacheMiss,
	}
}

// Add 写入授权记录：先落持久化存储，成功后再预热缓存（write-through）
// 持久化写入失败原样返回错误，不写缓存
func (s *Store) Add(ctx context.Context, id string, grant *models.Grant) error {
	if grant.BeginsAt >= grant.ExpiresAt {
		return fmt.Errorf("invalid access window: begins_at %d >= expires_at %d", grant.BeginsAt, grant.ExpiresAt)
	}
	if err := s.backend.Add(ctx, id, grant); err != nil {
		return fmt.Errorf("add grant: %w", err)
	}
	// 负缓存条目会挡住 Add，先清掉
	s.cache.Delete(id)
	s.cache.Add(id, grant, cache.UseDefault)
	return nil
}

// Get 查询授权记录
// 缓存命中（含负缓存命中）直接返回；未命中读后端并回填
func (s *Store) Get(ctx context.Context, id string) (*models.Grant, error) {
	if v, ok := s.cache.Get(id); ok {
		grant := v.(*models.Grant)
		if grant == nil {
			// 负缓存：已确认不存在
			return nil, ErrNotFound
		}
		return grant, nil
	}

	grant, err := s.backend.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		if s.cacheMiss {
			s.cache.Add(id, (*models.Grant)(nil), cache.UseDefault)
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}

	s.cache.Add(id, grant, cache.UseDefault)
	return grant, nil
}

// Delete 删除授权记录并逐出缓存，返回持久化存储里是否确有记录
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	existed, err := s.backend.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	s.cache.Delete(id)
	return existed, nil
}

// Cleanup 清除持久化存储中已过期的记录，然后清扫本地缓存
// 由外部定时触发，不在请求热路径上；可与正常流量并发运行
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	start := time.Now()
	count, err := s.backend.Cleanup(ctx, start.Unix())
	if err != nil {
		return count, fmt.Errorf("cleanup grants: %w", err)
	}
	s.cache.Cleanup()

	s.logger.Info("Cleaned up expired grants",
		zap.Int("removed", count),
		zap.Duration("elapsed", time.Since(start)))
	return count, nil
}
