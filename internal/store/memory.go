package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/langchou/teslagrant/internal/models"
)

// Memory 内存持久化后端
// 仅用于本地测试和 SKIP_DATABASE_CONNECTION 模式，进程重启后数据全部丢失
type Memory struct {
	mu     sync.RWMutex
	grants map[string]*models.Grant
}

// NewMemory 创建内存后端
func NewMemory(logger *zap.Logger) *Memory {
	logger.Warn("Using memory backend - all data will be lost on restart!")
	return &Memory{
		grants: make(map[string]*models.Grant),
	}
}

// Add 写入授权记录
func (m *Memory) Add(_ context.Context, id string, grant *models.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[id] = grant
	return nil
}

// Get 读取授权记录
func (m *Memory) Get(_ context.Context, id string) (*models.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	grant, ok := m.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return grant, nil
}

// Delete 删除授权记录
func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.grants[id]; !ok {
		return false, nil
	}
	delete(m.grants, id)
	return true, nil
}

// Cleanup 删除所有已过期的授权记录
func (m *Memory) Cleanup(_ context.Context, now int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for id, grant := range m.grants {
		if grant.ExpiresAt <= now {
			delete(m.grants, id)
			count++
		}
	}
	return count, nil
}
