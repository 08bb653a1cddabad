package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/teslagrant/internal/api/tesla"
	"github.com/langchou/teslagrant/internal/models"
	"github.com/langchou/teslagrant/internal/store"
)

// DefaultCleanupBatchSize 过期清理的单批删除上限
const DefaultCleanupBatchSize = 500

// GrantRepository 授权记录仓库，实现 store.Backend
type GrantRepository struct {
	db        *DB
	batchSize int
}

// NewGrantRepository 创建授权仓库
func NewGrantRepository(db *DB, batchSize int) *GrantRepository {
	if batchSize <= 0 {
		batchSize = DefaultCleanupBatchSize
	}
	return &GrantRepository{db: db, batchSize: batchSize}
}

// Add 写入授权记录
func (r *GrantRepository) Add(ctx context.Context, id string, grant *models.Grant) error {
	token, err := json.Marshal(grant.Token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	query := `
		INSERT INTO grants (id, token, vehicle_id, begins_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.db.Pool.Exec(ctx, query, id, token, grant.VehicleID, grant.BeginsAt, grant.ExpiresAt); err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

// Get 读取授权记录，不存在返回 store.ErrNotFound
func (r *GrantRepository) Get(ctx context.Context, id string) (*models.Grant, error) {
	query := `
		SELECT id, token, vehicle_id, begins_at, expires_at
		FROM grants WHERE id = $1
	`
	grant := &models.Grant{}
	var token []byte
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&grant.ID,
		&token,
		&grant.VehicleID,
		&grant.BeginsAt,
		&grant.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}

	var tok tesla.Token
	if err := json.Unmarshal(token, &tok); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	grant.Token = tok
	return grant, nil
}

// Delete 删除授权记录，返回是否确有记录被删除
func (r *GrantRepository) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM grants WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete grant: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cleanup 分批删除过期记录，返回删除总数
// 批量上限是为了尊重后端写入配额；中途取消是安全的，下次触发会继续
func (r *GrantRepository) Cleanup(ctx context.Context, now int64) (int, error) {
	query := `
		DELETE FROM grants
		WHERE id IN (
			SELECT id FROM grants WHERE expires_at <= $1 LIMIT $2
		)
	`
	total := 0
	for {
		tag, err := r.db.Pool.Exec(ctx, query, now, r.batchSize)
		if err != nil {
			return total, fmt.Errorf("cleanup batch: %w", err)
		}
		removed := int(tag.RowsAffected())
		total += removed
		if removed < r.batchSize {
			return total, nil
		}
	}
}
