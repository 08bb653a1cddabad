package models

import (
	"github.com/langchou/teslagrant/internal/api/tesla"
)

// Grant 授权记录
// 以随机 UUID 为键，创建后字段不可变，只有插入/删除两种状态变化
type Grant struct {
	ID        string      `json:"-"`
	Token     tesla.Token `json:"token"`
	VehicleID string      `json:"vehicle_id"`
	BeginsAt  int64       `json:"begins_at"`
	ExpiresAt int64       `json:"expires_at"`
}

// Active 判断授权在 now 时刻是否处于访问窗口内
func (g *Grant) Active(now int64) bool {
	return now >= g.BeginsAt && now <= g.ExpiresAt
}

// Expired 判断授权在 now 时刻是否已过期
func (g *Grant) Expired(now int64) bool {
	return now > g.ExpiresAt
}
