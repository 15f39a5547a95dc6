// internal/reservation/repository.go
package reservation

import (
	"context"
	"time"
)

// Repository 是预占记录的持久化接口。
type Repository interface {
	Create(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id string) (*Reservation, error)

	// FinishHeld 原子地把还处于 HELD 的预占置为终态 to。
	// 返回 false 表示预占已不在 HELD（别的路径先到了）。
	// 超时清扫与迟到回调的竞争就靠这一步裁决。
	FinishHeld(ctx context.Context, id string, to Status) (bool, error)

	// FindExpired 返回截至 now 已超时、仍为 HELD 的预占。
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)
}
