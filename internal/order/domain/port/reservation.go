// internal/order/domain/port/reservation.go
package port

import (
	"context"

	"orderflow/internal/reservation"
)

// ReservationService 是 Saga 对预占协调器的出站端口。
// 进程内直接由 reservation.Coordinator 满足；
// 换成内部 RPC 时契约不变。
type ReservationService interface {
	Reserve(ctx context.Context, orderID, idempotencyKey string, lines []reservation.Line) (*reservation.Reservation, error)
	Commit(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
}
