// internal/order/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"orderflow/internal/order/domain"
)

// OrderModel 对应数据库中的 orders 表。
// 行项目和状态历史以 JSON 存储：订单永远作为一个聚合被整体读写，
// 历史只追加不回查单条。
type OrderModel struct {
	ID            string `gorm:"primaryKey;size:36"`
	UserID        string `gorm:"size:36;index"`
	State         string `gorm:"size:16;index"`
	Items         string `gorm:"type:text"`
	TotalAmount   int64
	ReservationID string `gorm:"size:36"`
	PaymentID     string `gorm:"size:36"`
	History       string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (OrderModel) TableName() string { return "orders" }

// GormOrderRepository 是订单仓储的 MySQL/GORM 实现。
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

func (g *GormOrderRepository) AutoMigrate() error {
	return g.db.AutoMigrate(&OrderModel{})
}

// Save 以 upsert 整存聚合。Saga 的调用方顺序保证了这里不需要乐观锁：
// 同一订单的状态推进要么在同步的下单流程里，要么在去过重的回调里。
func (g *GormOrderRepository) Save(ctx context.Context, order *domain.Order) error {
	model, err := toModel(order)
	if err != nil {
		return err
	}
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "items", "reservation_id", "payment_id", "history", "updated_at"}),
		}).
		Create(model).Error
}

func (g *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	err := g.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return toOrder(&model)
}

func toModel(o *domain.Order) (*OrderModel, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return nil, err
	}
	history, err := json.Marshal(o.History)
	if err != nil {
		return nil, err
	}
	return &OrderModel{
		ID:            o.ID,
		UserID:        o.UserID,
		State:         string(o.State),
		Items:         string(items),
		TotalAmount:   o.TotalAmount,
		ReservationID: o.ReservationID,
		PaymentID:     o.PaymentID,
		History:       string(history),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}, nil
}

func toOrder(m *OrderModel) (*domain.Order, error) {
	var items []domain.Item
	if err := json.Unmarshal([]byte(m.Items), &items); err != nil {
		return nil, err
	}
	var history []domain.StatusChange
	if err := json.Unmarshal([]byte(m.History), &history); err != nil {
		return nil, err
	}
	o := &domain.Order{
		ID:            m.ID,
		UserID:        m.UserID,
		State:         domain.State(m.State),
		Items:         items,
		TotalAmount:   m.TotalAmount,
		ReservationID: m.ReservationID,
		PaymentID:     m.PaymentID,
		History:       history,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	return o, nil
}
