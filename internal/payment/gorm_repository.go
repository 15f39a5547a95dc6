// internal/payment/gorm_repository.go
package payment

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// PaymentModel 对应数据库中的 payments 表。
// order_id 上的唯一索引在存储层兜底"一个订单至多一张支付单"。
type PaymentModel struct {
	ID                    string `gorm:"primaryKey;size:36"`
	OrderID               string `gorm:"size:36;uniqueIndex"`
	Status                string `gorm:"size:16"`
	Amount                int64
	ProviderTransactionID string `gorm:"size:64;index"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (PaymentModel) TableName() string { return "payments" }

// GormRepository 是 Repository 的 MySQL/GORM 实现。
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (g *GormRepository) AutoMigrate() error {
	return g.db.AutoMigrate(&PaymentModel{})
}

func (g *GormRepository) Create(ctx context.Context, p *Payment) error {
	return g.db.WithContext(ctx).Create(&PaymentModel{
		ID:                    p.ID,
		OrderID:               p.OrderID,
		Status:                string(p.Status),
		Amount:                p.Amount,
		ProviderTransactionID: p.ProviderTransactionID,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}).Error
}

func (g *GormRepository) Get(ctx context.Context, id string) (*Payment, error) {
	var model PaymentModel
	err := g.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return modelToDomain(&model), nil
}

func (g *GormRepository) GetByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	var model PaymentModel
	err := g.db.WithContext(ctx).Where("order_id = ?", orderID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return modelToDomain(&model), nil
}

func (g *GormRepository) UpdateStatus(ctx context.Context, id string, status Status, providerTxID string) error {
	update := map[string]interface{}{
		"status":     string(status),
		"updated_at": time.Now(),
	}
	if providerTxID != "" {
		update["provider_transaction_id"] = providerTxID
	}
	res := g.db.WithContext(ctx).Model(&PaymentModel{}).Where("id = ?", id).Updates(update)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func modelToDomain(m *PaymentModel) *Payment {
	return &Payment{
		ID:                    m.ID,
		OrderID:               m.OrderID,
		Status:                Status(m.Status),
		Amount:                m.Amount,
		ProviderTransactionID: m.ProviderTransactionID,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}
