// internal/inventory/gorm.go
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InventoryRecordModel 对应数据库中的 inventory_records 表
type InventoryRecordModel struct {
	ProductID         string `gorm:"primaryKey;size:64"`
	AvailableQuantity int64
	ReservedQuantity  int64
	Version           int64
	UpdatedAt         time.Time
}

func (InventoryRecordModel) TableName() string { return "inventory_records" }

// InventoryTransactionModel 对应数据库中的 inventory_transactions 表。
// 只允许 INSERT，永不 UPDATE/DELETE。
type InventoryTransactionModel struct {
	ID             string `gorm:"primaryKey;size:36"`
	ProductID      string `gorm:"size:64;index"`
	Type           string `gorm:"size:16"`
	QuantityChange int64
	ReferenceID    string `gorm:"size:64;index"`
	CreatedAt      time.Time
}

func (InventoryTransactionModel) TableName() string { return "inventory_transactions" }

// GormLedger 是 Ledger 的 MySQL/GORM 实现。
// CAS 通过带版本条件的单条 UPDATE 实现，流水在同一个数据库事务里追加。
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// AutoMigrate 建表。只在开发/测试环境调用，生产用迁移脚本。
func (g *GormLedger) AutoMigrate() error {
	return g.db.AutoMigrate(&InventoryRecordModel{}, &InventoryTransactionModel{})
}

func (g *GormLedger) GetStock(ctx context.Context, productID string) (StockView, error) {
	var model InventoryRecordModel
	err := g.db.WithContext(ctx).Where("product_id = ?", productID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StockView{}, ErrProductNotFound
		}
		return StockView{}, err
	}
	return StockView{
		ProductID: model.ProductID,
		Available: model.AvailableQuantity,
		Reserved:  model.ReservedQuantity,
		Version:   model.Version,
		UpdatedAt: model.UpdatedAt,
	}, nil
}

func (g *GormLedger) ApplyDelta(ctx context.Context, d Delta) (int64, error) {
	newVersion := d.ExpectedVersion + 1

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 单条 UPDATE 同时承担三件事：版本比较、非负约束、增量应用。
		// WHERE 里的非负条件让"会变负"的更新直接落空，随后再区分原因。
		res := tx.Model(&InventoryRecordModel{}).
			Where("product_id = ? AND version = ?", d.ProductID, d.ExpectedVersion).
			Where("available_quantity + ? >= 0 AND reserved_quantity + ? >= 0", d.AvailableDelta, d.ReservedDelta).
			Updates(map[string]interface{}{
				"available_quantity": gorm.Expr("available_quantity + ?", d.AvailableDelta),
				"reserved_quantity":  gorm.Expr("reserved_quantity + ?", d.ReservedDelta),
				"version":            newVersion,
				"updated_at":         time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 更新落空：重读一次区分 不存在 / 版本冲突 / 库存不足
			var cur InventoryRecordModel
			if err := tx.Where("product_id = ?", d.ProductID).First(&cur).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrProductNotFound
				}
				return err
			}
			if cur.Version != d.ExpectedVersion {
				return &ConflictError{
					ProductID:       d.ProductID,
					ExpectedVersion: d.ExpectedVersion,
					ActualVersion:   cur.Version,
				}
			}
			return &InsufficientStockError{
				ProductID: d.ProductID,
				Requested: -d.AvailableDelta,
				Available: cur.AvailableQuantity,
			}
		}

		return tx.Create(&InventoryTransactionModel{
			ID:             uuid.New().String(),
			ProductID:      d.ProductID,
			Type:           string(d.Type),
			QuantityChange: d.AvailableDelta,
			ReferenceID:    d.ReferenceID,
			CreatedAt:      time.Now(),
		}).Error
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (g *GormLedger) Restock(ctx context.Context, productID string, quantity int64, referenceID string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 首次铺货时插入一行零库存记录，随后统一走增量路径
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&InventoryRecordModel{
			ProductID: productID,
			Version:   0,
			UpdatedAt: time.Now(),
		}).Error; err != nil {
			return err
		}

		res := tx.Model(&InventoryRecordModel{}).
			Where("product_id = ?", productID).
			Updates(map[string]interface{}{
				"available_quantity": gorm.Expr("available_quantity + ?", quantity),
				"version":            gorm.Expr("version + 1"),
				"updated_at":         time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}

		return tx.Create(&InventoryTransactionModel{
			ID:             uuid.New().String(),
			ProductID:      productID,
			Type:           string(TxRestock),
			QuantityChange: quantity,
			ReferenceID:    referenceID,
			CreatedAt:      time.Now(),
		}).Error
	})
}

func (g *GormLedger) Adjust(ctx context.Context, productID string, delta int64, referenceID string) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&InventoryRecordModel{}).
			Where("product_id = ? AND available_quantity + ? >= 0", productID, delta).
			Updates(map[string]interface{}{
				"available_quantity": gorm.Expr("available_quantity + ?", delta),
				"version":            gorm.Expr("version + 1"),
				"updated_at":         time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var cur InventoryRecordModel
			if err := tx.Where("product_id = ?", productID).First(&cur).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrProductNotFound
				}
				return err
			}
			return &InsufficientStockError{
				ProductID: productID,
				Requested: -delta,
				Available: cur.AvailableQuantity,
			}
		}

		return tx.Create(&InventoryTransactionModel{
			ID:             uuid.New().String(),
			ProductID:      productID,
			Type:           string(TxAdjustment),
			QuantityChange: delta,
			ReferenceID:    referenceID,
			CreatedAt:      time.Now(),
		}).Error
	})
}

func (g *GormLedger) Transactions(ctx context.Context, productID string) ([]Transaction, error) {
	var models []InventoryTransactionModel
	err := g.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("created_at asc").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(models))
	for _, m := range models {
		out = append(out, Transaction{
			ID:             m.ID,
			ProductID:      m.ProductID,
			Type:           TransactionType(m.Type),
			QuantityChange: m.QuantityChange,
			ReferenceID:    m.ReferenceID,
			CreatedAt:      m.CreatedAt,
		})
	}
	return out, nil
}
