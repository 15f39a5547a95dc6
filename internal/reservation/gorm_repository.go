// internal/reservation/gorm_repository.go
package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ReservationModel 对应数据库中的 reservations 表。
// 行项目以 JSON 存储：预占永远作为一个整体被读写，不需要按条目查询。
type ReservationModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	OrderID   string `gorm:"size:36;index"`
	Lines     string `gorm:"type:text"`
	Status    string `gorm:"size:16;index:idx_status_expires"`
	ExpiresAt time.Time `gorm:"index:idx_status_expires"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ReservationModel) TableName() string { return "reservations" }

// GormRepository 是 Repository 的 MySQL/GORM 实现。
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (g *GormRepository) AutoMigrate() error {
	return g.db.AutoMigrate(&ReservationModel{})
}

func (g *GormRepository) Create(ctx context.Context, r *Reservation) error {
	lines, err := json.Marshal(r.Lines)
	if err != nil {
		return err
	}
	return g.db.WithContext(ctx).Create(&ReservationModel{
		ID:        r.ID,
		OrderID:   r.OrderID,
		Lines:     string(lines),
		Status:    string(r.Status),
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}).Error
}

func (g *GormRepository) Get(ctx context.Context, id string) (*Reservation, error) {
	var model ReservationModel
	err := g.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return toDomain(&model)
}

// FinishHeld 用条件 UPDATE 实现终态的原子认领。
func (g *GormRepository) FinishHeld(ctx context.Context, id string, to Status) (bool, error) {
	res := g.db.WithContext(ctx).Model(&ReservationModel{}).
		Where("id = ? AND status = ?", id, string(StatusHeld)).
		Updates(map[string]interface{}{
			"status":     string(to),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		// 区分不存在与已终态
		var count int64
		if err := g.db.WithContext(ctx).Model(&ReservationModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return false, err
		}
		if count == 0 {
			return false, ErrReservationNotFound
		}
		return false, nil
	}
	return true, nil
}

func (g *GormRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*Reservation, error) {
	var models []ReservationModel
	q := g.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", string(StatusHeld), now).
		Order("expires_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*Reservation, 0, len(models))
	for i := range models {
		r, err := toDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func toDomain(m *ReservationModel) (*Reservation, error) {
	var lines []Line
	if err := json.Unmarshal([]byte(m.Lines), &lines); err != nil {
		return nil, err
	}
	return &Reservation{
		ID:        m.ID,
		OrderID:   m.OrderID,
		Lines:     lines,
		Status:    Status(m.Status),
		ExpiresAt: m.ExpiresAt,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}
