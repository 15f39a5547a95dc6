// internal/inventory/memory.go
package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger 是 Ledger 的进程内实现。
// 用于单元测试和本地开发，语义与 GormLedger 完全一致。
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	txLog   map[string][]Transaction
}

type memoryRecord struct {
	available int64
	reserved  int64
	version   int64
	updatedAt time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*memoryRecord),
		txLog:   make(map[string][]Transaction),
	}
}

func (m *MemoryLedger) GetStock(_ context.Context, productID string) (StockView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[productID]
	if !ok {
		return StockView{}, ErrProductNotFound
	}
	return StockView{
		ProductID: productID,
		Available: rec.available,
		Reserved:  rec.reserved,
		Version:   rec.version,
		UpdatedAt: rec.updatedAt,
	}, nil
}

func (m *MemoryLedger) ApplyDelta(_ context.Context, d Delta) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[d.ProductID]
	if !ok {
		return 0, ErrProductNotFound
	}
	if rec.version != d.ExpectedVersion {
		return 0, &ConflictError{
			ProductID:       d.ProductID,
			ExpectedVersion: d.ExpectedVersion,
			ActualVersion:   rec.version,
		}
	}
	newAvailable := rec.available + d.AvailableDelta
	newReserved := rec.reserved + d.ReservedDelta
	if newAvailable < 0 || newReserved < 0 {
		return 0, &InsufficientStockError{
			ProductID: d.ProductID,
			Requested: -d.AvailableDelta,
			Available: rec.available,
		}
	}

	rec.available = newAvailable
	rec.reserved = newReserved
	rec.version++
	rec.updatedAt = time.Now()

	m.txLog[d.ProductID] = append(m.txLog[d.ProductID], Transaction{
		ID:             uuid.New().String(),
		ProductID:      d.ProductID,
		Type:           d.Type,
		QuantityChange: d.AvailableDelta,
		ReferenceID:    d.ReferenceID,
		CreatedAt:      rec.updatedAt,
	})
	return rec.version, nil
}

func (m *MemoryLedger) Restock(_ context.Context, productID string, quantity int64, referenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, ok := m.records[productID]
	if !ok {
		rec = &memoryRecord{updatedAt: now}
		m.records[productID] = rec
	}
	rec.available += quantity
	rec.version++
	rec.updatedAt = now

	m.txLog[productID] = append(m.txLog[productID], Transaction{
		ID:             uuid.New().String(),
		ProductID:      productID,
		Type:           TxRestock,
		QuantityChange: quantity,
		ReferenceID:    referenceID,
		CreatedAt:      now,
	})
	return nil
}

func (m *MemoryLedger) Adjust(_ context.Context, productID string, delta int64, referenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[productID]
	if !ok {
		return ErrProductNotFound
	}
	if rec.available+delta < 0 {
		return &InsufficientStockError{ProductID: productID, Requested: -delta, Available: rec.available}
	}

	now := time.Now()
	rec.available += delta
	rec.version++
	rec.updatedAt = now

	m.txLog[productID] = append(m.txLog[productID], Transaction{
		ID:             uuid.New().String(),
		ProductID:      productID,
		Type:           TxAdjustment,
		QuantityChange: delta,
		ReferenceID:    referenceID,
		CreatedAt:      now,
	})
	return nil
}

func (m *MemoryLedger) Transactions(_ context.Context, productID string) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Transaction, len(m.txLog[productID]))
	copy(out, m.txLog[productID])
	return out, nil
}
