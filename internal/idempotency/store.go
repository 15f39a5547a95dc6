// internal/idempotency/store.go
package idempotency

import (
	"context"
	"time"
)

// Store 是按幂等键记录"已处理过的请求及其结果"的持久层。
// 预占协调器和订单 Saga 在语义上共享它（存储互相隔离，用 key 前缀区分）。
type Store interface {
	// Lookup 查询 key 是否已处理，若是则返回当时记录的结果。
	Lookup(ctx context.Context, key string) (outcome []byte, found bool, err error)

	// Remember 原子地记录 key 的处理结果。
	// 如果 key 已存在（并发的重复请求赢了），返回已有结果和 stored=false，
	// 调用方必须丢弃本次计算、采纳返回的结果。
	Remember(ctx context.Context, key string, outcome []byte) (existing []byte, stored bool, err error)

	// Claim 声明对 key 的独占处理权（SETNX 语义）。
	// 重复投递的 webhook 在这里被吸收：第二次 Claim 返回 false。
	Claim(ctx context.Context, key string) (bool, error)

	// Release 撤销 Claim。只在处理失败、希望让重投成功时调用。
	Release(ctx context.Context, key string) error
}

// DefaultTTL 是幂等记录的保留时长。
// 需要覆盖支付方的最长重试窗口，宁可偏长。
const DefaultTTL = 48 * time.Hour
