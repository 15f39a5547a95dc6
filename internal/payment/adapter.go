// internal/payment/adapter.go
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ProviderClient 是对外部支付方的出站端口。
type ProviderClient interface {
	// CreateCharge 发起一笔扣款，返回支付方侧的引用号。
	// 扣款结果之后通过 webhook 异步送达。
	CreateCharge(ctx context.Context, paymentID, orderID string, amount int64) (string, error)
	// RefundCharge 对一笔已成功的交易发起退款。
	RefundCharge(ctx context.Context, providerTxID string, amount int64) error
}

// Adapter 负责发起支付、归一化支付方 webhook。
type Adapter struct {
	repo     Repository
	provider ProviderClient
	secret   []byte
	tracer   trace.Tracer
}

func NewAdapter(repo Repository, provider ProviderClient, webhookSecret string, tracer trace.Tracer) *Adapter {
	return &Adapter{
		repo:     repo,
		provider: provider,
		secret:   []byte(webhookSecret),
		tracer:   tracer,
	}
}

// Initiate 为订单创建 PENDING 支付单并向支付方发起扣款。
// 一个订单至多一张支付单：已存在时直接返回已有支付单（幂等）。
func (a *Adapter) Initiate(ctx context.Context, orderID string, amount int64) (*Payment, error) {
	ctx, span := a.tracer.Start(ctx, "payment.Initiate")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.Int64("amount", amount),
	)

	if existing, err := a.repo.GetByOrderID(ctx, orderID); err == nil {
		span.AddEvent("payment already initiated for order, returning existing")
		return existing, nil
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}

	now := time.Now()
	p := &Payment{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		Status:    StatusPending,
		Amount:    amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.repo.Create(ctx, p); err != nil {
		return nil, errors.Wrap(err, "persist payment")
	}

	providerRef, err := a.provider.CreateCharge(ctx, p.ID, orderID, amount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider charge failed")
		// 扣款请求都没发出去：支付单立即置为 FAILED
		_ = a.repo.UpdateStatus(ctx, p.ID, StatusFailed, "")
		return nil, errors.Wrap(err, "initiate charge")
	}
	if providerRef != "" {
		_ = a.repo.UpdateStatus(ctx, p.ID, StatusPending, providerRef)
		p.ProviderTransactionID = providerRef
	}
	return p, nil
}

// webhookPayload 是支付方 webhook 的线上格式。
type webhookPayload struct {
	PaymentID             string `json:"payment_id"`
	OrderID               string `json:"order_id"`
	Status                string `json:"status"`
	ProviderTransactionID string `json:"provider_transaction_id"`
}

// VerifyAndDecode 校验 webhook 签名并归一化为内部事件。
// 签名是对原始 body 的 HMAC-SHA256（十六进制）。校验失败即拒绝，
// 不改任何状态，由支付方负责重投。
func (a *Adapter) VerifyAndDecode(raw []byte, signature string) (*Event, error) {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, ErrBadSignature
	}

	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(err, "decode webhook payload")
	}
	if payload.ProviderTransactionID == "" || payload.PaymentID == "" {
		return nil, errors.New("payment: webhook missing payment_id or provider_transaction_id")
	}

	status, err := normalizeStatus(payload.Status)
	if err != nil {
		return nil, err
	}
	return &Event{
		PaymentID:             payload.PaymentID,
		OrderID:               payload.OrderID,
		Status:                status,
		ProviderTransactionID: payload.ProviderTransactionID,
	}, nil
}

// normalizeStatus 把支付方的状态字符串映射到内部状态。
func normalizeStatus(s string) (Status, error) {
	switch s {
	case "succeeded", "success":
		return StatusSuccess, nil
	case "failed":
		return StatusFailed, nil
	case "cancelled", "canceled":
		return StatusCancelled, nil
	default:
		return "", errors.Errorf("payment: unknown provider status %q", s)
	}
}

// Apply 把归一化事件写到支付单上。
// 未知的 paymentId 返回 ErrPaymentNotFound，调用方记日志后丢弃——
// 绝不为 Saga 不认识的订单凭空造状态。
func (a *Adapter) Apply(ctx context.Context, ev *Event) (*Payment, error) {
	p, err := a.repo.Get(ctx, ev.PaymentID)
	if err != nil {
		return nil, err
	}
	if err := a.repo.UpdateStatus(ctx, p.ID, ev.Status, ev.ProviderTransactionID); err != nil {
		return nil, err
	}
	p.Status = ev.Status
	p.ProviderTransactionID = ev.ProviderTransactionID
	return p, nil
}

// Refund 对已成功的支付发起退款并把支付单置为 REFUNDED。
func (a *Adapter) Refund(ctx context.Context, orderID string) (*Payment, error) {
	ctx, span := a.tracer.Start(ctx, "payment.Refund")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	p, err := a.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusRefunded {
		span.AddEvent("already refunded, no-op")
		return p, nil
	}
	if p.Status != StatusSuccess {
		return nil, ErrNotRefundable
	}

	if err := a.provider.RefundCharge(ctx, p.ProviderTransactionID, p.Amount); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider refund failed")
		return nil, errors.Wrap(err, "refund charge")
	}
	if err := a.repo.UpdateStatus(ctx, p.ID, StatusRefunded, ""); err != nil {
		return nil, err
	}
	p.Status = StatusRefunded
	return p, nil
}

// Sign 用配置的密钥为 body 计算签名。测试与本地联调用。
func (a *Adapter) Sign(raw []byte) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
