// internal/order/application/service_test.go
package application_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"orderflow/internal/idempotency"
	"orderflow/internal/inventory"
	"orderflow/internal/order/application"
	"orderflow/internal/order/domain"
	"orderflow/internal/order/domain/port"
	"orderflow/internal/order/infrastructure"
	"orderflow/internal/payment"
	"orderflow/internal/policy"
	"orderflow/internal/reservation"
)

// ---- 测试替身 ----

type fakeProvider struct {
	mu          sync.Mutex
	failCharge  bool
	chargeCalls int
	refundCalls int
}

func (f *fakeProvider) CreateCharge(_ context.Context, paymentID, _ string, _ int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chargeCalls++
	if f.failCharge {
		return "", errors.New("provider unavailable")
	}
	return "ptx-" + paymentID, nil
}

func (f *fakeProvider) RefundCharge(_ context.Context, _ string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	return nil
}

func (f *fakeProvider) refunds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refundCalls
}

type fakeCatalog struct {
	mu       sync.Mutex
	products map[string]port.CatalogProduct
}

func (f *fakeCatalog) GetProduct(_ context.Context, productID string) (*port.CatalogProduct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[productID]
	if !ok {
		return nil, errors.Errorf("product %s not in catalog", productID)
	}
	return &p, nil
}

func (f *fakeCatalog) setPrice(productID string, price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.products[productID]
	p.Price = price
	f.products[productID] = p
}

type fakeCart struct {
	lines []port.CartLine
}

func (f *fakeCart) GetCheckoutLines(_ context.Context, _ string) ([]port.CartLine, error) {
	return f.lines, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*domain.OrderEvent
}

func (f *fakePublisher) Publish(_ context.Context, ev *domain.OrderEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) types() []domain.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EventType, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

// flakyReservations 包装真正的协调器，让 Commit 先瞬时失败指定次数，
// 用于模拟存储抖动下的回调重投。
type flakyReservations struct {
	port.ReservationService
	mu          sync.Mutex
	commitFails int
}

func (f *flakyReservations) Commit(ctx context.Context, reservationID string) error {
	f.mu.Lock()
	if f.commitFails > 0 {
		f.commitFails--
		f.mu.Unlock()
		return errors.New("transient store failure")
	}
	f.mu.Unlock()
	return f.ReservationService.Commit(ctx, reservationID)
}

// ---- 测试环境 ----

type env struct {
	svc      *application.Service
	ledger   *inventory.MemoryLedger
	repo     *infrastructure.MemoryOrderRepository
	resRepo  *reservation.MemoryRepository
	coord    *reservation.Coordinator
	payRepo  *payment.MemoryRepository
	provider *fakeProvider
	catalog  *fakeCatalog
	pub      *fakePublisher
}

func newEnv(t *testing.T, holdTTL time.Duration, policyExpr string) *env {
	t.Helper()
	return newEnvWrapped(t, holdTTL, policyExpr, nil)
}

// newEnvWrapped 允许在协调器外再包一层（注入故障等）。
func newEnvWrapped(t *testing.T, holdTTL time.Duration, policyExpr string, wrap func(port.ReservationService) port.ReservationService) *env {
	t.Helper()
	tracer := otel.Tracer("test")

	ledger := inventory.NewMemoryLedger()
	resRepo := reservation.NewMemoryRepository()
	idem := idempotency.NewMemoryStore()
	coord := reservation.NewCoordinator(ledger, resRepo, idem, tracer, 5, time.Millisecond, holdTTL)

	payRepo := payment.NewMemoryRepository()
	provider := &fakeProvider{}
	payAdapter := payment.NewAdapter(payRepo, provider, "test-secret", tracer)

	pol, err := policy.Compile(policyExpr)
	require.NoError(t, err)

	repo := infrastructure.NewMemoryOrderRepository()
	catalog := &fakeCatalog{products: map[string]port.CatalogProduct{
		"p1": {ProductID: "p1", Name: "Widget", Price: 1000},
		"p2": {ProductID: "p2", Name: "Gadget", Price: 500},
	}}
	pub := &fakePublisher{}

	var reservations port.ReservationService = coord
	if wrap != nil {
		reservations = wrap(coord)
	}
	svc := application.NewService(repo, catalog, &fakeCart{}, reservations, payAdapter, pub, ledger, idem, pol, tracer)
	return &env{
		svc:      svc,
		ledger:   ledger,
		repo:     repo,
		resRepo:  resRepo,
		coord:    coord,
		payRepo:  payRepo,
		provider: provider,
		catalog:  catalog,
		pub:      pub,
	}
}

func (e *env) restock(t *testing.T, productID string, qty int64) {
	t.Helper()
	require.NoError(t, e.ledger.Restock(context.Background(), productID, qty, "seed"))
}

func (e *env) stock(t *testing.T, productID string) inventory.StockView {
	t.Helper()
	view, err := e.ledger.GetStock(context.Background(), productID)
	require.NoError(t, err)
	return view
}

func (e *env) createOrder(t *testing.T, items ...application.OrderLine) *domain.Order {
	t.Helper()
	order, err := e.svc.CreateOrder(context.Background(), &application.CreateOrderRequest{
		UserID: "u1",
		Items:  items,
	})
	require.NoError(t, err)
	return order
}

// successEvent 构造该订单的成功回调事件。
func (e *env) successEvent(t *testing.T, order *domain.Order) *payment.Event {
	t.Helper()
	require.NotEmpty(t, order.PaymentID)
	return &payment.Event{
		PaymentID:             order.PaymentID,
		OrderID:               order.ID,
		Status:                payment.StatusSuccess,
		ProviderTransactionID: "ptx-" + order.PaymentID,
	}
}

// ---- 下单 Saga ----

func TestCreateOrder_ReservesAndAwaitsPayment(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 10)

	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})

	assert.Equal(t, domain.StatePaying, order.State)
	assert.Equal(t, int64(2000), order.TotalAmount)
	assert.NotEmpty(t, order.ReservationID)
	assert.NotEmpty(t, order.PaymentID)

	view := e.stock(t, "p1")
	assert.Equal(t, int64(8), view.Available)
	assert.Equal(t, int64(2), view.Reserved)

	res, err := e.resRepo.Get(context.Background(), order.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusHeld, res.Status)

	p, err := e.payRepo.GetByOrderID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, p.Status)
}

func TestCreateOrder_PriceSnapshotIgnoresLaterCatalogChanges(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 10)

	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})
	require.Equal(t, int64(2000), order.TotalAmount)

	// 目录涨价不影响既有订单
	e.catalog.setPrice("p1", 99999)

	loaded, err := e.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), loaded.TotalAmount)
	assert.Equal(t, int64(1000), loaded.Items[0].UnitPrice)
}

func TestCreateOrder_InsufficientStockCancels(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 1)

	order, err := e.svc.CreateOrder(context.Background(), &application.CreateOrderRequest{
		UserID: "u1",
		Items:  []application.OrderLine{{ProductID: "p1", Quantity: 2}},
	})
	require.Error(t, err)
	var insufficient *inventory.InsufficientStockError
	assert.ErrorAs(t, err, &insufficient)

	loaded, err := e.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, loaded.State)

	view := e.stock(t, "p1")
	assert.Equal(t, int64(1), view.Available)
	assert.Equal(t, int64(0), view.Reserved)

	assert.Contains(t, e.pub.types(), domain.EventOrderCancelled)
}

func TestCreateOrder_MultiLineFailureRollsBackAllLines(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 10)
	e.restock(t, "p2", 0)

	_, err := e.svc.CreateOrder(context.Background(), &application.CreateOrderRequest{
		UserID: "u1",
		Items: []application.OrderLine{
			{ProductID: "p1", Quantity: 3},
			{ProductID: "p2", Quantity: 1},
		},
	})
	require.Error(t, err)

	// 第一行的预占必须被整体回滚
	view := e.stock(t, "p1")
	assert.Equal(t, int64(10), view.Available)
	assert.Equal(t, int64(0), view.Reserved)
}

func TestCreateOrder_PaymentInitFailureCompensatesReservation(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 10)
	e.provider.failCharge = true

	order, err := e.svc.CreateOrder(context.Background(), &application.CreateOrderRequest{
		UserID: "u1",
		Items:  []application.OrderLine{{ProductID: "p1", Quantity: 2}},
	})
	require.Error(t, err)

	loaded, err := e.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, loaded.State)

	// 补偿释放了预占
	view := e.stock(t, "p1")
	assert.Equal(t, int64(10), view.Available)
	assert.Equal(t, int64(0), view.Reserved)

	res, err := e.resRepo.Get(context.Background(), loaded.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusReleased, res.Status)
}

// ---- 支付回调 ----

func TestPaymentSuccess_ConfirmsOrderAndCommitsStock(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 10)
	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})

	require.NoError(t, e.svc.HandlePaymentEvent(context.Background(), e.successEvent(t, order)))

	loaded, err := e.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, loaded.State)

	// 提交后预占量真正离开库存池
	view := e.stock(t, "p1")
	assert.Equal(t, int64(8), view.Available)
	assert.Equal(t, int64(0), view.Reserved)

	res, err := e.resRepo.Get(context.Background(), order.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCommitted, res.Status)

	types := e.pub.types()
	assert.Contains(t, types, domain.EventOrderPaid)
	assert.Contains(t, types, domain.EventOrderConfirmed)
}

func TestPaymentWebhook_DuplicateDeliveriesApplyOnce(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 10)
	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})

	ev := e.successEvent(t, order)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.svc.HandlePaymentEvent(context.Background(), ev))
	}

	loaded, err := e.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, loaded.State)
	// CREATED, RESERVING, RESERVED, PAYING, PAID, CONFIRMED: 重复投递不追加历史
	assert.Len(t, loaded.History, 6)

	view := e.stock(t, "p1")
	assert.Equal(t, int64(8), view.Available)
	assert.Equal(t, int64(0), view.Reserved)
	assert.Zero(t, e.provider.refunds())
}

func TestPaymentWebhook_RedeliveryResumesAfterCommitFailure(t *testing.T) {
	flaky := &flakyReservations{commitFails: 1}
	e := newEnvWrapped(t, 20*time.Minute, "", func(inner port.ReservationService) port.ReservationService {
		flaky.ReservationService = inner
		return flaky
	})
	e.restock(t, "p1", 10)
	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})

	// 第一次投递：订单已到 PAID，提交预占时存储抖动
	ev := e.successEvent(t, order)
	require.Error(t, e.svc.HandlePaymentEvent(context.Background(), ev))

	loaded, err := e.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePaid, loaded.State)
	res, err := e.resRepo.Get(context.Background(), order.ReservationID)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusHeld, res.Status)

	// 失败时声明已撤销，重投必须从 PAID 续跑提交而不是被当成迟到丢弃
	require.NoError(t, e.svc.HandlePaymentEvent(context.Background(), ev))

	loaded, err = e.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateConfirmed, loaded.State)

	res, err = e.resRepo.Get(context.Background(), order.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCommitted, res.Status)

	view := e.stock(t, "p1")
	assert.Equal(t, int64(8), view.Available)
	assert.Equal(t, int64(0), view.Reserved)
	assert.Contains(t, e.pub.types(), domain.EventOrderConfirmed)
}

func TestPaymentFailed_ReleasesStockAndCancels(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 10)
	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})

	ev := e.successEvent(t, order)
	ev.Status = payment.StatusFailed
	require.NoError(t, e.svc.HandlePaymentEvent(context.Background(), ev))

	loaded, err := e.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, loaded.State)

	view := e.stock(t, "p1")
	assert.Equal(t, int64(10), view.Available)
	assert.Equal(t, int64(0), view.Reserved)
}

func TestPaymentWebhook_UnknownPaymentDropped(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 10)
	e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})

	err := e.svc.HandlePaymentEvent(context.Background(), &payment.Event{
		PaymentID:             "no-such-payment",
		OrderID:               "no-such-order",
		Status:                payment.StatusSuccess,
		ProviderTransactionID: "ptx-stranger",
	})
	// 丢弃而不是失败：支付方不应该为此重投
	assert.NoError(t, err)
}

func TestLatePaymentSuccessAfterSweep_AutoRefunds(t *testing.T) {
	e := newEnv(t, 0, "") // holdTTL=0: 预占立刻到期
	e.restock(t, "p1", 10)
	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})

	released, err := e.coord.ExpireDue(context.Background(), time.Now().Add(time.Second), 100)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	// 清扫已把货放回可卖池
	view := e.stock(t, "p1")
	require.Equal(t, int64(10), view.Available)

	// 迟到的成功回调：钱退回去，库存不再动
	require.NoError(t, e.svc.HandlePaymentEvent(context.Background(), e.successEvent(t, order)))

	loaded, err := e.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRefunded, loaded.State)
	assert.Equal(t, 1, e.provider.refunds())

	view = e.stock(t, "p1")
	assert.Equal(t, int64(10), view.Available)
	assert.Equal(t, int64(0), view.Reserved)
	assert.Contains(t, e.pub.types(), domain.EventOrderRefunded)
}

// ---- 取消与退款 ----

func TestCancelOrder_BeforePaymentReleasesStock(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 10)
	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})

	cancelled, err := e.svc.CancelOrder(context.Background(), order.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, cancelled.State)

	view := e.stock(t, "p1")
	assert.Equal(t, int64(10), view.Available)
	assert.Equal(t, int64(0), view.Reserved)

	// 取消赢了回调的赛跑：成功回调迟到，只触发退款
	require.NoError(t, e.svc.HandlePaymentEvent(context.Background(), e.successEvent(t, order)))
	loaded, err := e.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, loaded.State)
	assert.Equal(t, 1, e.provider.refunds())
}

func TestCancelOrder_Idempotent(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 10)
	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})

	_, err := e.svc.CancelOrder(context.Background(), order.ID, "first")
	require.NoError(t, err)
	again, err := e.svc.CancelOrder(context.Background(), order.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, again.State)
}

func TestCancelConfirmedOrder_RefundsAndRestocksPerPolicy(t *testing.T) {
	e := newEnv(t, 20*time.Minute, `trigger == "cancel" && !shipped`)
	e.restock(t, "p1", 10)
	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})
	require.NoError(t, e.svc.HandlePaymentEvent(context.Background(), e.successEvent(t, order)))

	// 确认后库存已售出
	require.Equal(t, int64(8), e.stock(t, "p1").Available)

	cancelled, err := e.svc.CancelOrder(context.Background(), order.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, cancelled.State)
	assert.Equal(t, 1, e.provider.refunds())

	// 策略允许回补：数量回到可卖池
	view := e.stock(t, "p1")
	assert.Equal(t, int64(10), view.Available)
}

func TestRefundOrder_RejectedOutsidePaid(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 10)
	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})
	require.NoError(t, e.svc.HandlePaymentEvent(context.Background(), e.successEvent(t, order)))

	// CONFIRMED 的退款要走取消流程
	_, err := e.svc.RefundOrder(context.Background(), order.ID, "oops")
	var invalid *domain.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

// ---- 履约事件 ----

func TestFulfillmentFlow_ShippedThenDelivered(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 10)
	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})
	require.NoError(t, e.svc.HandlePaymentEvent(context.Background(), e.successEvent(t, order)))

	require.NoError(t, e.svc.HandleFulfillmentEvent(context.Background(), &domain.FulfillmentEvent{
		OrderID: order.ID, Type: domain.FulfillmentShipped, At: time.Now(),
	}))
	loaded, _ := e.svc.GetOrder(context.Background(), order.ID)
	assert.Equal(t, domain.StateShipped, loaded.State)

	require.NoError(t, e.svc.HandleFulfillmentEvent(context.Background(), &domain.FulfillmentEvent{
		OrderID: order.ID, Type: domain.FulfillmentDelivered, At: time.Now(),
	}))
	loaded, _ = e.svc.GetOrder(context.Background(), order.ID)
	assert.Equal(t, domain.StateDelivered, loaded.State)

	types := e.pub.types()
	assert.Contains(t, types, domain.EventOrderShipped)
	assert.Contains(t, types, domain.EventOrderDelivered)
}

func TestReturn_RefundsButPolicyBlocksRestockAfterShipment(t *testing.T) {
	// 已发货的退货不自动回补：货要验过才能再卖
	e := newEnv(t, 20*time.Minute, `!shipped`)
	e.restock(t, "p1", 10)
	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})
	require.NoError(t, e.svc.HandlePaymentEvent(context.Background(), e.successEvent(t, order)))
	require.NoError(t, e.svc.HandleFulfillmentEvent(context.Background(), &domain.FulfillmentEvent{
		OrderID: order.ID, Type: domain.FulfillmentShipped, At: time.Now(),
	}))

	require.NoError(t, e.svc.HandleFulfillmentEvent(context.Background(), &domain.FulfillmentEvent{
		OrderID: order.ID, Type: domain.FulfillmentReturned, At: time.Now(),
	}))

	loaded, err := e.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, loaded.State)
	assert.Equal(t, 1, e.provider.refunds())
	assert.Equal(t, int64(8), e.stock(t, "p1").Available)
}

func TestFulfillment_OutOfOrderEventRejected(t *testing.T) {
	e := newEnv(t, 20*time.Minute, "")
	e.restock(t, "p1", 10)
	order := e.createOrder(t, application.OrderLine{ProductID: "p1", Quantity: 2})

	// 订单还在 PAYING，DELIVERED 属于乱序
	err := e.svc.HandleFulfillmentEvent(context.Background(), &domain.FulfillmentEvent{
		OrderID: order.ID, Type: domain.FulfillmentDelivered, At: time.Now(),
	})
	var invalid *domain.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}
