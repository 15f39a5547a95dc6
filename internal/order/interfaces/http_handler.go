// internal/order/interfaces/http_handler.go
package interfaces

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"orderflow/internal/inventory"
	"orderflow/internal/order/application"
	"orderflow/internal/order/domain"
	"orderflow/internal/payment"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/metrics"
	"orderflow/internal/reservation"
)

const serviceName = "fulfillment-service"

// OrderHandler 是订单服务的 HTTP 入口。
type OrderHandler struct {
	service  *application.Service
	payments *payment.Adapter
}

func NewOrderHandler(service *application.Service, payments *payment.Adapter) *OrderHandler {
	return &OrderHandler{service: service, payments: payments}
}

// RegisterRoutes 在 ServeMux 上注册所有路由。
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("POST /orders", h.createOrder)
	mux.HandleFunc("GET /orders/{id}", h.getOrder)
	mux.HandleFunc("POST /orders/{id}/cancel", h.cancelOrder)
	mux.HandleFunc("POST /orders/{id}/refund", h.refundOrder)
	mux.HandleFunc("POST /payments/webhook", h.paymentWebhook)
}

func (h *OrderHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.CreateOrder")
	defer span.End()

	var req application.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode request"))
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	span.SetAttributes(attribute.String("user.id", req.UserID))

	order, err := h.service.CreateOrder(ctx, &req)
	if err != nil {
		span.RecordError(err)
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, &application.CreateOrderResponse{
		OrderID:     order.ID,
		Status:      string(order.State),
		TotalAmount: order.TotalAmount,
	})
}

func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrderHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	order, err := h.service.CancelOrder(ctx, r.PathValue("id"), body.Reason)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrderHandler) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	order, err := h.service.RefundOrder(ctx, r.PathValue("id"), body.Reason)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// paymentWebhook 接收支付方回调。
// 签名在 X-Signature 头里，对原始 body 做 HMAC-SHA256 校验。
// 校验失败返回 401 且不动任何状态；处理失败返回 5xx 让支付方重投。
func (h *OrderHandler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := otel.Tracer(serviceName).Start(ctx, "http.PaymentWebhook")
	defer span.End()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "read webhook body"))
		return
	}

	ev, err := h.payments.VerifyAndDecode(raw, r.Header.Get("X-Signature"))
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, payment.ErrBadSignature) {
			metrics.WebhooksTotal.WithLabelValues("bad_signature").Inc()
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(attribute.String("provider.tx_id", ev.ProviderTransactionID))

	if err := h.service.HandlePaymentEvent(ctx, ev); err != nil {
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).
			Str("provider_tx_id", ev.ProviderTransactionID).
			Msg("process payment webhook")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// statusFromError 把领域错误映射到 HTTP 状态码。
// 库存不足是业务结果而不是服务器故障，必须和 5xx 区分开。
func statusFromError(err error) int {
	var insufficient *inventory.InsufficientStockError
	var invalid *domain.InvalidTransitionError
	var exhausted *reservation.RetryExhaustedError
	switch {
	case errors.As(err, &insufficient):
		return http.StatusConflict
	case errors.As(err, &invalid),
		errors.Is(err, domain.ErrCancellationNotAllowed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, inventory.ErrProductNotFound):
		return http.StatusNotFound
	case errors.As(err, &exhausted):
		// 竞争太激烈，稍后重试
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
