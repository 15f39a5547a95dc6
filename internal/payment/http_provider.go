// internal/payment/http_provider.go
package payment

import (
	"context"

	"orderflow/internal/pkg/httpclient"
)

// HTTPProvider 是 ProviderClient 的 HTTP 实现，对接真实支付方的 API。
type HTTPProvider struct {
	client  *httpclient.Client
	baseURL string
}

func NewHTTPProvider(client *httpclient.Client, baseURL string) *HTTPProvider {
	return &HTTPProvider{client: client, baseURL: baseURL}
}

func (p *HTTPProvider) CreateCharge(ctx context.Context, paymentID, orderID string, amount int64) (string, error) {
	req := map[string]interface{}{
		"payment_id": paymentID,
		"order_id":   orderID,
		"amount":     amount,
	}
	var resp struct {
		ProviderTransactionID string `json:"provider_transaction_id"`
	}
	if err := p.client.PostJSON(ctx, p.baseURL+"/charges", req, &resp); err != nil {
		return "", err
	}
	return resp.ProviderTransactionID, nil
}

func (p *HTTPProvider) RefundCharge(ctx context.Context, providerTxID string, amount int64) error {
	req := map[string]interface{}{
		"provider_transaction_id": providerTxID,
		"amount":                  amount,
	}
	return p.client.PostJSON(ctx, p.baseURL+"/refunds", req, nil)
}
