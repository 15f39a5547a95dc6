// internal/order/infrastructure/adapter/cart_http_adapter.go
package adapter

import (
	"context"
	"net/url"

	"github.com/pkg/errors"

	"orderflow/internal/order/domain/port"
	"orderflow/internal/pkg/httpclient"
)

// CartHTTPAdapter 实现 port.CartService，结算时拉取购物车行。
type CartHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

func NewCartHTTPAdapter(client *httpclient.Client, baseURL string) *CartHTTPAdapter {
	return &CartHTTPAdapter{client: client, baseURL: baseURL}
}

type cartCheckoutResponse struct {
	Lines []struct {
		ProductID string `json:"productId"`
		Quantity  int64  `json:"quantity"`
	} `json:"lines"`
}

func (a *CartHTTPAdapter) GetCheckoutLines(ctx context.Context, userID string) ([]port.CartLine, error) {
	params := url.Values{}
	params.Set("user_id", userID)

	var resp cartCheckoutResponse
	if err := a.client.GetJSON(ctx, a.baseURL+"/cart/checkout", params, &resp); err != nil {
		return nil, errors.Wrapf(err, "fetch checkout lines for user %s", userID)
	}
	lines := make([]port.CartLine, 0, len(resp.Lines))
	for _, l := range resp.Lines {
		lines = append(lines, port.CartLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return lines, nil
}
