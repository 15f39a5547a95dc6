// internal/order/infrastructure/adapter/catalog_http_adapter.go
package adapter

import (
	"context"
	"net/url"

	"github.com/pkg/errors"

	"orderflow/internal/order/domain/port"
	"orderflow/internal/pkg/httpclient"
)

// CatalogHTTPAdapter 实现 port.CatalogService，调用商品目录服务。
type CatalogHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

func NewCatalogHTTPAdapter(client *httpclient.Client, baseURL string) *CatalogHTTPAdapter {
	return &CatalogHTTPAdapter{client: client, baseURL: baseURL}
}

// 目录服务的响应格式。价格是最小货币单位的整数。
type catalogProductResponse struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
}

func (a *CatalogHTTPAdapter) GetProduct(ctx context.Context, productID string) (*port.CatalogProduct, error) {
	params := url.Values{}
	params.Set("product_id", productID)

	var resp catalogProductResponse
	if err := a.client.GetJSON(ctx, a.baseURL+"/products", params, &resp); err != nil {
		return nil, errors.Wrapf(err, "fetch product %s from catalog", productID)
	}
	return &port.CatalogProduct{
		ProductID: resp.ProductID,
		Name:      resp.Name,
		Price:     resp.Price,
	}, nil
}
