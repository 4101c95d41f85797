package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"cbmgrc/pkg/grid"
)

// ListParams 构造列表请求参数；过滤模型为空时省略 filter
func ListParams(page, pageSize int, filter grid.FilterModel) url.Values {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("page_size", strconv.Itoa(pageSize))
	if !filter.IsZero() {
		params.Set("filter", filter.Key())
	}
	return params
}

// List 获取资源的一页
func List[T any](ctx context.Context, c *Client, resource string, page, pageSize int, filter grid.FilterModel) (grid.Page[T], error) {
	var resp ListResponse[T]
	if err := c.Get(ctx, resource, ListParams(page, pageSize, filter), &resp); err != nil {
		return grid.Page[T]{}, err
	}
	if resp.Items == nil {
		resp.Items = []T{}
	}
	return grid.Page[T]{Rows: resp.Items, Total: resp.Total}, nil
}

// PageFetcher 把资源列表接口适配为 grid.FetchFunc
func PageFetcher[T any](c *Client, resource string) grid.FetchFunc[T] {
	return func(ctx context.Context, page, pageSize int, filter grid.FilterModel) (grid.Page[T], error) {
		return List[T](ctx, c, resource, page, pageSize, filter)
	}
}

// Products 获取产品列表的一页
func (c *Client) Products(ctx context.Context, page, pageSize int, filter grid.FilterModel) (grid.Page[Product], error) {
	return List[Product](ctx, c, ResourceProducts, page, pageSize, filter)
}

// Sales 获取销售记录的一页
func (c *Client) Sales(ctx context.Context, page, pageSize int, filter grid.FilterModel) (grid.Page[SaleRecord], error) {
	return List[SaleRecord](ctx, c, ResourceSales, page, pageSize, filter)
}

// Stock 获取库存的一页
func (c *Client) Stock(ctx context.Context, page, pageSize int, filter grid.FilterModel) (grid.Page[StockLevel], error) {
	return List[StockLevel](ctx, c, ResourceStock, page, pageSize, filter)
}

// Product 按 ID 获取单个产品
func (c *Client) Product(ctx context.Context, id int64) (*Product, error) {
	var p Product
	if err := c.Get(ctx, fmt.Sprintf("%s/%d", ResourceProducts, id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProduct 更新产品，成功后所有产品相关缓存失效
func (c *Client) UpdateProduct(ctx context.Context, p Product) (*Product, error) {
	var updated Product
	if err := c.Do(ctx, http.MethodPut, fmt.Sprintf("%s/%d", ResourceProducts, p.ID), p, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// AdjustStock 调整库存数量
func (c *Client) AdjustStock(ctx context.Context, sku, warehouse string, delta int) (*StockLevel, error) {
	body := map[string]interface{}{
		"sku":       sku,
		"warehouse": warehouse,
		"delta":     delta,
	}
	var level StockLevel
	if err := c.Do(ctx, http.MethodPost, ResourceStock+"/adjustments", body, &level); err != nil {
		return nil, err
	}
	return &level, nil
}
