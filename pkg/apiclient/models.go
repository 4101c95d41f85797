package apiclient

import "time"

// 后端资源路径
const (
	ResourceProducts = "/products"
	ResourceSales    = "/sales"
	ResourceStock    = "/stock"
)

// Product 产品主数据
type Product struct {
	ID        int64   `json:"id"`
	SKU       string  `json:"sku"`
	Name      string  `json:"name"`
	Family    string  `json:"family"`
	Brand     string  `json:"brand,omitempty"`
	UnitPrice float64 `json:"unit_price"`
	Active    bool    `json:"active"`
}

// SaleRecord 一条销售记录
type SaleRecord struct {
	ID        int64     `json:"id"`
	ProductID int64     `json:"product_id"`
	SKU       string    `json:"sku"`
	Quantity  int       `json:"quantity"`
	Amount    float64   `json:"amount"`
	SoldAt    time.Time `json:"sold_at"`
	Channel   string    `json:"channel,omitempty"`
}

// StockLevel 某仓库中某产品的库存
type StockLevel struct {
	ProductID int64     `json:"product_id"`
	SKU       string    `json:"sku"`
	Warehouse string    `json:"warehouse"`
	Quantity  int       `json:"quantity"`
	Reserved  int       `json:"reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListResponse 列表接口的分页响应
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}
