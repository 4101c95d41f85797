package explorer

import (
	"fmt"
	"strconv"

	"cbmgrc/pkg/apiclient"
)

// ProductColumns 产品表的列
func ProductColumns() []Column[apiclient.Product] {
	return []Column[apiclient.Product]{
		{Title: "SKU", Width: 10, Value: func(p apiclient.Product) string { return p.SKU }},
		{Title: "Name", Width: 24, Value: func(p apiclient.Product) string { return p.Name }},
		{Title: "Family", Width: 12, Value: func(p apiclient.Product) string { return p.Family }},
		{Title: "Price", Width: 10, Value: func(p apiclient.Product) string { return fmt.Sprintf("%.2f", p.UnitPrice) }},
		{Title: "Active", Width: 6, Value: func(p apiclient.Product) string { return yesNo(p.Active) }},
	}
}

// SaleColumns 销售记录表的列
func SaleColumns() []Column[apiclient.SaleRecord] {
	return []Column[apiclient.SaleRecord]{
		{Title: "SKU", Width: 10, Value: func(s apiclient.SaleRecord) string { return s.SKU }},
		{Title: "Qty", Width: 5, Value: func(s apiclient.SaleRecord) string { return strconv.Itoa(s.Quantity) }},
		{Title: "Amount", Width: 10, Value: func(s apiclient.SaleRecord) string { return fmt.Sprintf("%.2f", s.Amount) }},
		{Title: "Sold at", Width: 16, Value: func(s apiclient.SaleRecord) string { return s.SoldAt.Format("2006-01-02 15:04") }},
		{Title: "Channel", Width: 10, Value: func(s apiclient.SaleRecord) string { return s.Channel }},
	}
}

// StockColumns 库存表的列
func StockColumns() []Column[apiclient.StockLevel] {
	return []Column[apiclient.StockLevel]{
		{Title: "SKU", Width: 10, Value: func(s apiclient.StockLevel) string { return s.SKU }},
		{Title: "Warehouse", Width: 10, Value: func(s apiclient.StockLevel) string { return s.Warehouse }},
		{Title: "Qty", Width: 6, Value: func(s apiclient.StockLevel) string { return strconv.Itoa(s.Quantity) }},
		{Title: "Reserved", Width: 8, Value: func(s apiclient.StockLevel) string { return strconv.Itoa(s.Reserved) }},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
