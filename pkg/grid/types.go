// Package grid 实现分页表格的客户端加载器：按块预取页面，把结果写入按全局行号寻址的稀疏数组，
// 并对同一块的并发请求去重。
package grid

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultBlockSize 每次预取的页数
const DefaultBlockSize = 2

// FilterItem 单个列过滤条件
type FilterItem struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// FilterModel 表格的过滤模型，由调用方定义语义，加载器只把它透传给 FetchFunc
type FilterModel struct {
	Items         []FilterItem `json:"items,omitempty"`
	LogicOperator string       `json:"logicOperator,omitempty"`
	QuickFilter   []string     `json:"quickFilterValues,omitempty"`
}

// Key 返回过滤模型的规范化表示，相同条件得到相同的 Key
func (f FilterModel) Key() string {
	if f.IsZero() {
		return "{}"
	}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Sprintf("%#v", f)
	}
	return string(b)
}

// IsZero 没有任何过滤条件
func (f FilterModel) IsZero() bool {
	return len(f.Items) == 0 && len(f.QuickFilter) == 0 && f.LogicOperator == ""
}

// Page 一次 FetchFunc 调用的结果
type Page[R any] struct {
	Rows  []R `json:"rows"`
	Total int `json:"total"`
}

// FetchFunc 获取一页数据，page 从 0 开始
type FetchFunc[R any] func(ctx context.Context, page, pageSize int, filter FilterModel) (Page[R], error)

// Observer 接收加载器事件
type Observer interface {
	ObserveBlockFetch(d time.Duration, err error)
	ObserveStale()
}

// Snapshot 加载器状态的一致性副本，用于渲染
type Snapshot[R any] struct {
	Page        int         `json:"page"`
	PageSize    int         `json:"page_size"`
	RowCount    int         `json:"row_count"`
	PageCount   int         `json:"page_count"`
	Loading     bool        `json:"loading"`
	Ready       bool        `json:"ready"` // 当前页已在页缓存中
	Rows        []R         `json:"rows"`  // 可见区间内已加载的行
	ResetKey    string      `json:"reset_key"`
	Filter      FilterModel `json:"filter"`
	CachedPages []int       `json:"cached_pages"`
	Generation  uint64      `json:"generation"`
}
