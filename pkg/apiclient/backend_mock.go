package apiclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"cbmgrc/pkg/grid"
)

// MockBackend 模拟 CBM 后端的 HTTP 服务器（用于测试和本地开发）
type MockBackend struct {
	server *httptest.Server

	mu         sync.Mutex
	products   []Product
	sales      []SaleRecord
	stock      []StockLevel
	requests   map[string]int // "METHOD path" -> 次数
	failNext   int
	failStatus int
	latency    time.Duration
	requestIDs []string
}

var mockFamilies = []string{"FILTRES", "HUILES", "FREINAGE", "ECLAIRAGE"}

// NewMockBackend 创建包含 n 个产品及对应库存和销售记录的模拟后端
func NewMockBackend(n int) *MockBackend {
	m := &MockBackend{requests: make(map[string]int)}
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < n; i++ {
		p := Product{
			ID:        int64(i + 1),
			SKU:       fmt.Sprintf("CBM-%04d", i+1),
			Name:      fmt.Sprintf("Article %d", i+1),
			Family:    mockFamilies[i%len(mockFamilies)],
			UnitPrice: float64(100+i*5) / 10,
			Active:    i%7 != 0,
		}
		m.products = append(m.products, p)
		m.stock = append(m.stock, StockLevel{
			ProductID: p.ID,
			SKU:       p.SKU,
			Warehouse: "DAKAR-1",
			Quantity:  (i * 13) % 90,
			UpdatedAt: base,
		})
		m.sales = append(m.sales, SaleRecord{
			ID:        int64(i + 1),
			ProductID: p.ID,
			SKU:       p.SKU,
			Quantity:  1 + i%4,
			Amount:    p.UnitPrice * float64(1+i%4),
			SoldAt:    base.Add(time.Duration(i) * time.Hour),
		})
	}

	m.server = httptest.NewServer(http.HandlerFunc(m.handleRequest))
	return m
}

// URL 返回模拟服务器地址
func (m *MockBackend) URL() string {
	return m.server.URL
}

// Close 关闭模拟服务器
func (m *MockBackend) Close() {
	if m.server != nil {
		m.server.Close()
	}
}

// Requests 返回某个 "METHOD path" 收到的请求数
func (m *MockBackend) Requests(methodPath string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[methodPath]
}

// TotalRequests 返回收到的请求总数
func (m *MockBackend) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.requests {
		total += n
	}
	return total
}

// RequestIDs 返回收到的 X-Request-ID
func (m *MockBackend) RequestIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requestIDs...)
}

// FailNext 让接下来的 n 个请求返回指定状态码
func (m *MockBackend) FailNext(n, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failStatus = status
}

// SetLatency 为每个请求增加延迟
func (m *MockBackend) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// handleRequest 处理HTTP请求
func (m *MockBackend) handleRequest(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests[r.Method+" "+r.URL.Path]++
	m.requestIDs = append(m.requestIDs, r.Header.Get("X-Request-ID"))
	latency := m.latency
	fail := 0
	if m.failNext > 0 {
		m.failNext--
		fail = m.failStatus
	}
	m.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	if fail != 0 {
		http.Error(w, http.StatusText(fail), fail)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodGet && len(parts) == 1:
		m.handleList(w, r, parts[0])
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "products":
		m.handleGetProduct(w, parts[1])
	case r.Method == http.MethodPut && len(parts) == 2 && parts[0] == "products":
		m.handlePutProduct(w, r, parts[1])
	case r.Method == http.MethodPost && r.URL.Path == ResourceStock+"/adjustments":
		m.handleAdjustStock(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (m *MockBackend) handleList(w http.ResponseWriter, r *http.Request, resource string) {
	q := r.URL.Query()
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 0 {
		http.Error(w, "invalid page", http.StatusBadRequest)
		return
	}
	pageSize, err := strconv.Atoi(q.Get("page_size"))
	if err != nil || pageSize <= 0 {
		http.Error(w, "invalid page_size", http.StatusBadRequest)
		return
	}
	var filter grid.FilterModel
	if raw := q.Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			http.Error(w, "invalid filter", http.StatusBadRequest)
			return
		}
	}

	m.mu.Lock()
	var items []interface{}
	switch resource {
	case "products":
		for _, p := range m.products {
			items = append(items, p)
		}
	case "sales":
		for _, s := range m.sales {
			items = append(items, s)
		}
	case "stock":
		for _, s := range m.stock {
			items = append(items, s)
		}
	default:
		m.mu.Unlock()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	m.mu.Unlock()

	matched := make([]interface{}, 0, len(items))
	for _, item := range items {
		if matchFilter(item, filter) {
			matched = append(matched, item)
		}
	}

	start := page * pageSize
	end := start + pageSize
	if start > len(matched) {
		start = len(matched)
	}
	if end > len(matched) {
		end = len(matched)
	}

	writeJSON(w, http.StatusOK, ListResponse[interface{}]{Items: matched[start:end], Total: len(matched)})
}

func (m *MockBackend) handleGetProduct(w http.ResponseWriter, rawID string) {
	id, _ := strconv.ParseInt(rawID, 10, 64)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.products {
		if p.ID == id {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	http.Error(w, "product not found", http.StatusNotFound)
}

func (m *MockBackend) handlePutProduct(w http.ResponseWriter, r *http.Request, rawID string) {
	id, _ := strconv.ParseInt(rawID, 10, 64)
	var p Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.products {
		if m.products[i].ID == id {
			p.ID = id
			m.products[i] = p
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	http.Error(w, "product not found", http.StatusNotFound)
}

func (m *MockBackend) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SKU       string `json:"sku"`
		Warehouse string `json:"warehouse"`
		Delta     int    `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.stock {
		if m.stock[i].SKU == req.SKU && m.stock[i].Warehouse == req.Warehouse {
			m.stock[i].Quantity += req.Delta
			writeJSON(w, http.StatusOK, m.stock[i])
			return
		}
	}
	http.Error(w, "stock level not found", http.StatusNotFound)
}

// matchFilter 支持 equals 与 contains（不区分大小写），多个条件按 and 组合，
// logicOperator 为 "or" 时任一条件满足即可
func matchFilter(item interface{}, filter grid.FilterModel) bool {
	if filter.IsZero() {
		return true
	}
	raw, _ := json.Marshal(item)
	var fields map[string]interface{}
	_ = json.Unmarshal(raw, &fields)

	match := func(fi grid.FilterItem) bool {
		got := strings.ToLower(fmt.Sprint(fields[fi.Field]))
		want := strings.ToLower(fmt.Sprint(fi.Value))
		switch fi.Operator {
		case "equals", "is", "=":
			return got == want
		case "contains":
			return strings.Contains(got, want)
		default:
			return true
		}
	}

	or := strings.EqualFold(filter.LogicOperator, "or")
	result := !or || len(filter.Items) == 0
	for _, fi := range filter.Items {
		if or {
			result = result || match(fi)
		} else {
			result = result && match(fi)
		}
	}
	for _, qv := range filter.QuickFilter {
		found := false
		for _, v := range fields {
			if strings.Contains(strings.ToLower(fmt.Sprint(v)), strings.ToLower(qv)) {
				found = true
				break
			}
		}
		result = result && found
	}
	return result
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
