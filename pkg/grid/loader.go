package grid

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	apperr "cbmgrc/pkg/error"
	"cbmgrc/pkg/logger"
)

// Config 加载器配置
type Config struct {
	PageSize  int
	BlockSize int
}

// Option 配置 Loader
type Option func(*options)

type options struct {
	observer Observer
	log      *logrus.Entry
}

// WithObserver 注入事件观察者
func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// WithLogger 注入日志
func WithLogger(log *logrus.Entry) Option {
	return func(opts *options) { opts.log = log }
}

// blockFetch 一次正在进行的块预取
type blockFetch struct {
	base       int
	generation uint64
	done       chan struct{}
}

// Loader 分页加载器。
//
// 每次页码、页大小或过滤条件变化时，计算当前页所在块的起始页 base = page/blockSize*blockSize，
// 获取块内尚未缓存的页面。同一代（generation）内同一块只会有一个请求在进行；不同块可以并发获取。
// 查询变化（resetKey、页大小或过滤条件）会清空页缓存和稀疏行数组、页码归零并递增 generation，
// 旧 generation 的结果到达后被静默丢弃。获取失败只记录日志，不自动重试。
type Loader[R any] struct {
	fetch     FetchFunc[R]
	blockSize int
	observer  Observer
	log       *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	page       int
	pageSize   int
	filter     FilterModel
	filterKey  string
	resetKey   string
	rowCount   int
	totalKnown bool
	rows       map[int]R   // 全局行号 -> 行
	pageCache  map[int][]R // 页号 -> 该页的行
	inFlight   map[int]*blockFetch
	generation uint64
	closed     bool
	listeners  []func()
}

// Query 一次完整的查询状态。PageSize<=0 表示保持当前页大小，HasResetKey 为 false 时不比较 ResetKey。
type Query struct {
	Page        int
	PageSize    int
	Filter      FilterModel
	ResetKey    string
	HasResetKey bool
}

// NewLoader 创建加载器。创建后不会立即获取数据，调用 SetPage 或 Refresh 开始加载。
func NewLoader[R any](fetch FetchFunc[R], config Config, opts ...Option) *Loader[R] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.WithComponent("GridLoader")
	}
	if config.PageSize <= 0 {
		config.PageSize = 20
	}
	if config.BlockSize <= 0 {
		config.BlockSize = DefaultBlockSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Loader[R]{
		fetch:     fetch,
		blockSize: config.BlockSize,
		observer:  o.observer,
		log:       o.log,
		ctx:       ctx,
		cancel:    cancel,
		pageSize:  config.PageSize,
		filterKey: FilterModel{}.Key(),
		rows:      make(map[int]R),
		pageCache: make(map[int][]R),
		inFlight:  make(map[int]*blockFetch),
	}
}

// SetPage 切换到指定页并确保其所在块已加载。返回的通道在该块可用时关闭。
func (l *Loader[R]) SetPage(page int) <-chan struct{} {
	if page < 0 {
		page = 0
	}
	l.mu.Lock()
	l.page = page
	done := l.ensureLocked()
	l.mu.Unlock()

	l.notify()
	return done
}

// SetPageSize 修改页大小。已缓存的页只对原页大小有效，因此视为新查询。
func (l *Loader[R]) SetPageSize(size int) <-chan struct{} {
	l.mu.Lock()
	if size > 0 && size != l.pageSize {
		l.pageSize = size
		l.resetLocked()
	}
	done := l.ensureLocked()
	l.mu.Unlock()

	l.notify()
	return done
}

// SetFilter 修改过滤条件，条件变化时视为新查询
func (l *Loader[R]) SetFilter(filter FilterModel) <-chan struct{} {
	key := filter.Key()

	l.mu.Lock()
	if key != l.filterKey {
		l.filter = filter
		l.filterKey = key
		l.resetLocked()
	}
	done := l.ensureLocked()
	l.mu.Unlock()

	l.notify()
	return done
}

// Reset resetKey 变化时冷启动新查询：清空页缓存和行、页码归零，并开始加载第 0 块。
// resetKey 不变时等同于 Refresh。
func (l *Loader[R]) Reset(resetKey string) <-chan struct{} {
	l.mu.Lock()
	if resetKey != l.resetKey {
		l.resetKey = resetKey
		l.resetLocked()
	}
	done := l.ensureLocked()
	l.mu.Unlock()

	l.notify()
	return done
}

// Apply 在一次加锁内应用整个查询。过滤条件、页大小或 resetKey 任一变化时视为新查询，
// 只递增一次 generation 并回到第 0 页；否则切换到 q.Page。
func (l *Loader[R]) Apply(q Query) <-chan struct{} {
	key := q.Filter.Key()

	l.mu.Lock()
	changed := false
	if q.PageSize > 0 && q.PageSize != l.pageSize {
		l.pageSize = q.PageSize
		changed = true
	}
	if key != l.filterKey {
		l.filter = q.Filter
		l.filterKey = key
		changed = true
	}
	if q.HasResetKey && q.ResetKey != l.resetKey {
		l.resetKey = q.ResetKey
		changed = true
	}
	if changed {
		l.resetLocked()
	} else if q.Page >= 0 {
		l.page = q.Page
	} else {
		l.page = 0
	}
	done := l.ensureLocked()
	l.mu.Unlock()

	l.notify()
	return done
}

// Refresh 对当前页重新计算缺失页面，用于失败后的手动重试
func (l *Loader[R]) Refresh() <-chan struct{} {
	l.mu.Lock()
	done := l.ensureLocked()
	l.mu.Unlock()

	l.notify()
	return done
}

// Wait 等待当前代所有进行中的块完成
func (l *Loader[R]) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		pending := make([]chan struct{}, 0, len(l.inFlight))
		for _, bf := range l.inFlight {
			pending = append(pending, bf.done)
		}
		l.mu.Unlock()

		if len(pending) == 0 {
			return nil
		}
		for _, done := range pending {
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Visible 返回当前页可见区间内已加载的行，以及该页是否已就绪
func (l *Loader[R]) Visible() ([]R, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.visibleLocked(), l.readyLocked()
}

// Snapshot 返回状态副本
func (l *Loader[R]) Snapshot() Snapshot[R] {
	l.mu.Lock()
	defer l.mu.Unlock()

	cached := make([]int, 0, len(l.pageCache))
	for p := range l.pageCache {
		cached = append(cached, p)
	}
	sort.Ints(cached)

	return Snapshot[R]{
		Page:        l.page,
		PageSize:    l.pageSize,
		RowCount:    l.rowCount,
		PageCount:   l.pageCountLocked(),
		Loading:     len(l.inFlight) > 0,
		Ready:       l.readyLocked(),
		Rows:        l.visibleLocked(),
		ResetKey:    l.resetKey,
		Filter:      l.filter,
		CachedPages: cached,
		Generation:  l.generation,
	}
}

// Page 当前页码
func (l *Loader[R]) Page() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.page
}

// RowCount 最近一次响应给出的总行数，尚无响应时为 0
func (l *Loader[R]) RowCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rowCount
}

// Loading 是否有块正在获取
func (l *Loader[R]) Loading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inFlight) > 0
}

// OnChange 注册状态变化回调。回调在加载器锁外调用，可以安全地读取 Snapshot。
func (l *Loader[R]) OnChange(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Close 取消所有进行中的获取并等待其退出。关闭后的加载器不再发起获取，重复调用无副作用。
func (l *Loader[R]) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.generation++
	l.inFlight = make(map[int]*blockFetch)
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
}

// resetLocked 清空当前查询的所有状态
func (l *Loader[R]) resetLocked() {
	l.generation++
	l.page = 0
	l.rowCount = 0
	l.totalKnown = false
	l.rows = make(map[int]R)
	l.pageCache = make(map[int][]R)
	// 旧代的请求不再计入 loading，完成后结果会被丢弃
	l.inFlight = make(map[int]*blockFetch)
}

// ensureLocked 确保当前页所在块已加载或正在加载
func (l *Loader[R]) ensureLocked() <-chan struct{} {
	if l.closed {
		return closedChan
	}
	base := (l.page / l.blockSize) * l.blockSize

	if bf, ok := l.inFlight[base]; ok && bf.generation == l.generation {
		return bf.done
	}

	missing := make([]int, 0, l.blockSize)
	for p := base; p < base+l.blockSize; p++ {
		if _, ok := l.pageCache[p]; ok {
			continue
		}
		if l.beyondEndLocked(p) {
			continue
		}
		missing = append(missing, p)
	}
	if len(missing) == 0 {
		return closedChan
	}

	bf := &blockFetch{
		base:       base,
		generation: l.generation,
		done:       make(chan struct{}),
	}
	l.inFlight[base] = bf

	l.wg.Add(1)
	go l.fetchBlock(bf, missing, l.pageSize, l.filter)
	return bf.done
}

// fetchBlock 并行获取块内缺失的页面
func (l *Loader[R]) fetchBlock(bf *blockFetch, pages []int, pageSize int, filter FilterModel) {
	defer l.wg.Done()
	start := time.Now()

	var g errgroup.Group
	for _, p := range pages {
		g.Go(func() error {
			res, err := l.fetch(l.ctx, p, pageSize, filter)
			if err != nil {
				return apperr.WrapError(apperr.ErrFetchFailed, fmt.Sprintf("failed to fetch page %d", p), err).
					WithContext("page", p)
			}
			l.storePage(bf.generation, p, pageSize, res)
			return nil
		})
	}
	err := g.Wait()

	l.mu.Lock()
	if cur, ok := l.inFlight[bf.base]; ok && cur == bf {
		delete(l.inFlight, bf.base)
	}
	l.mu.Unlock()

	if err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{
			"block": bf.base,
			"pages": pages,
		}).Warn("block fetch failed")
	}
	if l.observer != nil {
		l.observer.ObserveBlockFetch(time.Since(start), err)
	}

	close(bf.done)
	l.notify()
}

// storePage 合并一页结果；generation 已变化时丢弃
func (l *Loader[R]) storePage(generation uint64, page, pageSize int, res Page[R]) {
	l.mu.Lock()
	if generation != l.generation {
		l.mu.Unlock()
		l.log.WithField("page", page).Debug("discarding stale page result")
		if l.observer != nil {
			l.observer.ObserveStale()
		}
		return
	}

	rows := make([]R, len(res.Rows))
	copy(rows, res.Rows)
	l.pageCache[page] = rows
	l.rowCount = res.Total
	l.totalKnown = true

	offset := page * pageSize
	for i, r := range rows {
		l.rows[offset+i] = r
	}
	l.mu.Unlock()

	l.notify()
}

func (l *Loader[R]) visibleLocked() []R {
	start := l.page * l.pageSize
	visible := make([]R, 0, l.pageSize)
	for i := start; i < start+l.pageSize; i++ {
		if r, ok := l.rows[i]; ok {
			visible = append(visible, r)
		}
	}
	return visible
}

func (l *Loader[R]) readyLocked() bool {
	if _, ok := l.pageCache[l.page]; ok {
		return true
	}
	return l.beyondEndLocked(l.page)
}

// beyondEndLocked 页面完全位于已知总行数之外（第 0 页始终需要获取）
func (l *Loader[R]) beyondEndLocked(page int) bool {
	return l.totalKnown && page > 0 && page*l.pageSize >= l.rowCount
}

func (l *Loader[R]) pageCountLocked() int {
	if l.rowCount <= 0 {
		return 0
	}
	return (l.rowCount + l.pageSize - 1) / l.pageSize
}

func (l *Loader[R]) notify() {
	l.mu.Lock()
	listeners := make([]func(), len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
