package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cbmgrc/pkg/logger"
)

type fetchCall struct {
	Page     int
	PageSize int
	Filter   string
}

// fakeBackend 模拟 57 行的数据源，可以阻塞请求直到放行
type fakeBackend struct {
	mu     sync.Mutex
	total  int
	prefix string
	calls  []fetchCall
	gate   chan struct{}
	fail   error
}

func newFakeBackend(total int) *fakeBackend {
	return &fakeBackend{total: total, prefix: "r"}
}

func (b *fakeBackend) Fetch(ctx context.Context, page, pageSize int, filter FilterModel) (Page[string], error) {
	b.mu.Lock()
	b.calls = append(b.calls, fetchCall{Page: page, PageSize: pageSize, Filter: filter.Key()})
	gate, fail, prefix, total := b.gate, b.fail, b.prefix, b.total
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Page[string]{}, ctx.Err()
		}
	}
	if fail != nil {
		return Page[string]{}, fail
	}

	rows := []string{}
	for i := page * pageSize; i < (page+1)*pageSize && i < total; i++ {
		rows = append(rows, fmt.Sprintf("%s%d", prefix, i))
	}
	return Page[string]{Rows: rows, Total: total}, nil
}

func (b *fakeBackend) Calls() []fetchCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]fetchCall(nil), b.calls...)
}

func (b *fakeBackend) PagesFetched() map[int]int {
	counts := make(map[int]int)
	for _, c := range b.Calls() {
		counts[c.Page]++
	}
	return counts
}

func (b *fakeBackend) Hold() chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
	return b.gate
}

func (b *fakeBackend) Set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func rowsFrom(from, to int) []string {
	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, fmt.Sprintf("r%d", i))
	}
	return out
}

type recordingObserver struct {
	blocks int32
	errors int32
	stale  int32
}

func (o *recordingObserver) ObserveBlockFetch(d time.Duration, err error) {
	atomic.AddInt32(&o.blocks, 1)
	if err != nil {
		atomic.AddInt32(&o.errors, 1)
	}
}

func (o *recordingObserver) ObserveStale() {
	atomic.AddInt32(&o.stale, 1)
}

func newTestLoader(t *testing.T, backend *fakeBackend, opts ...Option) *Loader[string] {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	l := NewLoader(backend.Fetch, Config{PageSize: 20}, opts...)
	t.Cleanup(l.Close)
	return l
}

func waitFor(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for block")
	}
}

func TestLoader_EndToEnd(t *testing.T) {
	backend := newFakeBackend(57)
	loader := newTestLoader(t, backend)

	waitFor(t, loader.SetPage(0))

	rows, ready := loader.Visible()
	require.True(t, ready)
	assert.Equal(t, rowsFrom(0, 20), rows)
	assert.Equal(t, 57, loader.RowCount())
	assert.Len(t, backend.Calls(), 2, "block [0,1] is prefetched")

	// 第 1 页已在同一块中预取，不应再发请求
	waitFor(t, loader.SetPage(1))
	rows, ready = loader.Visible()
	require.True(t, ready)
	assert.Equal(t, rowsFrom(20, 40), rows)
	assert.Len(t, backend.Calls(), 2)

	snap := loader.Snapshot()
	assert.Equal(t, 1, snap.Page)
	assert.Equal(t, 3, snap.PageCount)
	assert.Equal(t, []int{0, 1}, snap.CachedPages)
	assert.False(t, snap.Loading)
}

func TestLoader_BlockPrefetchDedup(t *testing.T) {
	backend := newFakeBackend(57)
	release := backend.Hold()
	loader := newTestLoader(t, backend)

	first := loader.SetPage(0)
	second := loader.SetPage(1)
	assert.True(t, loader.Loading())
	assert.Equal(t, first, second, "same block returns the same completion handle")

	close(release)
	waitFor(t, second)

	assert.Equal(t, map[int]int{0: 1, 1: 1}, backend.PagesFetched())
	for _, c := range backend.Calls() {
		assert.Equal(t, 20, c.PageSize)
	}
}

func TestLoader_IndependentBlocksFetchConcurrently(t *testing.T) {
	backend := newFakeBackend(200)
	release := backend.Hold()
	loader := newTestLoader(t, backend)

	loader.SetPage(0)
	loader.SetPage(2)

	require.Eventually(t, func() bool {
		return len(backend.Calls()) == 4
	}, time.Second, 5*time.Millisecond, "block [2,3] must not wait for block [0,1]")

	close(release)
	require.NoError(t, loader.Wait(context.Background()))
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1, 3: 1}, backend.PagesFetched())
	assert.Equal(t, []int{0, 1, 2, 3}, loader.Snapshot().CachedPages)
}

func TestLoader_ResetClearsStaleRows(t *testing.T) {
	backend := newFakeBackend(57)
	loader := newTestLoader(t, backend)

	waitFor(t, loader.Reset("1"))
	waitFor(t, loader.SetPage(1))
	rows, ready := loader.Visible()
	require.True(t, ready)
	require.Len(t, rows, 20)

	release := backend.Hold()
	loader.Reset("2")

	// 新请求尚未返回：可见区间为空，页码归零
	snap := loader.Snapshot()
	assert.Equal(t, 0, snap.Page)
	assert.False(t, snap.Ready)
	assert.Empty(t, snap.Rows)
	assert.Empty(t, snap.CachedPages)
	assert.Equal(t, "2", snap.ResetKey)
	assert.True(t, snap.Loading)

	close(release)
	require.NoError(t, loader.Wait(context.Background()))
	rows, ready = loader.Visible()
	assert.True(t, ready)
	assert.Equal(t, rowsFrom(0, 20), rows)
}

func TestLoader_SameResetKeyKeepsCache(t *testing.T) {
	backend := newFakeBackend(57)
	loader := newTestLoader(t, backend)

	waitFor(t, loader.Reset("q"))
	waitFor(t, loader.Reset("q"))

	assert.Len(t, backend.Calls(), 2)
	assert.Equal(t, uint64(1), loader.Snapshot().Generation)
}

func TestLoader_DiscardsStaleResults(t *testing.T) {
	backend := newFakeBackend(57)
	observer := &recordingObserver{}
	release := backend.Hold()
	loader := newTestLoader(t, backend, WithObserver(observer))

	old := loader.Reset("A")
	require.Eventually(t, func() bool {
		return len(backend.Calls()) == 2
	}, time.Second, 5*time.Millisecond)

	// 查询 A 的请求仍在进行时切换到查询 B，新请求立即返回
	backend.Set(func(b *fakeBackend) {
		b.gate = nil
		b.prefix = "b"
	})
	waitFor(t, loader.Reset("B"))

	close(release)
	waitFor(t, old)

	rows, ready := loader.Visible()
	require.True(t, ready)
	assert.Equal(t, "b0", rows[0], "rows from query A must not overwrite query B")
	assert.Equal(t, int32(2), atomic.LoadInt32(&observer.stale))
	assert.Equal(t, []int{0, 1}, loader.Snapshot().CachedPages)
}

func TestLoader_FetchErrorsAreSwallowed(t *testing.T) {
	backend := newFakeBackend(57)
	observer := &recordingObserver{}
	backend.Set(func(b *fakeBackend) { b.fail = errors.New("503 service unavailable") })
	loader := newTestLoader(t, backend, WithObserver(observer))

	waitFor(t, loader.SetPage(0))

	snap := loader.Snapshot()
	assert.False(t, snap.Loading)
	assert.False(t, snap.Ready)
	assert.Empty(t, snap.Rows)
	assert.Equal(t, int32(1), atomic.LoadInt32(&observer.errors))

	// 没有自动重试；Refresh 手动重试
	assert.Len(t, backend.Calls(), 2)
	backend.Set(func(b *fakeBackend) { b.fail = nil })
	waitFor(t, loader.Refresh())

	rows, ready := loader.Visible()
	assert.True(t, ready)
	assert.Equal(t, rowsFrom(0, 20), rows)
	assert.Len(t, backend.Calls(), 4)
}

func TestLoader_SkipsPagesBeyondRowCount(t *testing.T) {
	backend := newFakeBackend(57)
	loader := newTestLoader(t, backend)

	waitFor(t, loader.SetPage(0))
	waitFor(t, loader.SetPage(2))

	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1}, backend.PagesFetched())
	rows, ready := loader.Visible()
	assert.True(t, ready)
	assert.Equal(t, rowsFrom(40, 57), rows)

	// 完全超出总行数的页面视为已就绪的空页
	waitFor(t, loader.SetPage(3))
	rows, ready = loader.Visible()
	assert.True(t, ready)
	assert.Empty(t, rows)
	assert.Len(t, backend.Calls(), 3)
}

func TestLoader_PageSizeChangeIsNewQuery(t *testing.T) {
	backend := newFakeBackend(57)
	loader := newTestLoader(t, backend)

	waitFor(t, loader.SetPage(1))
	waitFor(t, loader.SetPageSize(50))

	snap := loader.Snapshot()
	assert.Equal(t, 0, snap.Page)
	assert.Equal(t, 50, snap.PageSize)
	assert.Equal(t, rowsFrom(0, 50), snap.Rows)
	assert.Equal(t, 2, snap.PageCount)

	calls := backend.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, 50, calls[2].PageSize)

	// 相同页大小不触发新查询
	waitFor(t, loader.SetPageSize(50))
	assert.Len(t, backend.Calls(), 4)
}

func TestLoader_FilterChangeIsNewQuery(t *testing.T) {
	backend := newFakeBackend(57)
	loader := newTestLoader(t, backend)
	filter := FilterModel{Items: []FilterItem{{Field: "family", Operator: "equals", Value: "FILTRES"}}}

	waitFor(t, loader.SetPage(1))
	waitFor(t, loader.SetFilter(filter))
	assert.Equal(t, 0, loader.Page())

	calls := backend.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, filter.Key(), calls[2].Filter)

	// 等价的过滤条件不会重新获取
	same := FilterModel{Items: []FilterItem{{Field: "family", Operator: "equals", Value: "FILTRES"}}}
	waitFor(t, loader.SetFilter(same))
	assert.Len(t, backend.Calls(), 4)
}

func TestLoader_OnChange(t *testing.T) {
	backend := newFakeBackend(57)
	loader := newTestLoader(t, backend)

	var changes int32
	loader.OnChange(func() {
		// 回调中读取状态不能死锁
		_ = loader.Snapshot()
		atomic.AddInt32(&changes, 1)
	})

	waitFor(t, loader.SetPage(0))
	require.NoError(t, loader.Wait(context.Background()))

	// SetPage + 两页结果 + 块完成
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&changes) >= 4 }, time.Second, 5*time.Millisecond)
}

func TestLoader_WaitHonorsContext(t *testing.T) {
	backend := newFakeBackend(57)
	release := backend.Hold()
	defer close(release)
	loader := newTestLoader(t, backend)

	loader.SetPage(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, loader.Wait(ctx), context.DeadlineExceeded)
}

func TestLoader_CloseCancelsFetches(t *testing.T) {
	backend := newFakeBackend(57)
	backend.Hold()
	loader := NewLoader(backend.Fetch, Config{PageSize: 20}, WithLogger(logger.Discard()))

	done := loader.SetPage(0)
	loader.Close()

	waitFor(t, done)
	assert.False(t, loader.Loading())
	_, ready := loader.Visible()
	assert.False(t, ready)
}

func TestLoader_OperationsAfterCloseAreNoOps(t *testing.T) {
	backend := newFakeBackend(57)
	loader := NewLoader(backend.Fetch, Config{PageSize: 20}, WithLogger(logger.Discard()))
	loader.Close()

	waitFor(t, loader.SetPage(0))
	waitFor(t, loader.SetPageSize(10))
	waitFor(t, loader.SetFilter(FilterModel{QuickFilter: []string{"FILTRES"}}))
	waitFor(t, loader.Reset("next"))
	waitFor(t, loader.Refresh())
	waitFor(t, loader.Apply(Query{Page: 1}))

	assert.Empty(t, backend.Calls())
	assert.False(t, loader.Loading())
	require.NoError(t, loader.Wait(context.Background()))

	// 重复关闭
	loader.Close()
}

func TestLoader_CloseRacesWithPaging(t *testing.T) {
	backend := newFakeBackend(1000)
	loader := NewLoader(backend.Fetch, Config{PageSize: 5}, WithLogger(logger.Discard()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for p := 0; p < 50; p++ {
				loader.SetPage(i*50 + p)
			}
		}(i)
	}
	loader.Close()
	calls := len(backend.Calls())
	wg.Wait()

	assert.False(t, loader.Loading())
	assert.Len(t, backend.Calls(), calls)
}

func TestLoader_ApplyChangesQueryOnce(t *testing.T) {
	backend := newFakeBackend(57)
	loader := newTestLoader(t, backend)
	filter := FilterModel{Items: []FilterItem{{Field: "family", Operator: "equals", Value: "FILTRES"}}}

	waitFor(t, loader.Apply(Query{Page: 1}))
	before := loader.Snapshot().Generation
	assert.Equal(t, 1, loader.Page())

	// 过滤条件、页大小和 resetKey 同时变化只算一次新查询，页码回到 0
	waitFor(t, loader.Apply(Query{Page: 2, PageSize: 10, Filter: filter, ResetKey: "k1", HasResetKey: true}))
	snap := loader.Snapshot()
	assert.Equal(t, before+1, snap.Generation)
	assert.Equal(t, 0, snap.Page)
	assert.Equal(t, 10, snap.PageSize)
	assert.Equal(t, filter.Key(), snap.Filter.Key())
	assert.Equal(t, "k1", snap.ResetKey)

	// 查询不变时只翻页
	waitFor(t, loader.Apply(Query{Page: 3, Filter: filter, ResetKey: "k1", HasResetKey: true}))
	snap = loader.Snapshot()
	assert.Equal(t, before+1, snap.Generation)
	assert.Equal(t, 3, snap.Page)
	assert.Equal(t, rowsFrom(30, 40), snap.Rows)

	// 未给出 resetKey 时保留原值
	waitFor(t, loader.Apply(Query{Page: 0, Filter: filter}))
	assert.Equal(t, "k1", loader.Snapshot().ResetKey)
	assert.Equal(t, before+1, loader.Snapshot().Generation)
}

func TestLoader_ConcurrentApplyKeepsQueryConsistent(t *testing.T) {
	backend := newFakeBackend(57)
	loader := newTestLoader(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			filter := FilterModel{QuickFilter: []string{fmt.Sprintf("q%d", i)}}
			loader.Apply(Query{PageSize: 10 + i, Filter: filter})
		}(i)
	}
	wg.Wait()
	require.NoError(t, loader.Wait(context.Background()))

	// 最终状态的页大小必须来自与过滤条件相同的那次请求
	snap := loader.Snapshot()
	require.Len(t, snap.Filter.QuickFilter, 1)
	var i int
	_, err := fmt.Sscanf(snap.Filter.QuickFilter[0], "q%d", &i)
	require.NoError(t, err)
	assert.Equal(t, 10+i, snap.PageSize)
	assert.Equal(t, 0, snap.Page)
	assert.True(t, snap.Ready)
}

func BenchmarkLoader_PagingCachedBlocks(b *testing.B) {
	backend := newFakeBackend(1000)
	l := NewLoader(backend.Fetch, Config{PageSize: 20}, WithLogger(logger.Discard()))
	defer l.Close()

	for p := 0; p < 50; p += 2 {
		<-l.SetPage(p)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		<-l.SetPage(i % 50)
		l.Visible()
	}
}
