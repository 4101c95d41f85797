// Package explorer 是终端里的表格浏览器：把 grid.Loader 渲染成 bubbles 表格，
// 当前页未就绪时显示骨架行。
package explorer

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"cbmgrc/pkg/grid"
)

// Column 表格列
type Column[R any] struct {
	Title string
	Width int
	Value func(R) string
}

// changedMsg 加载器状态发生了变化
type changedMsg struct{}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	loadingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	skeletonStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Model 实现 tea.Model
type Model[R any] struct {
	title    string
	loader   *grid.Loader[R]
	columns  []Column[R]
	table    table.Model
	changes  chan struct{}
	resetKey func() string
	quitting bool
}

// Option 配置 Model
type Option[R any] func(*Model[R])

// WithResetKeys 替换生成新查询键的函数，默认使用 uuid
func WithResetKeys[R any](fn func() string) Option[R] {
	return func(m *Model[R]) { m.resetKey = fn }
}

// New 创建浏览器模型并订阅加载器的状态变化
func New[R any](title string, loader *grid.Loader[R], columns []Column[R], opts ...Option[R]) *Model[R] {
	cols := make([]table.Column, len(columns))
	for i, c := range columns {
		cols[i] = table.Column{Title: c.Title, Width: c.Width}
	}

	m := &Model[R]{
		title:    title,
		loader:   loader,
		columns:  columns,
		changes:  make(chan struct{}, 1),
		resetKey: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(m)
	}

	pageSize := loader.Snapshot().PageSize
	m.table = table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(pageSize+1),
	)

	loader.OnChange(func() {
		select {
		case m.changes <- struct{}{}:
		default:
		}
	})
	return m
}

// Init 开始加载第一页
func (m *Model[R]) Init() tea.Cmd {
	m.loader.Refresh()
	return m.waitForChange()
}

func (m *Model[R]) waitForChange() tea.Cmd {
	return func() tea.Msg {
		<-m.changes
		return changedMsg{}
	}
}

// Update 处理按键和加载器通知
func (m *Model[R]) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case changedMsg:
		m.syncRows()
		return m, m.waitForChange()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "left", "h", "pgup":
			if page := m.loader.Page(); page > 0 {
				m.loader.SetPage(page - 1)
			}
		case "right", "l", "pgdown":
			snap := m.loader.Snapshot()
			if snap.PageCount == 0 || snap.Page+1 < snap.PageCount {
				m.loader.SetPage(snap.Page + 1)
			}
		case "r":
			m.loader.Refresh()
		case "x":
			m.loader.Reset(m.resetKey())
		default:
			var cmd tea.Cmd
			m.table, cmd = m.table.Update(msg)
			return m, cmd
		}
		m.syncRows()
		return m, nil

	case tea.WindowSizeMsg:
		m.table.SetWidth(msg.Width)
	}
	return m, nil
}

func (m *Model[R]) syncRows() {
	rows, _ := m.loader.Visible()
	out := make([]table.Row, len(rows))
	for i, r := range rows {
		cells := make(table.Row, len(m.columns))
		for j, c := range m.columns {
			cells[j] = c.Value(r)
		}
		out[i] = cells
	}
	m.table.SetRows(out)
}

// View 渲染标题、表格（或骨架行）和状态栏
func (m *Model[R]) View() string {
	if m.quitting {
		return ""
	}
	snap := m.loader.Snapshot()

	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")
	if snap.Ready {
		b.WriteString(m.table.View())
	} else {
		b.WriteString(m.skeleton(snap.PageSize))
	}
	b.WriteString("\n")
	b.WriteString(m.status(snap))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("←/→ page  r refresh  x new query  q quit"))
	return b.String()
}

func (m *Model[R]) skeleton(rows int) string {
	width := 0
	for _, c := range m.columns {
		width += c.Width + 2
	}
	if width < 10 {
		width = 10
	}

	lines := make([]string, rows)
	for i := range lines {
		// 行宽在 60%～100% 之间交替，看起来更像真实数据
		w := width * (60 + (i*17)%41) / 100
		lines[i] = skeletonStyle.Render(strings.Repeat("░", w))
	}
	return strings.Join(lines, "\n")
}

func (m *Model[R]) status(snap grid.Snapshot[R]) string {
	pages := "?"
	if snap.PageCount > 0 {
		pages = fmt.Sprint(snap.PageCount)
	}
	line := fmt.Sprintf("page %d/%s  rows %d", snap.Page+1, pages, snap.RowCount)
	if !snap.Filter.IsZero() {
		line += "  filtered"
	}

	switch {
	case snap.Loading:
		return statusStyle.Render(line) + "  " + loadingStyle.Render("loading...")
	case !snap.Ready:
		return statusStyle.Render(line) + "  " + loadingStyle.Render("not loaded, press r to retry")
	default:
		return statusStyle.Render(line)
	}
}
