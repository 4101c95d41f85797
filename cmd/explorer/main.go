package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"cbmgrc/pkg/apiclient"
	"cbmgrc/pkg/config"
	"cbmgrc/pkg/explorer"
	"cbmgrc/pkg/grid"
	"cbmgrc/pkg/localcache"
	"cbmgrc/pkg/logger"
)

var (
	configPath = flag.String("config", "", "配置文件路径 (例如 ./config/cbm_server.yaml)")
	resource   = flag.String("resource", "products", "浏览的资源 (products, sales, stock)")
	baseURL    = flag.String("base-url", "", "覆盖后端地址")
	logFile    = flag.String("log-file", "", "日志文件，为空时丢弃日志")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if *baseURL != "" {
		cfg.Backend.BaseURL = *baseURL
	}

	// 终端界面占用 stdout，日志只能写文件
	var out io.Writer = io.Discard
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "打开日志文件失败: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	logger.Init(logger.Config{Level: cfg.Logger.Level, Format: cfg.Logger.Format, Output: out})

	cache := localcache.NewLayered(localcache.New(localcache.Config{
		DefaultTTL: cfg.Cache.DefaultTTL,
		MaxEntries: cfg.Cache.MaxEntries,
		Policy:     localcache.PolicyType(cfg.Cache.Policy),
	}), nil)
	client := apiclient.New(apiclient.Config{
		BaseURL:    cfg.Backend.BaseURL,
		Timeout:    cfg.Backend.Timeout,
		UserAgent:  cfg.Backend.UserAgent,
		MaxRetries: cfg.Backend.MaxRetries,
		CacheTTL:   cfg.Cache.DefaultTTL,
	}, apiclient.WithCache(cache))

	gridCfg := grid.Config{PageSize: cfg.Grid.PageSize, BlockSize: cfg.Grid.BlockSize}

	var model tea.Model
	switch *resource {
	case "products":
		model = newModel("Products", client, apiclient.ResourceProducts, gridCfg, explorer.ProductColumns())
	case "sales":
		model = newModel("Sales", client, apiclient.ResourceSales, gridCfg, explorer.SaleColumns())
	case "stock":
		model = newModel("Stock", client, apiclient.ResourceStock, gridCfg, explorer.StockColumns())
	default:
		fmt.Fprintf(os.Stderr, "未知资源: %s\n", *resource)
		os.Exit(2)
	}

	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newModel[R any](title string, client *apiclient.Client, resource string, cfg grid.Config, columns []explorer.Column[R]) tea.Model {
	loader := grid.NewLoader(apiclient.PageFetcher[R](client, resource), cfg)
	return explorer.New(title, loader, columns)
}
