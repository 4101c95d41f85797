package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cbmgrc/pkg/apiclient"
	"cbmgrc/pkg/config"
	"cbmgrc/pkg/grid"
	"cbmgrc/pkg/localcache"
	"cbmgrc/pkg/logger"
	"cbmgrc/pkg/metrics"
	"cbmgrc/pkg/remotecache"
	"cbmgrc/pkg/scheduler"
	"cbmgrc/pkg/server"
	"cbmgrc/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "配置文件路径 (例如 /app/config/cbm_server.yaml)")
	logLevel   = flag.String("log-level", "", "覆盖日志级别 (debug, info, warn, error)")
	port       = flag.String("port", "", "覆盖监听端口")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithComponent("main").WithError(err).Fatal("Failed to load configuration")
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger.Init(logger.Config{Level: cfg.Logger.Level, Format: cfg.Logger.Format})
	log := logger.WithComponent("main")

	ctx := context.Background()
	collector := metrics.New("")

	local := localcache.New(localcache.Config{
		DefaultTTL: cfg.Cache.DefaultTTL,
		MaxEntries: cfg.Cache.MaxEntries,
		Policy:     localcache.PolicyType(cfg.Cache.Policy),
	}, localcache.WithObserver(collector))

	services := map[string]server.Pinger{}
	var layered *localcache.Layered
	if cfg.Redis.Enabled {
		rc, err := remotecache.Dial(ctx, remotecache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			log.WithError(err).Warn("Redis unavailable, using local cache only")
			layered = localcache.NewLayered(local, nil)
		} else {
			defer rc.Close()
			layered = localcache.NewLayered(local, rc)
			services["redis"] = rc
			log.WithField("addr", cfg.Redis.Addr).Info("Redis second-level cache enabled")
		}
	} else {
		layered = localcache.NewLayered(local, nil)
	}

	client := apiclient.New(apiclient.Config{
		BaseURL:    cfg.Backend.BaseURL,
		Timeout:    cfg.Backend.Timeout,
		UserAgent:  cfg.Backend.UserAgent,
		MaxRetries: cfg.Backend.MaxRetries,
		CacheTTL:   cfg.Cache.DefaultTTL,
	}, apiclient.WithCache(layered), apiclient.WithObserver(collector))

	registry, err := server.NewLoaderRegistry(cfg.Grid.MaxLoaders, map[string]grid.FetchFunc[server.Row]{
		"products": apiclient.PageFetcher[server.Row](client, apiclient.ResourceProducts),
		"sales":    apiclient.PageFetcher[server.Row](client, apiclient.ResourceSales),
		"stock":    apiclient.PageFetcher[server.Row](client, apiclient.ResourceStock),
	}, grid.Config{PageSize: cfg.Grid.PageSize, BlockSize: cfg.Grid.BlockSize}, grid.WithObserver(collector))
	if err != nil {
		log.WithError(err).Fatal("Failed to create loader registry")
	}

	var reporter scheduler.StatsReporter
	if cfg.InfluxDB.Enabled {
		influx, writer, err := telemetry.Connect(ctx, telemetry.InfluxConfig{
			URL:    cfg.InfluxDB.URL,
			Token:  cfg.InfluxDB.Token,
			Org:    cfg.InfluxDB.Org,
			Bucket: cfg.InfluxDB.Bucket,
		})
		if err != nil {
			log.WithError(err).Warn("InfluxDB unavailable, stats reporting disabled")
		} else {
			defer influx.Close()
			host, _ := os.Hostname()
			reporter = telemetry.NewReporter(writer, local,
				telemetry.WithLoaderStats(registry.Stats),
				telemetry.WithHost(host))
		}
	}

	jobs := scheduler.New(scheduler.NewMaintenanceExecutor(local, reporter))
	log.WithField("jobs", jobs.Load(cfg.Jobs)).Info("Maintenance jobs loaded")
	jobs.Start()

	srv := server.New(server.Config{
		Port:        cfg.Server.Port,
		Mode:        cfg.Server.Mode,
		PageSize:    cfg.Grid.PageSize,
		WaitTimeout: cfg.Grid.WaitTimeout,
	}, server.Deps{
		Cache:    layered,
		Loaders:  registry,
		Metrics:  collector.Handler(),
		Jobs:     jobs,
		Services: services,
	})
	if err := srv.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start BFF server")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down BFF server...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	srv.Stop(shutdownCtx)
	if err := jobs.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Failed to stop job scheduler")
	}
}
