package main

import (
	"context"
	"flag"
	"log"
	"sync/atomic"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/allocation"
	"main/internal/basket"
	"main/internal/bus"
	"main/internal/exchange"
	"main/internal/execution"
	"main/internal/ingest"
	"main/internal/ledger"
	"main/internal/model/enum"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/portfolio"
	"main/internal/risk"
	"main/internal/scale"
	"main/pkg/conn"
)

type runtimeConfig struct {
	v atomic.Value
}

func newRuntimeConfig(loaded ops.Loaded) *runtimeConfig {
	var rc runtimeConfig
	rc.v.Store(loaded)
	return &rc
}

func (r *runtimeConfig) Load() ops.Loaded {
	return r.v.Load().(ops.Loaded)
}

func (r *runtimeConfig) Update(loaded ops.Loaded) {
	r.v.Store(loaded)
}

func main() {
	configPath := flag.String("config", "", "Path to config file")
	configReload := flag.Duration("config-reload-interval", 2*time.Second, "Config reload interval (0=disable)")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	runtime := newRuntimeConfig(loaded)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *configPath != "" && *configReload > 0 {
		go watchConfig(ctx, *configPath, *configReload, runtime)
	}

	if addr := loaded.Ops.PyroscopeAddr; addr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "trader",
			ServerAddress:   addr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	store, closeStore, err := openStore(loaded.Database)
	if err != nil {
		log.Fatalf("open ledger store failed: %v", err)
	}
	defer closeStore()

	metrics := obs.NewMetrics()
	gateway := exchange.NewGateway(loaded.Exchange, loaded.Retry.CoolDown)
	alloc := allocation.NewManager(loaded.Tiers)
	tracker := portfolio.NewTracker(store, loaded.Risk)
	validator := risk.NewValidator(loaded.Risk, tracker)
	baskets := basket.NewManager(loaded.Basket)

	statusOf := func() enum.TradingStatus {
		return enum.TradingStatus(runtime.Load().Trading.Status)
	}

	execSvc := execution.NewService(store, gateway, alloc, validator, statusOf, loaded.Retry, metrics)
	placer := execution.NewRetryingPlacer(gateway, loaded.Retry, metrics)
	scaleMgr := scale.NewManager(store, placer, loaded.Scale, metrics)
	trailing := scale.NewTrailingStops(loaded.Scale.TrailingPct)

	queue := bus.NewQueue(loaded.Feed.QueueCap)
	defer queue.Close()

	var feed *ingest.PriceFeed
	if loaded.Feed.URL != "" {
		feed = ingest.NewPriceFeed(ctx, loaded.Feed, queue)
		if err := feed.Start(ctx); err != nil {
			log.Fatalf("start price feed failed: %v", err)
		}
		defer feed.Close()

		for _, symbol := range loaded.Feed.Symbols {
			if err := feed.SubscribeTrades(ctx, symbol); err != nil {
				log.Fatalf("subscribe %s failed: %v", symbol, err)
			}
		}
		unsubscribe := feed.Observe(ctx)
		defer unsubscribe()
	}

	app := &trader{
		runtime:   runtime,
		store:     store,
		gateway:   gateway,
		tracker:   tracker,
		validator: validator,
		baskets:   baskets,
		execSvc:   execSvc,
		scaleMgr:  scaleMgr,
		trailing:  trailing,
		feed:      feed,
		metrics:   metrics,
	}

	go queue.Run(ctx, app.handleTick)
	go app.runScheduler(ctx, loaded.Ops.CycleInterval)
	go serveOps(ctx, loaded.Ops.MetricsAddr, metrics, app)

	logs.Infof("trader started, sandbox=%t, status=%s", gateway.Sandbox(), statusOf())
	<-sys.Shutdown()
	logs.Info("trader shutting down")
	cancel()
}

// openStore selects postgres when configured and the in-memory ledger
// otherwise. Memory only survives the process; live trading requires a
// database host.
func openStore(cfg ops.DatabaseConfig) (ledger.Store, func(), error) {
	if cfg.Host == "" {
		logs.Warnf("no database configured, using in-memory ledger")
		return ledger.NewMemory(), func() {}, nil
	}

	client, err := conn.New(conn.Option{
		Host:         cfg.Host,
		Port:         cfg.Port,
		User:         cfg.User,
		Password:     cfg.Password,
		Database:     cfg.Database,
		SSLMode:      cfg.SSLMode,
		MaxOpenConns: cfg.MaxOpenConns,
		LogQueries:   cfg.LogQueries,
	})
	if err != nil {
		return nil, nil, err
	}

	store, err := ledger.NewGorm(client.DB())
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	return store, func() { _ = client.Close() }, nil
}

// watchConfig re-reads the config file on an interval so the kill switch
// and limit changes apply without a restart. A broken file keeps the last
// good config.
func watchConfig(ctx context.Context, path string, interval time.Duration, runtime *runtimeConfig) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			loaded, err := ops.Load(path)
			if err != nil {
				logs.Warnf("config reload skipped: %+v", err)
				continue
			}

			previous := runtime.Load()
			runtime.Update(loaded)
			if previous.Trading.Status != loaded.Trading.Status {
				logs.Warnf("trading status changed: %s -> %s", previous.Trading.Status, loaded.Trading.Status)
			}
		}
	}
}
