package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/executor"
	"main/internal/journal"
	"main/internal/ops"
	"main/internal/order"
	"main/internal/reconcile"
	"main/internal/stream"
	"main/internal/throttle"
	"main/internal/venue"
	"main/pkg/conn"
)

type emptyLogger struct{}

func (emptyLogger) Infof(string, ...interface{})  {}
func (emptyLogger) Debugf(string, ...interface{}) {}
func (emptyLogger) Errorf(string, ...interface{}) {}

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	configReload := flag.Duration("config-reload-interval", 2*time.Second, "Config reload interval (0=disable)")
	pyroscopeURL := flag.String("pyroscope", "", "Pyroscope server address (empty=disabled)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *pyroscopeURL != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "connector",
			ServerAddress:   *pyroscopeURL,
			Tags: map[string]string{
				"env": "local",
			},
			Logger: emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("pyroscope start failed: %+v", err)
		} else {
			defer profiler.Stop()
		}
	}

	loaded, err := loadConfig(*configPath)
	if err != nil {
		logs.Errorf("config load failed: %+v", err)
		os.Exit(1)
	}

	if err := run(ctx, *configPath, *configReload, loaded); err != nil && ctx.Err() == nil {
		logs.Errorf("connector stopped: %+v", err)
		os.Exit(1)
	}
	logs.Info("connector shut down")
}

func run(ctx context.Context, configPath string, configReload time.Duration, loaded ops.Loaded) error {
	throttler, err := throttle.NewThrottler(loaded.Pools)
	if err != nil {
		return err
	}
	if configPath != "" && configReload > 0 {
		go watchConfig(ctx, configPath, configReload, throttler)
	}

	registry := order.NewRegistry(order.Events{
		OrderOpened: func(o order.Order) {
			logs.Infof("order %s OPEN at %s, venue id %s", o.LocalID, o.Pair, o.VenueID)
		},
		OrderFilled: func(o order.Order) {
			logs.Infof("order %s FILLED %s @ %s", o.LocalID, o.FilledAmount, o.AvgFillPrice)
		},
		OrderCanceled: func(o order.Order) {
			logs.Infof("order %s CANCELED", o.LocalID)
		},
		OrderFailed: func(o order.Order) {
			logs.Warnf("order %s FAILED", o.LocalID)
		},
	})

	engineOpt := reconcile.Option{Registry: registry, Throttler: throttler}
	if loaded.Journal.Enabled {
		client, err := conn.New(loaded.Journal.Postgres)
		if err != nil {
			return err
		}
		defer client.Close()
		j, err := journal.Open(client)
		if err != nil {
			return err
		}
		engineOpt.Journal = j
	}
	engine := reconcile.NewEngine(engineOpt)

	var wg sync.WaitGroup
	if loaded.Stream.URL != "" {
		session, err := buildSession(loaded.Stream, throttler)
		if err != nil {
			return err
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := session.Run(ctx); err != nil && ctx.Err() == nil {
				logs.Errorf("stream session ended: %+v", err)
			}
		}()
		go func() {
			defer wg.Done()
			engine.ConsumeStream(ctx, session.Queue(), reconcile.NormalizeOrderFrame)
		}()
	}

	// paper venues stand in for real adapters; the buying side quotes a
	// discount so the executor has a spread to work with
	buying := venue.NewSimVenue("dex", decimal.RequireFromString("0.001"), 2*time.Second)
	selling := venue.NewSimVenue("cex", decimal.RequireFromString("0.001"), 2*time.Second)
	buying.SetQuote(loaded.Executor.BuyingPair, decimal.NewFromInt(100), decimal.NewFromInt(100))
	selling.SetQuote(loaded.Executor.SellingPair, decimal.NewFromInt(102), decimal.NewFromInt(102))

	for _, v := range []*venue.SimVenue{buying, selling} {
		poller, err := reconcile.NewPoller(reconcile.PollerOption{
			Engine:            engine,
			Registry:          registry,
			Source:            v,
			VenueName:         v.Name(),
			Throttler:         throttler,
			StatusPool:        "order-status",
			Interval:          loaded.Reconcile.PollInterval,
			NotFoundThreshold: loaded.Reconcile.NotFoundThreshold,
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	}

	arb, err := executor.New(executor.Config{
		Buying:           executor.Market{Venue: buying, Pair: loaded.Executor.BuyingPair, Account: "paper-dex"},
		Selling:          executor.Market{Venue: selling, Pair: loaded.Executor.SellingPair, Account: "paper-cex"},
		OrderAmount:      loaded.Executor.OrderAmount,
		MinProfitability: loaded.Executor.MinProfitability,
		MaxRetries:       loaded.Executor.MaxRetries,
		UpdateInterval:   loaded.Executor.UpdateInterval,
	}, engine, registry, executor.Callbacks{
		Completed: func(a *executor.Arbitrage) {
			logs.Infof("arbitrage completed, net pnl %s (%s%%)",
				a.NetPnl().StringFixed(8), a.NetPnlPct().Mul(decimal.NewFromInt(100)).StringFixed(4))
		},
		Failed: func(a *executor.Arbitrage) {
			logs.Errorf("arbitrage failed")
		},
	})
	if err != nil {
		return err
	}

	logs.Infof("connector running: buy %s, sell %s, amount %s",
		loaded.Executor.BuyingPair, loaded.Executor.SellingPair, loaded.Executor.OrderAmount)
	err = arb.Run(ctx)

	stopWait := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopWait)
	}()
	select {
	case <-stopWait:
	case <-time.After(5 * time.Second):
		logs.Warn("shutdown timed out waiting for workers")
	}
	return err
}

func buildSession(spec ops.StreamSpec, throttler *throttle.Throttler) (*stream.Session, error) {
	subs := make([]stream.Subscription, 0, len(spec.Channels))
	for _, ch := range spec.Channels {
		subs = append(subs, stream.Subscription{
			Channel: ch,
			Payload: []byte(`{"command":"` + ch + `"}`),
		})
	}
	return stream.NewSession(stream.Option{
		URL:           spec.URL,
		Dialer:        stream.NewWebsocketDialer(),
		Auth:          stream.NewHMACAuth(os.Getenv("CONNECTOR_API_KEY"), os.Getenv("CONNECTOR_API_SECRET")),
		Subscriptions: subs,
		ReadTimeout:   spec.ReadTimeout,
		PingTimeout:   spec.PingTimeout,
		MaxReconnects: spec.MaxReconnects,
		Throttler:     throttler,
		ConnectPool:   "ws-connect",
		LoginPool:     "ws-login",
		SubscribePool: "ws-subscribe",
	})
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return defaultLoaded(), nil
	}
	return ops.Load(path)
}

func defaultLoaded() ops.Loaded {
	return ops.Loaded{
		Executor: ops.ExecutorSpec{
			BuyingPair:       "WETH-USDT",
			SellingPair:      "ETH-USDC",
			OrderAmount:      decimal.NewFromInt(1),
			MinProfitability: decimal.RequireFromString("0.005"),
			MaxRetries:       3,
			UpdateInterval:   time.Second,
		},
		Reconcile: ops.ReconcileSpec{
			PollInterval:      time.Second,
			NotFoundThreshold: 3,
		},
		Pools: []throttle.Pool{
			{ID: "ws-connect", Limit: 1, Window: 10 * time.Second},
			{ID: "ws-login", Limit: 1, Window: time.Second},
			{ID: "ws-subscribe", Limit: 5, Window: time.Second},
			{ID: "order-status", Limit: 20, Window: time.Second},
		},
	}
}

func watchConfig(ctx context.Context, path string, interval time.Duration, throttler *throttle.Throttler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				logs.Warnf("config stat failed: %+v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			loaded, err := ops.Load(path)
			if err != nil {
				logs.Warnf("config reload failed: %+v", err)
				continue
			}
			if err := throttler.Configure(loaded.Pools); err != nil {
				logs.Warnf("rate limit reconfigure failed: %+v", err)
				continue
			}
			lastMod = info.ModTime()
			logs.Infof("rate limits reloaded from %s", path)
		}
	}
}
