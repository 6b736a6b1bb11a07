package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"futures-engine/internal/api"
	"futures-engine/internal/engine"
	"futures-engine/internal/events"
	"futures-engine/internal/gateway"
	"futures-engine/internal/ledger"
	"futures-engine/internal/market"
	"futures-engine/internal/monitor"
	"futures-engine/internal/order"
	"futures-engine/internal/persistence"
	"futures-engine/internal/reconciliation"
	"futures-engine/internal/risk"
	"futures-engine/internal/strategy"
	"futures-engine/internal/stream"
	"futures-engine/internal/sweeper"
	"futures-engine/pkg/cache"
	"futures-engine/pkg/config"
	"futures-engine/pkg/db"
	exfutusdt "futures-engine/pkg/exchanges/binance/futures_usdt"
	"futures-engine/pkg/exchanges/common"
	"futures-engine/pkg/exchanges/paper"
	"futures-engine/pkg/i18n"
	"futures-engine/pkg/logger"
	marketbinance "futures-engine/pkg/market/binance"
)

var log = logrus.WithField("component", "main")

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}
	i18n.SetLanguage(i18n.Language(cfg.Language))

	// `futures-engine token <operator>` prints a bearer token and exits.
	if len(os.Args) > 2 && os.Args[1] == "token" {
		token, err := api.IssueToken(os.Args[2], cfg.JWTSecret, 30*24*time.Hour)
		if err != nil {
			log.Fatalf(i18n.Get("TokenIssueFailed"), err)
		}
		fmt.Printf(i18n.Get("TokenIssued")+"\n", os.Args[2], token)
		return
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}); err != nil {
		log.Fatalf(i18n.Get("LoggerInitFailed"), err)
	}
	log.Info(i18n.Get("Starting"))
	log.Infof(i18n.Get("ConfigLoaded"), cfg.Port)

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	var database *db.Database
	if cfg.DBDriver == db.DriverPostgres {
		database, err = db.Open(db.DriverPostgres, cfg.DatabaseURL)
	} else {
		database, err = db.New(cfg.DBPath)
	}
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	log.Infof(i18n.Get("UsingDatabase"), cfg.DBDriver)
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf(i18n.Get("DBMigrationsFailed"), err)
	}

	// Ledger seeded from the database
	bus := events.NewBus()
	led := ledger.New(database, bus)
	if err := led.Load(ctx); err != nil {
		log.Fatalf(i18n.Get("LedgerLoadFailed"), err)
	}
	log.Infof(i18n.Get("LedgerLoaded"), len(led.ActiveOrders()), len(led.Positions()))

	profiles, err := strategy.LoadProfiles(cfg.StrategyConfig, cfg.OrderTimeout)
	if err != nil {
		log.Warnf(i18n.Get("ProfilesFallback"), err)
		profiles = strategy.DefaultProfiles(cfg.OrderTimeout)
	}
	log.Infof(i18n.Get("ProfilesLoaded"), profiles.Names())

	var block *order.BlockWindow
	if cfg.TradingBlock != "" {
		block, err = order.ParseBlockWindow(cfg.TradingBlock, cfg.TradingTimezone)
		if err != nil {
			log.Fatalf(i18n.Get("BlockWindowInvalid"), err)
		}
		log.Infof(i18n.Get("BlockWindowActive"), block.String())
	}

	sysMetrics := monitor.NewSystemMetrics()
	queue := stream.NewQueue(cfg.EventQueueSize)
	sysMetrics.SetQueueDepth(queue.Len)

	// Exchange venue: the paper exchange in dry-run, Binance USDT-M otherwise
	var (
		venue     gateway.Venue
		paperEx   *paper.Exchange
		futures   *exfutusdt.Client
		venueName string
	)
	if cfg.DryRun {
		paperEx = paper.New(paper.Config{SlippageBps: 2, LatencyMin: 5 * time.Millisecond, LatencyMax: 40 * time.Millisecond})
		venue, venueName = paperEx, "paper"
		log.Info(i18n.Get("DryRunMode"))
	} else {
		futures = exfutusdt.NewClient(exfutusdt.Config{
			APIKey:    cfg.BinanceUSDTKey,
			APISecret: cfg.BinanceUSDTSecret,
			Testnet:   cfg.BinanceTestnet,
			BaseURL:   cfg.BinanceBaseURL,
			Timeout:   cfg.GatewayTimeout,
		})
		futures.StartTimeSync(ctx)
		venue, venueName = futures, "binance-usdtfut"
		log.Infof(i18n.Get("LiveMode"), venueName)
	}
	gw := gateway.New(venue, gateway.Config{
		Timeout:    cfg.GatewayTimeout,
		MaxRetries: cfg.GatewayMaxRetries,
		Backoff:    gateway.Backoff{Base: cfg.GatewayRetryBase, Max: 5 * time.Second},
	}, sysMetrics.ObserveGateway)

	ids := order.NewIDGenerator(cfg.OrderIDPrefix)
	protection := risk.Params{
		TPPercentage:   cfg.TPPercentage,
		MinTPProfitPct: cfg.MinTPProfitPct,
		StopLossPct:    cfg.StopLossPercentage,
		EnableStopLoss: cfg.EnableStopLoss,
	}

	// Event journal, batched off the worker's path
	batchWriter := persistence.NewBatchWriter(database, 200, time.Second)
	journal := persistence.NewJournal(batchWriter)

	resyncer := stream.NewResyncer(stream.ResyncerDeps{
		Gateway: gw,
		Ledger:  led,
		Queue:   queue,
		Owns:    ids.Owns,
		Metrics: sysMetrics,
		Bus:     bus,
	})
	worker := reconciliation.NewWorker(reconciliation.Deps{
		Ledger:     led,
		Gateway:    gw,
		Queue:      queue,
		Resync:     resyncer,
		Owns:       ids.Owns,
		Protection: protection,
		Journal:    journal,
		Metrics:    sysMetrics,
	})

	var klines common.KlineSource = marketbinance.NewClient(cfg.BinanceTestnet, cfg.BinanceBaseURL)
	dispatcher := order.NewDispatcher(order.Deps{
		Ledger:   led,
		Gateway:  gw,
		Klines:   klines,
		Forward:  queue.Push,
		Profiles: profiles,
		IDs:      ids,
		Dedup:    cache.NewShardedTTLCache(cfg.DedupWindow),
		Block:    block,
		Metrics:  sysMetrics,
		Bus:      bus,
	}, order.Config{
		Leverage:   cfg.DefaultLeverage,
		MarginType: cfg.MarginType,
		Limits: risk.Limits{
			MaxPositions:        cfg.MaxPositions,
			MaxPositionNotional: cfg.MaxPositionNotional,
		},
	})

	sweep := sweeper.New(sweeper.Deps{
		Ledger:   led,
		Gateway:  gw,
		Queue:    queue,
		Profiles: profiles,
		Metrics:  sysMetrics,
	}, sweeper.Config{Interval: cfg.SweepInterval, Grace: cfg.TimeoutGrace})

	auditor := reconciliation.NewAuditor(reconciliation.AuditDeps{
		Gateway: gw,
		Ledger:  led,
		Queue:   queue,
		Resync:  resyncer,
		Journal: journal,
		Metrics: sysMetrics,
		Bus:     bus,
	}, cfg.AuditInterval, cfg.AuditAutoSync)

	mon := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{}}
	mon.Start(ctx)

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// Event sources feed the single worker through the queue.
	if paperEx != nil {
		run(func() { paperEx.Run(ctx, queue.Push) })
		log.Info(i18n.Get("PaperVenueStarted"))
		if cfg.PaperFeed {
			feed := &market.Feed{Klines: klines, Ledger: led, Sink: paperEx, Interval: cfg.PaperFeedPeriod}
			feed.Start(ctx)
			log.Infof(i18n.Get("PaperFeedStarted"), cfg.PaperFeedPeriod)
		}
	} else {
		listener := stream.NewListener(futures, queue, resyncer, sysMetrics, stream.ListenerConfig{
			BaseURL:   exfutusdt.StreamBaseURL(cfg.BinanceTestnet),
			Keepalive: cfg.ListenKeyKeepalive,
			MaxAge:    cfg.ListenKeyMaxAge,
			Backoff:   gateway.Backoff{Base: cfg.ReconnectBase, Max: cfg.ReconnectMax},
		})
		run(func() {
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("user data stream stopped")
			}
		})
		log.Info(i18n.Get("UserStreamStarted"))
	}
	run(func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf(i18n.Get("WorkerStopped"), err)
		}
	})
	run(func() { resyncer.Run(ctx) })
	run(func() { sweep.Run(ctx) })
	log.Infof(i18n.Get("SweeperStarted"), cfg.TimeoutGrace)
	run(func() { auditor.Run(ctx) })
	log.Infof(i18n.Get("AuditStarted"), cfg.AuditInterval, cfg.AuditAutoSync)

	// Orders may have moved while the engine was down.
	resyncer.Request()
	log.Info(i18n.Get("InitialResync"))

	engService := engine.NewImpl(engine.Config{
		Dispatcher: dispatcher,
		Ledger:     led,
		DB:         database,
		Journal:    journal,
		Resync:     resyncer,
		Auditor:    auditor,
		Paper:      paperEx,
		Health:     gw.Health,
		Queue:      queue,
		Meta: engine.SystemStatus{
			Mode: func() string {
				if cfg.DryRun {
					return "DRY_RUN"
				}
				return "LIVE"
			}(),
			DryRun:        cfg.DryRun,
			Venue:         venueName,
			Version:       buildVersion,
			OrderIDPrefix: cfg.OrderIDPrefix,
		},
	})

	if cfg.JWTSecret == "" {
		log.Warn(i18n.Get("JWTDisabled"))
	}
	server := api.NewServer(bus, engService, sysMetrics, cfg.JWTSecret)
	if err := server.Start(ctx, ":"+cfg.Port); err != nil {
		log.Errorf(i18n.Get("APIServerError"), err)
		stop()
	}

	log.Info(i18n.Get("ShuttingDown"))
	wg.Wait()
	if err := batchWriter.Close(); err != nil {
		log.Errorf(i18n.Get("JournalFlushFailed"), err)
	}
	log.Info(i18n.Get("Stopped"))
}
