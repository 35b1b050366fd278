// Command server runs the signal monitoring core: HHP/SG/CD/DF pipeline
// driven by SCH's two ticks, fronted by the HTTP/WebSocket surface.
package main

import (
	"context"
	"io"
	"os"
	osignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/fxsignal/internal/cache"
	"github.com/aristath/fxsignal/internal/changedetect"
	"github.com/aristath/fxsignal/internal/collector"
	"github.com/aristath/fxsignal/internal/config"
	"github.com/aristath/fxsignal/internal/database"
	"github.com/aristath/fxsignal/internal/delivery"
	"github.com/aristath/fxsignal/internal/domain"
	"github.com/aristath/fxsignal/internal/hhp"
	"github.com/aristath/fxsignal/internal/metrics"
	"github.com/aristath/fxsignal/internal/notify"
	"github.com/aristath/fxsignal/internal/position"
	"github.com/aristath/fxsignal/internal/predictor"
	"github.com/aristath/fxsignal/internal/reliability"
	"github.com/aristath/fxsignal/internal/scheduler"
	"github.com/aristath/fxsignal/internal/server"
	"github.com/aristath/fxsignal/internal/signal"
	"github.com/aristath/fxsignal/internal/store"
	"github.com/aristath/fxsignal/internal/subscriptions"
	"github.com/aristath/fxsignal/internal/upstream"
)

func openStore(dataDir, name string) (*database.DB, error) {
	db, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		return nil, err
	}
	return db, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var out io.Writer = os.Stdout
	if cfg.DevMode {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	log := zerolog.New(out).With().Timestamp().Str("service", "fxsignal").Logger()
	if level, lerr := zerolog.ParseLevel(cfg.LogLevel); lerr == nil {
		log = log.Level(level)
	}

	tunables, err := config.LoadTunables(cfg.TunablesPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load tunables")
	}

	candlesDB, err := openStore(cfg.DataDir, "candles")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open candle store")
	}
	defer candlesDB.Close()

	changestateDB, err := openStore(cfg.DataDir, "changestate")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open changestate store")
	}
	defer changestateDB.Close()

	subscriptionsDB, err := openStore(cfg.DataDir, "subscriptions")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open subscriptions store")
	}
	defer subscriptionsDB.Close()

	positionsDB, err := openStore(cfg.DataDir, "positions")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open positions store")
	}
	defer positionsDB.Close()

	candleStore := store.NewCandleStore(candlesDB.Conn(), log)
	signalStore := store.NewSignalStore(changestateDB.Conn(), log)
	stateStore := store.NewInstrumentStateStore(changestateDB.Conn(), log)
	counterStore := store.NewDeliveryCounterStore(subscriptionsDB.Conn(), log)
	positionStore := store.NewPositionStore(positionsDB.Conn(), log)
	registry := subscriptions.New(subscriptionsDB.Conn(), log)

	m := metrics.New()

	fetcher := upstream.NewFetcher(upstream.Config{
		BaseURL:          cfg.UpstreamURL,
		APIKey:           cfg.UpstreamAPIKey,
		DailyTokenBudget: tunables.UpstreamDailyTokenBudget,
	}, log)
	fetcher.SetMetrics(m)

	var hotCache cache.Cache
	if cfg.RedisAddr != "" {
		redisCache, rerr := cache.NewRedis(cache.RedisConfig{Addr: cfg.RedisAddr}, log)
		if rerr != nil {
			log.Fatal().Err(rerr).Msg("failed to connect to redis cache")
		}
		hotCache = redisCache
	} else {
		hotCache = cache.NewInMemory()
	}

	hhpProvider := hhp.New(candleStore, fetcher, hotCache, log)
	predictorClient := predictor.New(cfg.PredictorURL, log)
	generator := signal.New(hhpProvider, predictorClient, signalStore, tunables, log)
	detector := changedetect.New(stateStore, tunables, log)
	broker := notify.NewBroker(log)

	renderer := delivery.Renderer(signal.RenderChange)
	filter := delivery.New(registry, stateStore, counterStore, renderer, log)
	filter.SetMetrics(m)

	deliverers := map[domain.SubscriberKind]delivery.Deliverer{
		domain.SubscriberWebhook: delivery.NewWebhookDeliverer(log),
	}

	monitor := position.New(positionStore, hhpProvider, broker, log)
	monitor.SetMetrics(m)

	dc := collector.New(candleStore, fetcher, log)

	sched := scheduler.New(
		scheduler.Config{WorkerPoolSize: cfg.WorkerPoolSize},
		registry, generator, detector, broker, filter, deliverers,
		positionStore, monitor, log,
	)
	sched.SetMetrics(m)
	sched.SetCollector(dc)

	srv := server.New(server.Config{
		Log:        log,
		Port:       cfg.Port,
		DevMode:    cfg.DevMode,
		Generator:  generator,
		Detector:   detector,
		Registry:   registry,
		Positions:  positionStore,
		Candles:    candleStore,
		HHP:        hhpProvider,
		Monitor:    monitor,
		Broker:     broker,
		Filter:     filter,
		Deliverers: deliverers,
		Renderer:   renderer,
		Metrics:    m,
	})

	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	if cfg.S3Bucket != "" {
		go runBackupLoop(cfg, log)
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	osignal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
}

// runBackupLoop periodically archives the store set to S3 (spec §7's
// durability story), stopping only on process exit.
func runBackupLoop(cfg *config.Config, log zerolog.Logger) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		log.Error().Err(err).Msg("failed to load AWS config, backups disabled")
		return
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
			o.UsePathStyle = true
		}
	})
	backupSvc := reliability.New(client, cfg.S3Bucket, cfg.DataDir, log)

	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		if err := backupSvc.CreateAndUpload(ctx); err != nil {
			log.Error().Err(err).Msg("backup failed")
		}
		if err := backupSvc.RotateOldBackups(ctx, 30); err != nil {
			log.Error().Err(err).Msg("backup rotation failed")
		}
		cancel()
	}
}
