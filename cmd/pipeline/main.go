package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/cyberwatch/pipeline/internal/audit"
	"github.com/cyberwatch/pipeline/internal/dedup"
	"github.com/cyberwatch/pipeline/internal/enrichment"
	"github.com/cyberwatch/pipeline/internal/extractor"
	"github.com/cyberwatch/pipeline/internal/fetchcache"
	"github.com/cyberwatch/pipeline/internal/llm"
	"github.com/cyberwatch/pipeline/internal/metrics"
	"github.com/cyberwatch/pipeline/internal/months"
	"github.com/cyberwatch/pipeline/internal/pipeline"
	"github.com/cyberwatch/pipeline/internal/retryqueue"
	"github.com/cyberwatch/pipeline/internal/risk"
	"github.com/cyberwatch/pipeline/internal/storage/sqlite"
	"github.com/cyberwatch/pipeline/pkg/config"
	appLogger "github.com/cyberwatch/pipeline/pkg/logger"
)

func main() {
	mode := flag.String("mode", "backfill", "backfill | retry | dedup | risk")
	from := flag.String("from", "", "first month to process, YYYY-MM")
	to := flag.String("to", "", "last month to process, YYYY-MM (defaults to -from)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("starting incident enrichment pipeline", zap.String("mode", *mode))

	metrics.Init()

	store, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("failed to create sqlite client", zap.Error(err))
	}
	defer store.Close()

	if err := store.InitSchema(); err != nil {
		appLogger.Fatal("failed to initialize schema", zap.Error(err))
	}

	var cache extractor.FetchCache
	if cfg.Redis.Enabled {
		redisCache, err := fetchcache.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Warn("fetch cache unavailable, continuing without it", zap.Error(err))
		} else {
			defer redisCache.Close()
			cache = redisCache
		}
	}

	modelClient := llm.NewClient(
		cfg.Model.APIKey,
		cfg.Model.Model,
		cfg.Model.Temperature,
		cfg.Model.MaxTokens,
		cfg.Model.TimeoutSec,
	)

	ext := extractor.New(extractor.Config{
		FetchTimeout:    time.Duration(cfg.Extractor.FetchTimeoutSec) * time.Second,
		UserAgent:       cfg.Extractor.UserAgent,
		MaxBodyBytes:    cfg.Extractor.MaxBodyBytes,
		MinContentChars: cfg.Extractor.MinContentChars,
	}, store, cache, nil)

	recorder := audit.NewRecorder(store)
	classifier := enrichment.NewClassifier(modelClient, cfg.Model.Model, store, recorder)
	dedupEngine := dedup.NewEngine(store, dedup.Config{
		SimilarityThreshold: cfg.Pipeline.DedupThreshold,
		DateWindowDays:      cfg.Pipeline.DedupDateWindowDays,
	})
	riskClassifier := risk.NewClassifier(modelClient, cfg.Model.RiskModel, store)
	tracker := months.NewTracker(store)

	runner := pipeline.NewRunner(store, ext, classifier, dedupEngine, riskClassifier, tracker, cfg.Pipeline.Workers)

	app := opsServer(cfg)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Error("ops server stopped", zap.Error(err))
		}
	}()
	defer app.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		appLogger.Warn("interrupt received, cancelling batch")
		cancel()
	}()

	if err := run(ctx, *mode, *from, *to, runner, store, dedupEngine, riskClassifier); err != nil {
		appLogger.Fatal("batch run failed", zap.Error(err))
	}

	appLogger.Info("batch run finished")
}

func run(ctx context.Context, mode, from, to string, runner *pipeline.Runner,
	store *sqlite.Client, dedupEngine *dedup.Engine, riskClassifier *risk.Classifier) error {

	switch mode {
	case "backfill":
		fromYear, fromMonth, err := parseMonth(from)
		if err != nil {
			return err
		}
		toYear, toMonth := fromYear, fromMonth
		if to != "" {
			if toYear, toMonth, err = parseMonth(to); err != nil {
				return err
			}
		}

		summaries, err := runner.RunRange(ctx, fromYear, fromMonth, toYear, toMonth)
		for _, s := range summaries {
			appLogger.Info("month summary",
				zap.Int("year", s.Year),
				zap.Int("month", int(s.Month)),
				zap.Bool("skipped", s.Skipped),
				zap.Bool("complete", s.MarkedComplete),
				zap.Int("raw_events", s.TotalRawEvents),
				zap.Int("enriched", s.EnrichedEvents),
				zap.Int("pending_retries", s.PendingRetries),
			)
		}
		return err

	case "retry":
		orchestrator := retryqueue.NewOrchestrator(store, runner)
		year, month := 0, time.January
		if from != "" {
			var err error
			if year, month, err = parseMonth(from); err != nil {
				return err
			}
		}
		succeeded, failed, err := orchestrator.Retry(ctx, year, month)
		appLogger.Info("retry summary", zap.Int("succeeded", succeeded), zap.Int("failed", failed))
		return err

	case "dedup":
		_, err := dedupEngine.Run(ctx)
		return err

	case "risk":
		_, err := riskClassifier.Run(ctx)
		return err

	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func parseMonth(s string) (int, time.Month, error) {
	if s == "" {
		return 0, 0, fmt.Errorf("month required, format YYYY-MM")
	}
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return t.Year(), t.Month(), nil
}

func opsServer(cfg *config.Config) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ready"})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	return app
}
