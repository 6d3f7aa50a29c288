package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"sourcewatch/api"
	"sourcewatch/config"
	"sourcewatch/deduplication"
	"sourcewatch/fetcher"
	"sourcewatch/llm"
	"sourcewatch/logging"
	"sourcewatch/orchestrator"
	"sourcewatch/retry"
	"sourcewatch/sources"
	"sourcewatch/storage"
)

func main() {
	// Load environment variables from .env if present (non-fatal if missing)
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("SOURCEWATCH_CONFIG"), "path to the YAML config file")
	once := flag.Bool("once", false, "run the pipeline once, print the run report as JSON and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once, logger); err != nil {
		logger.Error().Err(err).Msg("sourcewatch exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, once bool, logger zerolog.Logger) error {
	store, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	source, err := buildSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	canon := deduplication.NewCanonicalizer(deduplication.CanonicalizerOptions{
		TrackingPrefixes: cfg.Canonicalizer.TrackingPrefixes,
		TrackingParams:   cfg.Canonicalizer.TrackingParams,
		WrapperParams:    cfg.Canonicalizer.WrapperParams,
	})
	pipeline := buildPipeline(cfg, store, source, canon, logger)
	if err := pipeline.RefreshCounts(ctx); err != nil {
		return err
	}

	if once {
		report, err := pipeline.Process(ctx)
		if report != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(report); encErr != nil {
				logger.Error().Err(encErr).Msg("failed to print run report")
			}
		}
		return err
	}

	server := api.NewServer(ctx, pipeline, store, canon, cfg.Server.Addr, logger)
	server.Start()
	logger.Info().Msg("API endpoints available: POST /api/process, GET /api/status, GET /api/health, GET /api/reports, GET /api/reports/lineage, GET /api/articles")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "redis":
		return storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:       cfg.S3.Bucket,
			Key:          cfg.S3.Key,
			Region:       cfg.S3.Region,
			Profile:      cfg.S3.Profile,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	default:
		return storage.NewFileStore(cfg.File.Path)
	}
}

func buildSource(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (sources.Source, error) {
	switch cfg.Source.Type {
	case "feed":
		feedCfg := sources.FeedConfig{
			URLs:     cfg.Source.Feed.URLs,
			MaxItems: cfg.Source.Feed.MaxItems,
			Logger:   logger,
		}
		if cfg.Bloom.Enabled {
			bloom, err := deduplication.NewRedisBloom(ctx, deduplication.BloomConfig{
				Addr:      cfg.Bloom.Addr,
				Password:  cfg.Bloom.Password,
				DB:        cfg.Bloom.DB,
				Key:       cfg.Bloom.Key,
				TTL:       cfg.Bloom.TTL,
				Capacity:  cfg.Bloom.Capacity,
				ErrorRate: cfg.Bloom.ErrorRate,
			}, logger)
			if err != nil {
				return nil, err
			}
			feedCfg.Seen = bloom
		}
		return sources.NewFeedSource(feedCfg), nil
	case "kafka":
		return sources.NewKafkaSource(ctx, sources.KafkaConfig{
			Brokers: cfg.Source.Kafka.Brokers,
			Topic:   cfg.Source.Kafka.Topic,
			GroupID: cfg.Source.Kafka.GroupID,
			Logger:  logger,
		})
	default:
		return sources.NewDirSource(cfg.Source.Dir.Path, logger)
	}
}

func buildPipeline(cfg *config.Config, store storage.Store, source sources.Source, canon *deduplication.Canonicalizer, logger zerolog.Logger) *orchestrator.Pipeline {
	p := cfg.Pipeline

	engine := llm.NewCohereEngine(llm.CohereConfig{
		APIKey:      cfg.Engine.APIKey,
		Model:       cfg.Engine.Model,
		Temperature: cfg.Engine.Temperature,
		Timeout:     cfg.Engine.Timeout,
	})
	call := llm.CallConfig{
		Retry:            retry.Config{MaxRetries: p.EngineRetries, BaseDelay: p.RetryBaseDelay, MaxDelay: p.RetryMaxDelay},
		MalformedRetries: p.MalformedRetries,
		Logger:           logger,
	}

	return orchestrator.New(orchestrator.Deps{
		Store:   store,
		Source:  source,
		Fetcher: fetcher.NewHTTPFetcher(nil, p.UserAgent),
		Resolver: llm.NewResolver(engine, llm.ResolverConfig{
			Call:            call,
			MaxContentChars: p.MaxContentChars,
			MaxLinks:        p.MaxLinksPerArticle,
			Canonicalizer:   canon,
			Logger:          logger,
		}),
		Summarizer: llm.NewSummarizer(engine, llm.SummarizerConfig{
			Call:            call,
			MaxContentChars: p.MaxContentChars,
			Rubric: llm.Rubric{
				Domain:      cfg.Summarizer.Domain,
				Affirmative: cfg.Summarizer.Affirmative,
				Negative:    cfg.Summarizer.Negative,
			},
			Logger: logger,
		}),
		Canonicalizer: canon,
		Logger:        logger,
	}, orchestrator.Config{
		Workers:           p.Workers,
		FetchTimeout:      p.FetchTimeout,
		FetchRetry:        retry.Config{MaxRetries: p.FetchRetries, BaseDelay: p.RetryBaseDelay, MaxDelay: p.RetryMaxDelay},
		MaxBatchItems:     p.MaxBatchItems,
		MaxSourceAttempts: p.MaxSourceAttempts,
	})
}
