package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"airelay/internal/config"
	"airelay/internal/redis"
	"airelay/internal/service/analyzer"
	"airelay/internal/service/relay"
	"airelay/internal/storage"
)

// App holds the long-lived collaborators shared by the server and the CLI.
type App struct {
	Config   *config.Config
	Store    storage.Store
	Backend  string
	Cache    *redis.Client
	Text     *analyzer.TextService
	Vision   *analyzer.VisionService
	Uploads  *relay.UploadDir
	Pipeline *relay.Pipeline

	logger *zap.Logger
}

// Options selects the optional parts of the wiring.
type Options struct {
	// WithVision builds the image analyzer and the upload directory.
	WithVision bool
}

// Build opens storage and constructs the analyzers and the pipeline. On error
// everything opened so far is closed again.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, backend, err := storage.OpenStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	a.Store, a.Backend = store, backend
	logger.Info("record store ready", zap.String("backend", backend))

	var cache analyzer.CandidateCache
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Warn("redis unavailable, model candidates cached in process only", zap.Error(err))
		} else {
			a.Cache = rdb
			cache = rdb
		}
	}

	ttl := time.Duration(cfg.Redis.ModelCacheTTL) * time.Minute
	text, err := analyzer.NewTextService(ctx, cfg.Analyzer, cache, ttl, logger.Named("text"))
	if err != nil {
		return nil, fmt.Errorf("init text analyzer: %w", err)
	}
	a.Text = text

	pipeOpts := relay.Options{
		Store:             store,
		Text:              text,
		AnalyzerTimeout:   time.Duration(cfg.Analyzer.TimeoutSeconds) * time.Second,
		MaxQuestionLength: cfg.BasicConfig.MaxQuestionLength,
		Logger:            logger.Named("relay"),
	}
	if opts.WithVision {
		uploads, err := relay.NewUploadDir(cfg.BasicConfig.UploadDir, logger.Named("uploads"))
		if err != nil {
			return nil, err
		}
		uploads.SweepStale(time.Duration(cfg.BasicConfig.UploadMaxAge) * time.Minute)
		a.Uploads = uploads

		// The vision client is created by the first upload.
		a.Vision = analyzer.NewVisionService(cfg.Analyzer.VisionAPIKey, cfg.Analyzer.VisionModel, logger.Named("vision"))
		pipeOpts.Image = a.Vision
		pipeOpts.Uploads = uploads
	}

	pipeline, err := relay.New(pipeOpts)
	if err != nil {
		return nil, err
	}
	a.Pipeline = pipeline
	ok = true
	return a, nil
}

// Close releases the analyzers, the cache and the store.
func (a *App) Close() {
	if a.Vision != nil {
		a.Vision.Shutdown()
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.logger.Warn("close record store", zap.Error(err))
		}
	}
}
