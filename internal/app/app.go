// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"

	pubsubapi "cloud.google.com/go/pubsub"
	gcsapi "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/api"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/clock/system"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/config"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/fetcher"
	iduuid "github.com/dinoz0rg/telegram-txt-downloader/internal/id/uuid"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
	ledgermem "github.com/dinoz0rg/telegram-txt-downloader/internal/ledger/memory"
	ledgerpg "github.com/dinoz0rg/telegram-txt-downloader/internal/ledger/postgres"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/manager"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/progress"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/progress/sinks"
	pubsubpub "github.com/dinoz0rg/telegram-txt-downloader/internal/publisher/pubsub"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/search"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/source/httpsrc"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/storage/gcs"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/storage/local"
)

// App holds the shared, long-lived services for the downloader. It is
// initialized once at startup and fails fast if any critical service cannot
// be built.
type App struct {
	logger    *zap.Logger
	cfg       config.Config
	ledger    ingest.Ledger
	pgLedger  *ledgerpg.Ledger
	publisher *pubsubpub.Publisher
	gcsClient *gcsapi.Client
	psClient  *pubsubapi.Client
	hub       *progress.Hub
	mgr       *manager.Manager
	server    *api.Server
}

// New builds the full service graph from configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{logger: logger, cfg: cfg}

	ledger, err := a.buildLedger(ctx)
	if err != nil {
		return nil, err
	}
	a.ledger = ledger

	downloads, results, err := a.buildStores(ctx)
	if err != nil {
		a.closePartial()
		return nil, err
	}

	src, err := httpsrc.New(httpsrc.Config{
		BaseURL: cfg.Source.BaseURL,
		Timeout: cfg.SourceTimeout(),
	})
	if err != nil {
		a.closePartial()
		return nil, fmt.Errorf("build source: %w", err)
	}

	hubSinks, err := a.buildSinks(ctx)
	if err != nil {
		a.closePartial()
		return nil, err
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger}, hubSinks...)

	retrying := fetcher.New(src, fetcher.Config{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		Backoff: fetcher.BackoffPolicy{
			Initial: cfg.BackoffInitial(),
			Max:     cfg.BackoffMax(),
		},
	}, system.Sleeper{}, logger)

	mgr, err := manager.New(manager.Config{
		HistoryLimit:          cfg.Jobs.HistoryLimit,
		MaxConcurrentSearches: cfg.Search.MaxConcurrent,
		DownloadDefaults: ingest.DownloadParams{
			MaxFileSizeBytes: cfg.MaxFileSizeBytes(),
			MaxFileAgeDays:   cfg.Downloads.MaxFileAgeDays,
		},
		Search: search.Config{
			DefaultWorkers: cfg.Search.DefaultWorkers,
			MaxWorkers:     cfg.Search.MaxWorkers,
		},
	}, manager.Deps{
		Source:        src,
		Fetcher:       retrying,
		Ledger:        ledger,
		DownloadStore: downloads,
		ResultsStore:  results,
		Corpus:        search.DirCorpus{Root: cfg.Downloads.Dir},
		Clock:         system.Clock{},
		IDs:           iduuid.New(),
		Emitter:       a.hub,
		Logger:        logger,
	})
	if err != nil {
		a.closePartial()
		return nil, fmt.Errorf("build manager: %w", err)
	}
	a.mgr = mgr
	a.server = api.NewServer(mgr, ledger, logger)
	return a, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Manager returns the job manager.
func (a *App) Manager() *manager.Manager {
	return a.mgr
}

// Server returns the HTTP control surface.
func (a *App) Server() *api.Server {
	return a.server
}

func (a *App) buildLedger(ctx context.Context) (ingest.Ledger, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("db.dsn not set, using in-memory ledger; downloads will not survive restarts")
		return ledgermem.New(), nil
	}
	a.logger.Info("connecting to postgres ledger", zap.String("table", a.cfg.DB.Table))
	pg, err := ledgerpg.New(ctx, ledgerpg.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("build ledger: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	a.pgLedger = pg
	return pg, nil
}

func (a *App) buildStores(ctx context.Context) (downloads, results ingest.BlobStore, err error) {
	switch a.cfg.Storage.Provider {
	case "gcs":
		a.logger.Info("using GCS blob storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, cerr := gcsapi.NewClient(ctx)
		if cerr != nil {
			return nil, nil, fmt.Errorf("build gcs client: %w", cerr)
		}
		a.gcsClient = client
		downloads, err = gcs.New(client, gcs.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: joinPrefix(a.cfg.Storage.Prefix, "downloads"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build download store: %w", err)
		}
		results, err = gcs.New(client, gcs.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: joinPrefix(a.cfg.Storage.Prefix, "results"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build results store: %w", err)
		}
		return downloads, results, nil
	case "local":
		downloads, err = local.New(local.Config{BaseDir: a.cfg.Downloads.Dir})
		if err != nil {
			return nil, nil, fmt.Errorf("build download store: %w", err)
		}
		results, err = local.New(local.Config{BaseDir: a.cfg.Search.ResultsDir})
		if err != nil {
			return nil, nil, fmt.Errorf("build results store: %w", err)
		}
		return downloads, results, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage provider: %s", a.cfg.Storage.Provider)
	}
}

func (a *App) buildSinks(ctx context.Context) ([]progress.Sink, error) {
	out := []progress.Sink{sinks.NewLogSink(a.logger)}

	prom, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("build prometheus sink: %w", err)
	}
	out = append(out, prom)

	if a.cfg.PubSub.Enabled {
		a.logger.Info("publishing job events to pub/sub",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
		client, err := pubsubapi.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		a.psClient = client
		pub, err := pubsubpub.New(client)
		if err != nil {
			return nil, fmt.Errorf("build publisher: %w", err)
		}
		a.publisher = pub
		sink, err := sinks.NewPublisherSink(pub, a.cfg.PubSub.TopicName, a.logger)
		if err != nil {
			return nil, fmt.Errorf("build publisher sink: %w", err)
		}
		out = append(out, sink)
	}
	return out, nil
}

func joinPrefix(base, sub string) string {
	if base == "" {
		return sub
	}
	return base + "/" + sub
}

// Close shuts the service graph down in dependency order: the manager first
// so no job emits after the hub stops, then the hub, then external clients.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	if a.mgr != nil {
		if err := a.mgr.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close manager: %w", err)
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close hub: %w", err)
		}
	}
	a.closePartial()
	return firstErr
}

// closePartial releases external clients. Safe to call on a half-built App.
func (a *App) closePartial() {
	if a.publisher != nil {
		a.publisher.Close()
		a.publisher = nil
	}
	if a.psClient != nil {
		_ = a.psClient.Close()
		a.psClient = nil
	}
	if a.gcsClient != nil {
		_ = a.gcsClient.Close()
		a.gcsClient = nil
	}
	if a.pgLedger != nil {
		a.pgLedger.Close()
		a.pgLedger = nil
	}
}
