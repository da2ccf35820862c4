// -----------------------------------------------------------------------
// Last Modified: Tuesday, 25th August 2026 11:04:12 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/handlers"
	"github.com/ternarybob/sitesync/internal/interfaces"
	"github.com/ternarybob/sitesync/internal/jobs"
	"github.com/ternarybob/sitesync/internal/logs"
	"github.com/ternarybob/sitesync/internal/metrics"
	"github.com/ternarybob/sitesync/internal/models"
	"github.com/ternarybob/sitesync/internal/queue"
	"github.com/ternarybob/sitesync/internal/services/auth"
	"github.com/ternarybob/sitesync/internal/services/dispatch"
	"github.com/ternarybob/sitesync/internal/services/events"
	"github.com/ternarybob/sitesync/internal/services/scheduler"
	"github.com/ternarybob/sitesync/internal/services/sitemap"
	"github.com/ternarybob/sitesync/internal/services/vault"
	"github.com/ternarybob/sitesync/internal/storage/badger"
	"github.com/ternarybob/sitesync/internal/workers/google"
	"github.com/ternarybob/sitesync/internal/workers/indexnow"
	"github.com/ternarybob/sitesync/internal/workers/scanner"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	StorageManager interfaces.StorageManager

	// Durable queues and their consumers
	QueueManager interfaces.QueueManager
	WorkerPool   *queue.Pool

	// Live event stream
	EventService interfaces.EventService
	LogConsumer  *logs.Consumer

	// Telemetry
	Metrics *metrics.Metrics

	// Job lifecycle and intent dispatch
	Controller *jobs.Controller
	Dispatcher *dispatch.Service
	Scheduler  *scheduler.Service

	// Credential handling
	Vault        interfaces.Vault
	TokenService *auth.TokenService

	// HTTP handlers
	APIHandler     *handlers.APIHandler
	ProjectHandler *handlers.ProjectHandler
	JobHandler     *handlers.JobHandler
	WSHandler      *handlers.WSHandler
}

// New initializes the application with all dependencies wired in order:
// storage and vault, then the bus/queue fabric, then workers and handlers.
// Nothing consumes queues until Start.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := app.initDatabase(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("broker", cfg.Events.Broker).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger), the credential vault
// over it, and the declarative project seeds.
func (a *App) initDatabase() error {
	storageManager, err := badger.NewManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	// The vault seals seed credentials, so it must exist before the loader
	// runs. Construction fails without a valid master passphrase.
	vaultService, err := vault.NewService(a.Config.Vault.MasterKey, a.StorageManager.CredentialStorage(), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize credential vault: %w", err)
	}
	a.Vault = vaultService

	// Seed files upsert projects on startup. Log warning but don't fail
	// startup; a bad seed file never blocks the projects already stored.
	if err := badger.LoadProjectsFromFiles(a.ctx, a.StorageManager, a.Vault, a.Config.Seeds.Dir, a.Logger); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to load project seeds")
	}

	return nil
}

// initServices initializes all business services in dependency order:
//
//  1. Metrics provider - everything downstream records through it
//  2. Event service (+ optional redis broker) - ordered per-topic fan-out
//  3. Job controller - job rows, state machine, JOB_UPDATE publication
//  4. Log consumer - arbor context batches redacted onto the bus
//  5. Queue manager - durable badger queues, depth gauge registered
//  6. Workers + pool - scanner/google/indexnow handlers, not yet started
//  7. Dispatcher + scheduler - the two producers of queue deliveries
func (a *App) initServices() error {
	meter, err := metrics.New(common.GetVersion(), a.Config.Metrics, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	a.Metrics = meter
	a.Logger.Debug().
		Str("interval", a.Config.Metrics.Interval).
		Str("otlp_endpoint", a.Config.Metrics.OTLPEndpoint).
		Msg("Metrics provider initialized")

	broker, err := events.NewBroker(a.Config, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event broker: %w", err)
	}
	a.EventService = events.NewService(broker, a.Config, a.Logger)
	a.Logger.Debug().Str("broker", a.Config.Events.Broker).Msg("Event service initialized")

	a.Controller = jobs.NewController(a.StorageManager, a.EventService, a.Metrics, a.Logger)
	a.Logger.Debug().Msg("Job controller initialized")

	// The consumer receives every log batch arbor writes to the context
	// channel, resolves the job's topic through the controller, and
	// republishes redacted entries as live LOG events.
	consumer := logs.NewConsumer(a.EventService, a.Controller, a.Logger, a.Config.Logging.MinEventLevel)
	if err := consumer.Start(); err != nil {
		return fmt.Errorf("failed to start log consumer: %w", err)
	}
	a.LogConsumer = consumer
	a.Logger.SetChannel("context", consumer.GetChannel())
	a.Logger.Debug().
		Str("min_event_level", a.Config.Logging.MinEventLevel).
		Msg("Log consumer attached to arbor context channel")

	// The queue manager shares the storage manager's badger DB; extract it
	// from the badgerhold wrapper.
	badgerStore, ok := a.StorageManager.DB().(*badgerhold.Store)
	if !ok {
		return fmt.Errorf("storage manager is not backed by badger (got %T)", a.StorageManager.DB())
	}
	queueMgr, err := queue.NewManager(badgerStore.Badger(), a.Config, a.Logger, a.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize queue manager: %w", err)
	}
	if err := queueMgr.Start(); err != nil {
		return fmt.Errorf("failed to start queue manager: %w", err)
	}
	a.QueueManager = queueMgr

	// queue_size observes live depths on each metrics export.
	if err := a.Metrics.RegisterQueueDepth(func(ctx context.Context) (map[string]int64, error) {
		stats, err := queueMgr.Stats(ctx)
		if err != nil {
			return nil, err
		}
		depths := make(map[string]int64, len(stats))
		for name, size := range stats {
			depths[name] = int64(size)
		}
		return depths, nil
	}); err != nil {
		return fmt.Errorf("failed to register queue depth gauge: %w", err)
	}

	fetcher := sitemap.NewFetcher(a.Config, a.Logger)
	parser := sitemap.NewParser(a.Logger)

	scannerWorker := scanner.NewWorker(a.StorageManager, a.Controller, a.EventService, fetcher, parser, a.Metrics, a.Config, a.Logger)
	googleWorker := google.NewWorker(a.StorageManager, a.Vault, a.Controller, a.EventService, a.Metrics, a.Config, a.Logger)
	indexnowWorker := indexnow.NewWorker(a.StorageManager, a.Vault, a.Controller, a.EventService, a.Metrics, a.Config, a.Logger)

	pool := queue.NewPool(a.QueueManager, a.Config, a.Logger)
	pool.RegisterHandler(models.QueueSitemapScanner, scannerWorker.Handle)
	pool.RegisterHandler(models.QueueGoogleSubmitter, googleWorker.Handle)
	pool.RegisterHandler(models.QueueIndexNowSubmitter, indexnowWorker.Handle)
	a.WorkerPool = pool
	a.Logger.Debug().
		Int("scanner_concurrency", a.Config.Workers.Scanner.Concurrency).
		Int("google_concurrency", a.Config.Workers.Google.Concurrency).
		Int("indexnow_concurrency", a.Config.Workers.IndexNow.Concurrency).
		Msg("Worker pool initialized")

	a.Dispatcher = dispatch.NewService(a.StorageManager, a.QueueManager, a.Controller, a.Config.Workers.Google.DailyQuota, a.Logger)
	a.Scheduler = scheduler.NewService(a.StorageManager, a.Dispatcher, a.Config, a.Logger)
	a.Logger.Debug().Msg("Dispatcher and scheduler initialized")

	tokens, err := auth.NewTokenService(a.Config.WebSocket.AuthSecret, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize token service: %w", err)
	}
	a.TokenService = tokens

	return nil
}

// initHandlers initializes the HTTP and WebSocket handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler(a.Config, a.QueueManager, a.Scheduler, a.Logger)
	a.ProjectHandler = handlers.NewProjectHandler(a.StorageManager, a.Vault, a.Scheduler, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.StorageManager, a.Dispatcher, a.Controller, a.Logger)
	a.WSHandler = handlers.NewWSHandler(a.StorageManager, a.EventService, a.TokenService, a.Config, a.Logger)

	a.Logger.Debug().Msg("HTTP handlers initialized")
	return nil
}

// Start begins background processing: the worker pools and, when enabled,
// the cron scheduler. The HTTP server is started separately so one-shot
// commands can dispatch work without consuming it.
func (a *App) Start() error {
	if err := a.WorkerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	a.Logger.Debug().Msg("Worker pool started")

	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.Logger.Info().
		Str("version", common.GetVersion()).
		Msg("Application started")
	return nil
}

// Close shuts down all application resources. Producers stop first so the
// queues stop growing, then consumers drain, then the fabric underneath.
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.cancelCtx()
		// Allow background goroutines to observe cancellation
		time.Sleep(100 * time.Millisecond)
	}

	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
	}

	if a.WorkerPool != nil {
		if err := a.WorkerPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop worker pool")
		} else {
			a.Logger.Info().Msg("Worker pool stopped")
		}
	}

	if a.LogConsumer != nil {
		if err := a.LogConsumer.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop log consumer")
		}
	}

	if a.WSHandler != nil {
		a.WSHandler.CloseAll()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.Metrics != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Metrics.Shutdown(flushCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to flush metrics")
		}
		cancel()
	}

	if a.QueueManager != nil {
		if err := a.QueueManager.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop queue manager")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
