// Package server wires the sync server together: storage, the sync
// coordinator, the compaction worker and both transports. It also handles
// graceful shutdown on SIGINT/SIGTERM.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/budgetsync/internal/logging"
	"github.com/dmitrijs2005/budgetsync/internal/server/archive"
	"github.com/dmitrijs2005/budgetsync/internal/server/config"
	"github.com/dmitrijs2005/budgetsync/internal/server/httpapi"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/memory"
	"github.com/dmitrijs2005/budgetsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/budgetsync/internal/server/services"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	gs "github.com/dmitrijs2005/budgetsync/internal/server/grpc"
)

type App struct {
	config    *config.Config
	logger    logging.Logger
	store     repomanager.Store
	registry  *prometheus.Registry
	events    *services.Events
	sync      *services.SyncService
	compactor *services.Compactor
}

// OpenStore returns the configured store. For postgres it runs the
// migrations first.
func OpenStore(ctx context.Context, c *config.Config) (repomanager.Store, error) {
	switch c.Storage {
	case config.StorageMemory:
		return memory.NewStore(), nil
	case config.StoragePostgres:
		db, err := repomanager.Open(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
		m := repomanager.NewPostgresRepositoryManager()
		if err := m.RunMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return repomanager.NewPostgresStore(db, m), nil
	}
	return nil, fmt.Errorf("unknown storage %q", c.Storage)
}

// NewArchiver returns the S3 archiver, or nil when no bucket is configured.
func NewArchiver(ctx context.Context, c *config.Config) (services.Archiver, error) {
	if c.S3Bucket == "" {
		return nil, nil
	}
	a, err := archive.NewS3Archiver(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("s3 archiver: %w", err)
	}
	return a, nil
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(logging.Options{
		Level:      c.LogLevel,
		File:       c.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
	})

	store, err := OpenStore(ctx, c)
	if err != nil {
		return nil, err
	}

	archiver, err := NewArchiver(ctx, c)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(reg)

	events := services.NewEvents()
	authz := services.NewAuthorizer(store.Repos().Memberships, c.RoleCacheTTL)
	syncService := services.NewSyncService(store, authz, events, metrics, c, logger)
	compactor := services.NewCompactor(store, archiver, metrics, c, logger)

	return &App{
		config:    c,
		logger:    logger,
		store:     store,
		registry:  reg,
		events:    events,
		sync:      syncService,
		compactor: compactor,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "storage", app.config.Storage)

	app.initSignalHandler(cancelFunc)
	app.events.Start(ctx.Done())

	grpcMetrics := grpcprom.NewServerMetrics()
	app.registry.MustRegister(grpcMetrics)
	grpcServer := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.sync, app.config.SecretKey, grpcMetrics)

	httpServer := httpapi.NewServer(app.config.EndpointAddrHTTP, app.logger, app.sync, app.config.SecretKey, httpapi.Options{
		CORSOrigins: app.config.CORSOrigins,
		Gatherer:    app.registry,
		Health:      httpapi.NewHealth(app.store, 2*time.Second),
		GRPCWeb:     grpcServer.WebHandler(),
	})

	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := grpcServer.Run(ctx); err != nil {
			app.logger.Error(ctx, err.Error())
			cancelFunc()
		}
	}()
	go func() {
		defer wg.Done()
		if err := httpServer.Run(ctx); err != nil {
			app.logger.Error(ctx, err.Error())
			cancelFunc()
		}
	}()
	go func() {
		defer wg.Done()
		app.compactor.Run(ctx)
	}()

	wg.Wait()

	if err := app.store.Close(); err != nil {
		app.logger.Error(context.Background(), "closing store", "error", err)
	}
	app.logger.Info(context.Background(), "App stopped")
}
