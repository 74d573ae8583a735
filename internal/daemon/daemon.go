package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/beacon/internal/config"
	"github.com/harun/beacon/internal/logger"
	"github.com/harun/beacon/internal/observability"
	"github.com/harun/beacon/internal/tracing"
	"github.com/harun/beacon/pkg/durable"
	"github.com/harun/beacon/pkg/ingest"
	"github.com/harun/beacon/pkg/policy"
	"github.com/harun/beacon/pkg/session"
	"github.com/harun/beacon/pkg/transport"
	"github.com/harun/beacon/pkg/uploadqueue"
)

const (
	// PointerFile is the recovery pointer slot inside the data directory.
	PointerFile = "session.pointer"
	// DatabaseFile holds the durable session records.
	DatabaseFile = "beacon.db"

	shutdownTimeout = 10 * time.Second
)

// Daemon represents the Beacon daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	durable durable.Store
	pointer durable.Pointer
	sender  transport.Sender
	store   *session.Store

	// Services
	sweeper      *session.Sweeper
	ingestServer *ingest.Server
	watcher      *config.Watcher
	configPath   string

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Session   session.Stats
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry("beacon", cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) abort() {
	d.cancel()
	if d.durable != nil {
		_ = d.durable.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules builds storage, transport and the session store
func (d *Daemon) initializeCoreModules() error {
	log := d.logger.GetZerolog()
	cfg := d.config

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Audit.Enabled {
		auditPath := cfg.Audit.File
		if auditPath == "" {
			auditPath = filepath.Join(cfg.Storage.DataDir, "audit.log")
		}
		if err := observability.InitAuditLogger(auditPath); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		} else {
			log.Info().Str("path", auditPath).Msg("Audit logger initialized")
		}
	} else {
		observability.DisableAuditLogger()
	}

	switch cfg.Storage.Driver {
	case "memory":
		d.durable = durable.NewMemoryStore()
		d.pointer = &durable.MemoryPointer{}
	default:
		dbPath := filepath.Join(cfg.Storage.DataDir, DatabaseFile)
		store, err := durable.OpenSQLite(d.ctx, dbPath, cfg.Storage.Namespace)
		if err != nil {
			return fmt.Errorf("failed to open durable store: %w", err)
		}
		d.durable = store
		d.pointer = durable.NewFilePointer(filepath.Join(cfg.Storage.DataDir, PointerFile))
	}
	log.Info().Str("driver", cfg.Storage.Driver).Msg("Durable store initialized")

	sender, err := transport.NewHTTP(transport.Options{
		Timeout:     config.Duration(cfg.Upload.Timeout, transport.DefaultTimeout),
		Compression: cfg.Upload.Compression,
		Headers:     cfg.Upload.Headers,
	})
	if err != nil {
		return fmt.Errorf("failed to create upload transport: %w", err)
	}
	d.sender = sender

	store, err := session.New(session.Options{
		Durable: d.durable,
		Pointer: d.pointer,
		Sender:  d.sender,
		QueueOptions: uploadqueue.Options{
			MaxPending: cfg.Flush.MaxPending,
			Breaker: uploadqueue.NewBreaker(
				cfg.Flush.BreakerCeiling,
				config.Duration(cfg.Flush.BreakerCooldown, uploadqueue.DefaultCooldown),
			),
		},
		Policies: policy.Options{
			TimeWindow:        config.Duration(cfg.Flush.TimeWindow, policy.DefaultTimeWindow),
			CapacityThreshold: cfg.Flush.CapacityThreshold,
			Schedule:          cfg.Flush.Schedule,
		},
		Path:             "/",
		Config:           sessionConfig(cfg),
		BatchLimit:       cfg.Flush.BatchLimit,
		SnapshotDebounce: config.Duration(cfg.Flush.SnapshotDebounce, session.DefaultSnapshotDebounce),
		DrainDebounce:    config.Duration(cfg.Flush.DrainDebounce, session.DefaultDrainDebounce),
	})
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	d.store = store
	log.Info().Msg("Session store initialized")

	return nil
}

// initializeServices builds the sweeper and the ingest server
func (d *Daemon) initializeServices() error {
	log := d.logger.GetZerolog()
	cfg := d.config

	d.sweeper = session.NewSweeper(d.store, config.Duration(cfg.Storage.SweepAge, session.DefaultSweepAge), session.DefaultSweepInterval)

	if cfg.Server.Enabled {
		server, err := ingest.NewServer(ingest.ServerOptions{
			Host:               cfg.Server.Host,
			Port:               cfg.Server.Port,
			SharedSecret:       cfg.Server.SharedSecret,
			RateLimitPerMinute: cfg.Server.RateLimit,
			MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		}, d.store, d.logger.Component("ingest"))
		if err != nil {
			return fmt.Errorf("failed to create ingest server: %w", err)
		}
		d.ingestServer = server
		log.Info().Int("port", cfg.Server.Port).Msg("Ingest server initialized")
	}

	return nil
}

// WatchConfig enables hot reload of the config file at path. It must be
// called before Start.
func (d *Daemon) WatchConfig(path string) error {
	w, err := config.NewWatcher(config.NewLoader(path), 0, d.applyConfig)
	if err != nil {
		return err
	}
	d.watcher = w
	d.configPath = path
	return nil
}

// applyConfig merges reloaded upload settings into the live session.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.store.Configure(sessionConfig(cfg))
	d.logger.Info().
		Str("endpoint", cfg.Upload.Endpoint).
		Str("application", cfg.Application).
		Msg("Applied reloaded configuration")
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		ApplicationName: cfg.Application,
		UploadEndpoint:  cfg.Upload.Endpoint,
		ExtraMetadata:   cfg.Metadata,
	}
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting Beacon daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	ctx := tracing.WithTraceID(d.ctx, traceID)
	rec, err := d.store.Init(ctx)
	if err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to initialize session: %w", err)
	}
	logger.Info().
		Str("session_id", rec.SessionID).
		Str("previous_session_id", rec.PreviousSessionID).
		Msg("Session initialized")

	if err := d.sweeper.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start session sweeper")
	} else {
		logger.Info().Msg("Session sweeper started")
	}

	if d.ingestServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.ingestServer.Start(); err != nil {
				logger.Error().Err(err).Msg("Ingest server failed")
			}
		}()
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")

	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon service gracefully. The session gets a last upload
// attempt and its durable record is removed.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping Beacon daemon")

	ctx, cancel := context.WithTimeout(tracing.WithTraceID(context.Background(), traceID), shutdownTimeout)
	defer cancel()

	var errs []error

	// Stop ingestion first so no commit races the final flush
	if d.ingestServer != nil {
		if err := d.ingestServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop ingest server")
			errs = append(errs, err)
		}
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.sweeper != nil && d.sweeper.IsRunning() {
		if err := d.sweeper.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session sweeper")
		}
	}

	if err := d.store.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Session shutdown incomplete")
		errs = append(errs, err)
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.durable.Close(); err != nil && !errors.Is(err, durable.ErrClosed) {
		logger.Error().Err(err).Msg("Failed to close durable store")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped")

	return errors.Join(errs...)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	status := Status{
		Running: d.running,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	d.mu.RUnlock()

	status.Session = d.store.Stats()
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon. Termination of
// the host process is the session's end.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetSessionStore returns the session store
func (d *Daemon) GetSessionStore() *session.Store {
	return d.store
}

// GetIngestServer returns the ingest server, nil when disabled
func (d *Daemon) GetIngestServer() *ingest.Server {
	return d.ingestServer
}
