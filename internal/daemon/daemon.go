package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"trackup/pkg/config"
	"trackup/pkg/events"
	"trackup/pkg/handler"
	httpHandler "trackup/pkg/http"
	"trackup/pkg/logger"
	"trackup/pkg/network"
	"trackup/pkg/publisher"
	"trackup/pkg/storage"
	"trackup/pkg/task"
)

type DaemonService struct {
	server        *asynq.Server
	client        *asynq.Client
	inspector     *asynq.Inspector
	redisClient   *redis.Client
	httpServer    *http.Server
	httpHandler   *httpHandler.HTTPHandler
	uploadHandler *handler.UploadHandler
	sweeper       *handler.ArchiveSweeper
	bus           *events.Bus
	monitor       *network.Monitor
	relay         *events.RedisRelay
	config        *config.Config

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDaemonService(config *config.Config) (*DaemonService, error) {
	level := logger.ParseLevel(config.Daemon.LogLevel)
	logger.SetDefaultLevel(level)

	redisOpt := config.Redis.AsynqOpt()

	redisClient := redis.NewClient(config.Redis.Options())
	asyncClient := asynq.NewClient(redisOpt)
	inspector := asynq.NewInspector(redisOpt)

	states := task.NewStateStore(redisClient, config.Daemon.StateRetention())
	bus := events.NewBus(config.Results.Buffer)

	logger.Info("creating storage factory", map[string]any{
		"known_servers": config.TLS.KnownServersFile,
		"client_cert":   config.TLS.ClientCertFile != "",
	})
	storageFactory := storage.NewStorageFactory(storage.TrustStore{
		KnownServersFile: config.TLS.KnownServersFile,
		ClientCertFile:   config.TLS.ClientCertFile,
		ClientKeyFile:    config.TLS.ClientKeyFile,
	}, logger.NewDefault())

	uploadHandler := handler.NewUploadHandler(storageFactory, states, bus, config.Daemon.MaxRetry)

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: config.Daemon.Concurrency,
		Queues: map[string]int{
			config.Daemon.Queue: 1,
		},
		// The single re-run happens as soon as the queue dispatches it.
		RetryDelayFunc: func(int, error, *asynq.Task) time.Duration {
			return 0
		},
		ShutdownTimeout: config.Daemon.ShutdownTimeout(),
		// Tasks the queue archives on its own still get their outcome.
		ErrorHandler: uploadHandler,
		Logger:       logger.NewAsynqLogger(logger.NewDefault().With(map[string]any{"component": "asynq"})),
		LogLevel:     logger.AsynqLevel(level),
	})

	pub := publisher.NewPublisher(asyncClient, inspector, states, config)
	httpHandler := httpHandler.NewHTTPHandler(pub, bus, config)

	d := &DaemonService{
		server:        server,
		client:        asyncClient,
		inspector:     inspector,
		redisClient:   redisClient,
		httpHandler:   httpHandler,
		uploadHandler: uploadHandler,
		sweeper:       handler.NewArchiveSweeper(inspector, uploadHandler, config.Daemon.Queue, config.Daemon.ArchiveSweepInterval()),
		bus:           bus,
		config:        config,
		done:          make(chan struct{}),
		httpServer: &http.Server{
			Addr:              config.HTTP.Addr,
			Handler:           httpHandler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())

	if config.Network.Enabled {
		prober := network.DialProber{
			Addr:    config.Network.ProbeAddr,
			Timeout: config.Network.ProbeTimeout(),
		}
		d.monitor = network.NewMonitor(prober, inspector, config.Daemon.Queue, config.Network.ProbeInterval())
	}

	if config.Results.RedisChannel != "" {
		d.relay = events.NewRedisRelay(redisClient, config.Results.RedisChannel)
	}

	return d, nil
}

// Start runs the worker and its companions until Shutdown or until one of them fails.
func (d *DaemonService) Start() error {
	defer close(d.done)

	logger.Info("starting Asynq server", map[string]any{
		"queue":       d.config.Daemon.Queue,
		"concurrency": d.config.Daemon.Concurrency,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(task.TaskTypeUpload, d.uploadHandler.Handle)
	if err := d.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}

	g, gctx := errgroup.WithContext(d.ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server", map[string]any{
			"addr": d.config.HTTP.Addr,
		})

		if d.config.Asynqmon.Enabled {
			logger.Info("asynqmon web UI enabled", map[string]any{
				"root_path":   d.config.Asynqmon.RootPath,
				"read_only":   d.config.Asynqmon.ReadOnlyMode,
				"prometheus":  d.config.Asynqmon.PrometheusAddr != "",
				"monitor_url": fmt.Sprintf("http://%s%s", d.config.HTTP.Addr, d.config.Asynqmon.RootPath),
			})
		}

		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return d.sweeper.Run(gctx)
	})

	if d.monitor != nil {
		g.Go(func() error {
			logger.Info("starting network monitor", map[string]any{
				"probe_addr": d.config.Network.ProbeAddr,
				"interval":   d.config.Network.ProbeInterval().String(),
			})
			return d.monitor.Run(gctx)
		})
	}

	if d.relay != nil {
		outcomes, unsubscribe := d.bus.Subscribe("redis-relay")
		g.Go(func() error {
			defer unsubscribe()
			return d.relay.Run(gctx, outcomes)
		})
	}

	outcomes, unsubscribe := d.bus.Subscribe("log")
	g.Go(func() error {
		defer unsubscribe()
		events.LogOutcomes(gctx, outcomes, logger.NewDefault().With(map[string]any{"component": "outcomes"}))
		return nil
	})

	return g.Wait()
}

// Shutdown waits for running attempts to report before tearing down the
// result channel and the HTTP API.
func (d *DaemonService) Shutdown(ctx context.Context) error {
	logger.Info("initiating graceful shutdown", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.server.Shutdown()
	}()

	var err error
	select {
	case <-done:
		logger.Info("all tasks completed", nil)
	case <-ctx.Done():
		logger.Warn("shutdown timeout, forcing exit", nil)
		err = ctx.Err()
	}

	d.cancel()

	// Closing the bus ends open event streams so the HTTP server can drain.
	d.bus.Close()

	if d.httpHandler != nil {
		d.httpHandler.Close()
	}

	if shutdownErr := d.httpServer.Shutdown(ctx); shutdownErr != nil {
		logger.Error("HTTP server shutdown failed", shutdownErr, nil)
	}

	select {
	case <-d.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if closeErr := d.client.Close(); closeErr != nil {
		logger.Error("failed to close asynq client", closeErr, nil)
	}
	if closeErr := d.inspector.Close(); closeErr != nil {
		logger.Error("failed to close asynq inspector", closeErr, nil)
	}
	if closeErr := d.redisClient.Close(); closeErr != nil {
		logger.Error("failed to close redis client", closeErr, nil)
	}

	return err
}
