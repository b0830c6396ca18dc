package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"trackup/internal/daemon"
	"trackup/pkg/config"
	"trackup/pkg/logger"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/trackup/config.toml", "path to config file")
	flag.Parse()

	config, err := config.LoadFromFile(configPath)
	if err != nil {
		logger.Fatal("failed to load config", map[string]any{
			"config_path": configPath,
			"error":       err.Error(),
		})
	}

	daemon, err := daemon.NewDaemonService(config)
	if err != nil {
		logger.Fatal("failed to create daemon", map[string]any{
			"error": err.Error(),
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	startErr := make(chan error, 1)
	go func() {
		logger.Info("starting trackup daemon", nil)
		startErr <- daemon.Start()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", map[string]any{
			"signal": sig,
		})
	case err := <-startErr:
		if err != nil {
			logger.Error("daemon stopped unexpectedly", err, nil)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Daemon.ShutdownTimeout())
	defer cancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", err, nil)
		os.Exit(1)
	}

	logger.Info("daemon stopped successfully", nil)
}
