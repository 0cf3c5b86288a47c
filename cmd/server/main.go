package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/presencechat/internal/server"
	"github.com/Tyrowin/presencechat/internal/store"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Chat server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run(args []string) (int, error) {
	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	envFile := flags.String("env-file", "", "dotenv file loaded before reading the environment")
	addr := flags.String("addr", "", "listen address, overrides SERVER_PORT")
	if err := flags.Parse(args); err != nil {
		return exitConfig, err
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return exitConfig, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		return exitConfig, err
	}
	if *addr != "" {
		cfg.Port = *addr
	}

	logger := logs.GetLoggerFromString(cfg.LogLevel)
	logger.Info("Starting chat server...", "store", cfg.StoreDriver, "history_limit", cfg.HistoryLimit)

	messages, err := store.Open(cfg.StoreDriver, cfg.StorePath, logger)
	if err != nil {
		return exitRuntime, fmt.Errorf("open message store: %w", err)
	}
	defer func() {
		if err := messages.Close(); err != nil {
			logger.Error("Closing message store failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(registry)

	hub := server.NewHub(cfg, messages, logger, metrics)
	mux := server.SetupRoutes(hub, cfg, registry, logger)
	httpServer := server.CreateServer(cfg.Port, mux)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, logger)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = hub.Shutdown(cfg.ShutdownTimeout)
			return exitRuntime, fmt.Errorf("http server: %w", err)
		}
	case sig := <-stop:
		logger.Info("Received signal, shutting down", "signal", sig.String())
	}

	code := exitOK
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
		code = exitRuntime
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("Hub shutdown incomplete", "error", err)
		code = exitRuntime
	}
	return code, nil
}
