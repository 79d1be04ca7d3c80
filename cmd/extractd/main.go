package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"extractd/internal/config"
	"extractd/internal/logging"
	"extractd/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (optional)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		logger.Error("create orchestrator", logging.Error(err))
		return
	}
	defer orch.Close()

	if err := bindBuiltinHandlers(ctx, orch); err != nil {
		logger.Error("bind builtin handlers", logging.Error(err))
		return
	}

	if err := orch.Start(ctx); err != nil {
		logger.Error("start orchestrator", logging.Error(err))
		return
	}

	<-ctx.Done()
	logger.Info("extractd shutting down")
	orch.Stop()
}
