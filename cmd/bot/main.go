package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"funding-carry-bot/internal/app"
	"funding-carry-bot/internal/config"
	"funding-carry-bot/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	paper := flag.Bool("paper", false, "force paper trading regardless of config")
	logLevel := flag.String("log-level", "", "override configured log level")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *paper {
		cfg.Execution.Paper = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded",
		zap.String("path", *configPath),
		zap.Bool("paper", cfg.Execution.Paper),
	)

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}
	log.Info("app initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && err != context.Canceled {
		log.Error("app terminated", zap.Error(err))
		os.Exit(1)
	}
}
