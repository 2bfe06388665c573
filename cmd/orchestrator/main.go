package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/project-ncl/pnc-sub011/internal/config"
	"github.com/project-ncl/pnc-sub011/internal/service"
)

func main() {
	cfg := config.FromEnv()
	flag.StringVar(&cfg.RequestFile, "request", cfg.RequestFile, "run a single build request file and exit")
	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	flag.Parse()

	logger := cfg.Logger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("orchestrator setup failed", "error", err)
		os.Exit(1)
	}
	err = svc.Run(ctx)
	if cerr := svc.Close(); cerr != nil {
		logger.Warn("shutdown", "error", cerr)
	}
	if err != nil {
		logger.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
}
