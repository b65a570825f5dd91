package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/dunghkt213/click2buy-sub000/internal/app"
	"github.com/dunghkt213/click2buy-sub000/internal/config"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, config.Load(), logger)
	if err != nil {
		logger.Fatal("failed to start cart service", zap.Error(err))
	}
	defer a.Close()

	a.Run(ctx)
	logger.Info("shutting down cart service")
}
