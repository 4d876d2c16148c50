package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/cradoe/kudi/internal/app"
	"github.com/cradoe/kudi/internal/version"
	"github.com/cradoe/kudi/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	err := run(logger)
	if err != nil {
		trace := string(debug.Stack())
		logger.Error(err.Error(), "trace", trace)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	showVersion := flag.Bool("version", false, "display version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s\n", version.Get())
		return nil
	}

	application, err := app.NewApplication(logger)
	if err != nil {
		return err
	}
	defer application.DB.Close()
	defer application.Cache.Close()

	wk := worker.New(&worker.Worker{
		Kafka:      application.Kafka,
		Reconciler: application.Reconciler,
		Gate:       application.DB.WebhookEvent(),
		Dispatcher: application.Dispatcher,
		Logger:     logger,
	})

	go wk.FundingWorker()
	go wk.AlertWorker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go application.Poller.Run(ctx)
	go application.Guard.StartSweeper(ctx, 5*time.Minute)
	go application.Sessions.StartSweeper(ctx, time.Minute)

	return application.ServeHTTP()
}
