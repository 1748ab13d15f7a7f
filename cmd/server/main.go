package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"findash/internal/config"
	"findash/internal/logger"
	"findash/internal/market"
	"findash/internal/scheduler"
	"findash/internal/storage"
)

func main() {
	decimal.MarshalJSONWithoutQuotes = true

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("config: %v", err)
	}
	l, err := logger.New(cfg.Log)
	if err != nil {
		logrus.Fatalf("logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := market.FromConfig(cfg, l)

	local, err := storage.OpenSQLite(cfg.Storage.SQLitePath)
	if err != nil {
		l.WithError(err).Fatal("open local store")
	}
	link := &storage.CloudLink{}
	if cfg.Remote.Enabled {
		remote := openRemote(ctx, cfg.Remote, logger.WithComponent(l, "remote"))
		defer remote.Close()
		link.Set(remote)
	}
	engine := storage.NewEngine(local, link, storage.Options{
		BatchSize:              cfg.Storage.BatchSize,
		MaxRemoteDocumentBytes: cfg.Storage.MaxRemoteDocumentBytes,
		Log:                    logger.WithComponent(l, "storage"),
	})
	defer func() {
		if err := engine.Close(); err != nil {
			l.WithError(err).Warn("close local store")
		}
	}()

	sched := scheduler.New(ctx, engine, svc, logger.WithComponent(l, "scheduler"))
	if err := sched.Register(cfg.Storage.ResyncCron, cfg.Market.CachePurgeCron); err != nil {
		l.WithError(err).Fatal("scheduler")
	}
	sched.Start()
	defer sched.Stop()

	s := &server{
		market:    svc,
		store:     engine,
		benchmark: cfg.Market.Benchmark,
		timeout:   config.Seconds(cfg.Server.RequestTimeoutSec),
		maxBody:   cfg.Server.MaxBodyBytes,
		log:       logger.WithComponent(l, "http"),
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           s.routes(l),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.timeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		l.WithField("port", cfg.Server.Port).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("server")
			stop()
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	l.Info("server stopped")
}
