package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"findash/internal/config"
	"findash/internal/storage"
)

// openRemote always returns a client; a failed ping only means the first
// pushes fail until the server comes up.
func openRemote(ctx context.Context, cfg config.Remote, l *logrus.Entry) *storage.RedisRemote {
	remote := storage.NewRedisRemote(storage.RedisOptions{
		Addr:      cfg.RedisAddr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		Namespace: cfg.Namespace,
		Timeout:   config.Seconds(cfg.TimeoutSec),
	})
	log := l.WithField("addr", cfg.RedisAddr)
	if err := remote.Ping(ctx); err != nil {
		log.WithError(err).Warn("remote store not reachable yet, linked anyway")
		return remote
	}
	log.Info("remote store linked")
	return remote
}
