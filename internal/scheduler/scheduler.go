// Package scheduler runs the periodic maintenance jobs of the server.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Resyncer refreshes local collections from the remote store.
type Resyncer interface {
	Resync(ctx context.Context) error
}

// Purger drops expired cache entries and reports how many went.
type Purger interface {
	Purge() int
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	Cron *cron.Cron
	Ctx  context.Context
	Log  *logrus.Entry

	store  Resyncer
	caches Purger
}

// New creates a Scheduler. Jobs run with ctx and stop receiving it once it
// is cancelled.
func New(ctx context.Context, store Resyncer, caches Purger, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		Cron:   cron.New(),
		Ctx:    ctx,
		Log:    log,
		store:  store,
		caches: caches,
	}
}

// Register adds the resync and purge jobs. An empty spec disables a job.
func (s *Scheduler) Register(resyncSpec, purgeSpec string) error {
	if resyncSpec != "" && s.store != nil {
		if _, err := s.Cron.AddFunc(resyncSpec, s.resync); err != nil {
			return fmt.Errorf("register resync job: %w", err)
		}
	}
	if purgeSpec != "" && s.caches != nil {
		if _, err := s.Cron.AddFunc(purgeSpec, s.purge); err != nil {
			return fmt.Errorf("register purge job: %w", err)
		}
	}
	return nil
}

// Jobs is the number of registered jobs.
func (s *Scheduler) Jobs() int { return len(s.Cron.Entries()) }

func (s *Scheduler) Start() {
	s.Cron.Start()
	s.Log.WithField("jobs", s.Jobs()).Info("scheduler started")
}

// Stop halts the cron and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.Log.Info("scheduler stopped")
}

// RunNow runs every job once, synchronously.
func (s *Scheduler) RunNow() {
	if s.store != nil {
		s.resync()
	}
	if s.caches != nil {
		s.purge()
	}
}

func (s *Scheduler) resync() {
	if s.Ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := s.store.Resync(s.Ctx); err != nil {
		s.Log.WithError(err).Warn("resync failed")
		return
	}
	s.Log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("resync done")
}

func (s *Scheduler) purge() {
	n := s.caches.Purge()
	if n > 0 {
		s.Log.WithField("purged", n).Debug("cache purge")
	}
}
