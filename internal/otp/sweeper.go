package otp

import (
	"context"
	"time"

	"github.com/civicreport/otpd/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/zerodha/logf"
)

// Sweeper periodically purges expired OTPs from stores that don't expire
// records natively.
type Sweeper struct {
	purger  store.Purger
	cron    *cron.Cron
	timeout time.Duration
	lo      *logf.Logger

	now func() time.Time
}

// NewSweeper schedules purges on the given cron spec (eg: "@every 1m").
func NewSweeper(p store.Purger, spec string, timeout time.Duration, lo *logf.Logger) (*Sweeper, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s := &Sweeper{
		purger:  p,
		cron:    cron.New(),
		timeout: timeout,
		lo:      lo,
		now:     time.Now,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, err
	}

	return s, nil
}

// Start starts the scheduler in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep deletes all OTPs that have expired as of now and returns the count.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.purger.Purge(ctx, s.now())
	if err != nil {
		s.lo.Error("error purging expired OTPs", "error", err)
		return 0
	}
	if n > 0 {
		s.lo.Debug("purged expired OTPs", "count", n)
	}
	return n
}
