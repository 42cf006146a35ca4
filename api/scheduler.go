/*
scheduler.go - Periodic expiry sweep

PURPOSE:
  Explicit checks (session validation, grant checks) are authoritative for
  expiry. The sweep is the backstop: it moves abandoned live sessions past
  their deadline to expired and flips lapsed grants to expired, so listings
  and counters stay truthful without anyone touching the rows.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on start
  - Takes the "sweep" lease from a lock.Locker first; with several
    instances on one valkey only the lease holder sweeps
  - Both steps are idempotent: a second run right after changes nothing

USAGE:
  scheduler := NewSweepScheduler(sessions, access, locker, time.Minute)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - session/service.go: CleanupExpired
  - access/grants.go: ExpireGrants
  - lock/: Locker implementations
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warp/assessment-engine/access"
	"github.com/warp/assessment-engine/lock"
	"github.com/warp/assessment-engine/session"
)

const sweepLockKey = "sweep"

// SweepResult is the outcome of one sweep.
type SweepResult struct {
	Ran             bool
	SessionsExpired int
	GrantsExpired   int
}

// SweepScheduler periodically expires sessions and grants.
type SweepScheduler struct {
	Sessions *session.Service
	Access   *access.Service
	Locker   lock.Locker
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweepScheduler(sessions *session.Service, acc *access.Service, locker lock.Locker, interval time.Duration) *SweepScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepScheduler{
		Sessions: sessions,
		Access:   acc,
		Locker:   locker,
		Interval: interval,
		Enabled:  true,
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Info().Msg("sweep scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	log.Info().Dur("interval", s.Interval).Msg("sweep scheduler started")
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	log.Info().Msg("sweep scheduler stopped")
}

func (s *SweepScheduler) run() {
	defer s.wg.Done()

	s.tick()
	for {
		select {
		case <-s.ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

func (s *SweepScheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Interval)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("sweep failed")
	}
}

// RunOnce performs one sweep if the lease can be taken.
func (s *SweepScheduler) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	ok, err := s.Locker.Acquire(ctx, sweepLockKey, s.Interval)
	if err != nil {
		return res, err
	}
	if !ok {
		log.Debug().Msg("sweep skipped, lease held elsewhere")
		return res, nil
	}
	defer func() {
		if err := s.Locker.Release(context.WithoutCancel(ctx), sweepLockKey); err != nil {
			log.Warn().Err(err).Msg("sweep lease release failed")
		}
	}()

	res.Ran = true
	if res.SessionsExpired, err = s.Sessions.CleanupExpired(ctx); err != nil {
		return res, err
	}
	if res.GrantsExpired, err = s.Access.ExpireGrants(ctx); err != nil {
		return res, err
	}

	if res.SessionsExpired > 0 || res.GrantsExpired > 0 {
		log.Info().
			Int("sessions_expired", res.SessionsExpired).
			Int("grants_expired", res.GrantsExpired).
			Msg("sweep finished")
	}
	return res, nil
}
