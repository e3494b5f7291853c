package engine

import (
	"context"
	"log"
	"time"

	"fieldline/internal/domain"
	"fieldline/internal/repo"
)

// Scanner periodically flags overdue pending tasks and tops up daily
// harvest buckets for blocks in harvesting state. It never mutates task
// status; completion stays with the actors.
type Scanner struct {
	Engine   Engine
	Interval time.Duration
	Logger   *log.Logger
}

func NewScanner(e Engine, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scanner{Engine: e, Interval: interval, Logger: log.Default()}
}

// Run blocks until ctx is cancelled, performing one pass immediately and
// then one per interval.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	s.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

// Pass runs a single sweep over every farm. Exposed so the CLI can run a
// one-shot sweep without starting the loop.
func (s *Scanner) Pass(ctx context.Context) error {
	return s.pass(ctx)
}

func (s *Scanner) pass(ctx context.Context) error {
	farms, err := s.Engine.Repo.ListFarms(ctx)
	if err != nil {
		s.logf("scanner: list farms: %v", err)
		return err
	}
	actor := domain.Actor{ID: "scanner"}
	for _, f := range farms {
		n, err := s.Engine.SweepOverdue(ctx, f.ID, actor.ID)
		if err != nil {
			s.logf("scanner: sweep %s: %v", f.ID, err)
			continue
		}
		if n > 0 {
			s.logf("scanner: farm %s: flagged %d overdue task(s)", f.ID, n)
		}
		blocks, err := s.Engine.Repo.ListBlocks(ctx, repo.BlockFilters{FarmID: f.ID, State: domain.StateHarvesting})
		if err != nil {
			s.logf("scanner: list blocks %s: %v", f.ID, err)
			continue
		}
		for _, b := range blocks {
			t, err := s.Engine.EnsureHarvestBucket(ctx, b.ID, actor)
			if err != nil {
				s.logf("scanner: harvest bucket %s: %v", b.ID, err)
				continue
			}
			if t != nil {
				s.logf("scanner: farm %s: opened harvest bucket for block %s", f.ID, b.ID)
			}
		}
	}
	return nil
}

func (s *Scanner) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}
