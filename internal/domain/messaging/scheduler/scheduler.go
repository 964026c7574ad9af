package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper defines the interface for the periodic ledger maintenance passes
type Sweeper interface {
	FailStalePending(ctx context.Context, limit int) (int, error)
	ConvergeLegacy(ctx context.Context, limit int) (int, error)
}

// Scheduler periodically fails sends stuck in pending and repairs flat inbox
// records that diverged from the ledger
type Scheduler struct {
	sweeper    Sweeper
	interval   time.Duration
	startDelay time.Duration // Wait before the first pass
	batchSize  int           // How many entries each pass handles per run
	logger     *slog.Logger
	stopCh     chan struct{}
	cancel     context.CancelFunc // Cancel function to stop in-flight operations
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
}

// Config holds configuration for the sweeper scheduler
type Config struct {
	Interval   time.Duration
	StartDelay time.Duration
	BatchSize  int
}

// New creates a new sweeper scheduler
func New(sweeper Sweeper, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StartDelay == 0 {
		cfg.StartDelay = 15 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}

	return &Scheduler{
		sweeper:    sweeper,
		interval:   cfg.Interval,
		startDelay: cfg.StartDelay,
		batchSize:  cfg.BatchSize,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("messaging sweeper started", "interval", s.interval, "batch_size", s.batchSize)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the scheduler and waits for the current pass to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("messaging sweeper stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	select {
	case <-time.After(s.startDelay):
		s.process(ctx)
	case <-s.stopCh:
		return
	case <-ctx.Done():
		return
	}

	for {
		select {
		case <-ticker.C:
			s.process(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// process runs one pass of each sweep
func (s *Scheduler) process(ctx context.Context) {
	failed, err := s.sweeper.FailStalePending(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("failed to sweep stale pending messages", "error", err)
	} else if failed > 0 {
		s.logger.Info("failed stale pending messages", "count", failed)
	}

	select {
	case <-ctx.Done():
		return
	default:
	}

	repaired, err := s.sweeper.ConvergeLegacy(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("failed to converge legacy records", "error", err)
		return
	}
	if repaired > 0 {
		s.logger.Info("repaired legacy records", "count", repaired)
	}
}
