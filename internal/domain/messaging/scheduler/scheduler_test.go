package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type countingSweeper struct {
	stale    atomic.Int64
	converge atomic.Int64
	limit    atomic.Int64
	staleErr error
}

func (c *countingSweeper) FailStalePending(ctx context.Context, limit int) (int, error) {
	c.stale.Add(1)
	c.limit.Store(int64(limit))
	return 0, c.staleErr
}

func (c *countingSweeper) ConvergeLegacy(ctx context.Context, limit int) (int, error) {
	c.converge.Add(1)
	return 1, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcess_RunsBothPasses(t *testing.T) {
	sw := &countingSweeper{staleErr: errors.New("db down")}
	s := New(sw, Config{BatchSize: 7}, testLogger())

	s.process(context.Background())

	if sw.stale.Load() != 1 || sw.converge.Load() != 1 {
		t.Errorf("passes = %d/%d, want 1/1", sw.stale.Load(), sw.converge.Load())
	}
	if sw.limit.Load() != 7 {
		t.Errorf("limit = %d, want 7", sw.limit.Load())
	}
}

func TestStartStop(t *testing.T) {
	sw := &countingSweeper{}
	s := New(sw, Config{Interval: 5 * time.Millisecond, StartDelay: time.Millisecond}, testLogger())

	s.Start(context.Background())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for sw.converge.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
	s.Stop()

	if sw.converge.Load() < 2 {
		t.Fatalf("expected repeated passes, got %d", sw.converge.Load())
	}

	after := sw.converge.Load()
	time.Sleep(20 * time.Millisecond)
	if sw.converge.Load() != after {
		t.Error("scheduler kept running after Stop")
	}
}
