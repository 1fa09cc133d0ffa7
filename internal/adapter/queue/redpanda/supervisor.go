package redpanda

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/fairyhunter13/cv-match-engine/internal/adapter/observability"
	"github.com/fairyhunter13/cv-match-engine/internal/domain"
)

// WorkerConfig bounds the dynamic worker pool and its scaling thresholds.
type WorkerConfig struct {
	MinWorkers      int
	MaxWorkers      int
	QueueDepthHigh  int64
	QueueDepthLow   int64
	MemHighPct      float64
	CPUHighPct      float64
	ScalingInterval time.Duration
	IdleTimeout     time.Duration
	AgingInterval   time.Duration
}

// hostLoad samples resource pressure. Replaced in tests.
type hostLoad func() (memPct, cpuPct float64)

func sampleHostLoad() (float64, float64) {
	var memPct, cpuPct float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	return memPct, cpuPct
}

// supervisor adjusts the desired worker count from queue depth and host
// pressure, one worker per tick in either direction. Workers observe
// desired and exit when they are surplus.
type supervisor struct {
	cfg     WorkerConfig
	jobs    domain.JobRepository
	buf     *priorityBuffer
	desired atomic.Int64
	load    hostLoad

	// fatal latches while a worker has hit a fatal error; growth stays
	// blocked until a job completes cleanly again
	fatal atomic.Bool
}

func newSupervisor(cfg WorkerConfig, jobs domain.JobRepository, buf *priorityBuffer) *supervisor {
	s := &supervisor{cfg: cfg, jobs: jobs, buf: buf, load: sampleHostLoad}
	s.desired.Store(int64(cfg.MinWorkers))
	return s
}

func (s *supervisor) Desired() int { return int(s.desired.Load()) }

func (s *supervisor) reportFatal() { s.fatal.Store(true) }
func (s *supervisor) clearFatal()  { s.fatal.Store(false) }

// Run re-evaluates the target worker count on every scaling tick.
func (s *supervisor) Run(ctx context.Context, spawn func()) {
	ticker := time.NewTicker(s.cfg.ScalingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evaluate(ctx, spawn)
		}
	}
}

func (s *supervisor) evaluate(ctx context.Context, spawn func()) {
	depth, err := s.jobs.CountPending(ctx)
	if err != nil {
		slog.Warn("queue depth probe failed", slog.Any("error", err))
		depth = int64(s.buf.Len())
	}
	observability.QueueDepth.Set(float64(depth))

	memPct, cpuPct := s.load()
	current := s.Desired()
	target := current

	switch {
	case depth > s.cfg.QueueDepthHigh && memPct < s.cfg.MemHighPct && cpuPct < s.cfg.CPUHighPct &&
		current < s.cfg.MaxWorkers && !s.fatal.Load():
		target = current + 1
	case depth < s.cfg.QueueDepthLow && current > s.cfg.MinWorkers:
		// workers past the idle timeout retire themselves; lowering the
		// target here lets a busy surplus worker exit after its job
		target = current - 1
	}

	if target != current {
		slog.Info("scaling worker pool",
			slog.Int("from", current),
			slog.Int("to", target),
			slog.Int64("queue_depth", depth),
			slog.Float64("mem_pct", memPct),
			slog.Float64("cpu_pct", cpuPct))
		s.desired.Store(int64(target))
		for i := current; i < target; i++ {
			spawn()
		}
	}
	observability.WorkerCount.Set(float64(s.Desired()))
}
