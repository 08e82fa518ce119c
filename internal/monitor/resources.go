// Package monitor records operation usage and latency, samples host
// resources and raises alerts when thresholds are crossed.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/knightrooks/agenthub/internal/domain"
	"github.com/knightrooks/agenthub/pkg/logger"
)

// ResourceSource supplies the latest host resource reading.
type ResourceSource interface {
	Snapshot() domain.ResourceSnapshot
}

type readFunc func(ctx context.Context) (cpuPercent, memPercent float64, err error)

// ResourceSampler caches host CPU and memory usage so that recording a
// metric never waits on the operating system.
type ResourceSampler struct {
	logger *slog.Logger
	read   readFunc
	now    func() time.Time

	mu   sync.RWMutex
	last domain.ResourceSnapshot
	once sync.Once
}

// NewResourceSampler constructs a sampler backed by gopsutil.
func NewResourceSampler(log *slog.Logger) *ResourceSampler {
	return &ResourceSampler{
		logger: logger.OrDiscard(log).With("component", "resource_sampler"),
		read:   hostUsage,
		now:    time.Now,
	}
}

func hostUsage(ctx context.Context) (float64, float64, error) {
	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("sample memory: %w", err)
	}
	var cpuPercent float64
	if len(cpus) > 0 {
		cpuPercent = cpus[0]
	}
	return cpuPercent, vm.UsedPercent, nil
}

// Snapshot returns the most recent sample. Before the first sample it is the
// zero value.
func (s *ResourceSampler) Snapshot() domain.ResourceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Sample refreshes the cached reading. On failure the previous reading is kept.
func (s *ResourceSampler) Sample(ctx context.Context) error {
	cpuPercent, memPercent, err := s.read(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.last = domain.ResourceSnapshot{
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		SampledAt:     s.now().UTC(),
	}
	s.mu.Unlock()
	return nil
}

// Run samples on every tick until ctx is cancelled.
func (s *ResourceSampler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.sampleOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

func (s *ResourceSampler) sampleOnce(ctx context.Context) {
	if err := s.Sample(ctx); err != nil {
		// a host without cpu or memory stats fails the same way on every tick
		s.once.Do(func() {
			s.logger.Warn("resource sampling failed", "error", err)
		})
	}
}
