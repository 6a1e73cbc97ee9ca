package monitoring

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSampler periodically publishes process CPU, memory, and goroutine
// gauges. Sampling failures are logged and skipped; they never stop the
// sampler.
type SystemSampler struct {
	logger   zerolog.Logger
	interval time.Duration
}

func NewSystemSampler(logger zerolog.Logger, interval time.Duration) *SystemSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemSampler{logger: logger, interval: interval}
}

// Run blocks until ctx is cancelled.
func (s *SystemSampler) Run(ctx context.Context) {
	defer RecoverPanic(s.logger, "system_sampler", nil)

	self, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		s.logger.Warn().Err(err).Msg("System sampler disabled: cannot open own process")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx, self)
		}
	}
}

func (s *SystemSampler) sample(ctx context.Context, self *process.Process) {
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		CPUUsagePercent.Set(pct[0])
	} else if err != nil {
		s.logger.Debug().Err(err).Msg("CPU sample failed")
	}

	if mem, err := self.MemoryInfoWithContext(ctx); err == nil {
		MemoryUsageBytes.Set(float64(mem.RSS))
	} else {
		s.logger.Debug().Err(err).Msg("Memory sample failed")
	}

	GoroutinesActive.Set(float64(runtime.NumGoroutine()))
}
