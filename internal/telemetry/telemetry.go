// Package telemetry is a thin process-resource reporter. It is explicitly
// out of scope as a full component (spec's non-goals exclude a
// observability/dashboard surface) but is carried as ambient stack: the
// teacher pulls in gopsutil transitively, and several pack repos use it
// directly for exactly this kind of periodic self-reporting.
package telemetry

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Sample is one point-in-time resource reading.
type Sample struct {
	CPUPercent    float64
	RSSBytes      uint64
	GoroutineHint uint64 // process thread count, a rough proxy logged alongside CPU/mem
}

// Reporter periodically logs process resource usage. It has no effect on
// risk decisions; it exists purely for operational visibility.
type Reporter struct {
	proc *process.Process
	log  zerolog.Logger
}

// NewReporter constructs a Reporter for the current process.
func NewReporter(log zerolog.Logger) (*Reporter, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Reporter{proc: proc, log: log.With().Str("component", "telemetry").Logger()}, nil
}

// Sample takes one reading.
func (r *Reporter) Sample() (Sample, error) {
	cpuPct, err := r.proc.CPUPercent()
	if err != nil {
		return Sample{}, err
	}
	memInfo, err := r.proc.MemoryInfo()
	if err != nil {
		return Sample{}, err
	}
	threads, err := r.proc.NumThreads()
	if err != nil {
		return Sample{}, err
	}
	return Sample{CPUPercent: cpuPct, RSSBytes: memInfo.RSS, GoroutineHint: uint64(threads)}, nil
}

// SystemMemory reports whole-machine memory pressure.
func SystemMemory() (*mem.VirtualMemoryStat, error) {
	return mem.VirtualMemory()
}

// SystemCPUPercent reports whole-machine CPU utilization over a short
// sampling window.
func SystemCPUPercent(window time.Duration) (float64, error) {
	percentages, err := cpu.Percent(window, false)
	if err != nil {
		return 0, err
	}
	if len(percentages) == 0 {
		return 0, nil
	}
	return percentages[0], nil
}

// Run logs a sample every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := r.Sample()
			if err != nil {
				r.log.Debug().Err(err).Msg("telemetry sample failed")
				continue
			}
			r.log.Debug().
				Float64("cpu_percent", s.CPUPercent).
				Uint64("rss_bytes", s.RSSBytes).
				Uint64("threads", s.GoroutineHint).
				Msg("resource sample")
		}
	}
}
