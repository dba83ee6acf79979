package workers

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/process"
)

// ProcessStats is the last resource sample of the running process.
type ProcessStats struct {
	PID           int32     `json:"pid"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float32   `json:"memoryPercent"`
	Threads       int32     `json:"threads,omitempty"`
	SampledAt     time.Time `json:"sampledAt"`
}

// ProcessMonitorWorker samples the CPU and RAM usage of this process.
type ProcessMonitorWorker struct {
	mu       sync.RWMutex
	log      *slog.Logger
	interval time.Duration
	pid      int32
	last     ProcessStats
}

func NewProcessMonitorWorker(log *slog.Logger, interval time.Duration) *ProcessMonitorWorker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ProcessMonitorWorker{log: log, interval: interval, pid: int32(os.Getpid())}
}

func (w *ProcessMonitorWorker) Run(ctx context.Context) error {
	p, err := process.NewProcess(w.pid)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.sample(p)
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping process monitoring")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *ProcessMonitorWorker) sample(p *process.Process) {
	cpu, err := p.CPUPercent()
	if err != nil {
		w.log.Debug("Error while finding process cpu usage", "err", err)
		return
	}
	ram, err := p.MemoryPercent()
	if err != nil {
		w.log.Debug("Error while finding process ram usage", "err", err)
		return
	}
	threads, _ := p.NumThreads()

	w.mu.Lock()
	w.last = ProcessStats{PID: w.pid, CPUPercent: cpu, MemoryPercent: ram, Threads: threads, SampledAt: time.Now().UTC()}
	w.mu.Unlock()
}

// Snapshot returns the last sample, zero before the first one.
func (w *ProcessMonitorWorker) Snapshot() ProcessStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}
