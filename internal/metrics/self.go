package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	selfCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "statusd",
			Subsystem: "self",
			Name:      "cpu_percent",
			Help:      "CPU usage of the statusd process, sampled periodically.",
		},
	)
	selfRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "statusd",
			Subsystem: "self",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the statusd process.",
		},
	)
	selfThreads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "statusd",
			Subsystem: "self",
			Name:      "threads",
			Help:      "OS threads used by the statusd process.",
		},
	)
)

// SelfSample is one reading of the server's own resource usage.
type SelfSample struct {
	CPUPercent float64
	MemoryRSS  uint64
	NumThreads int32
	Timestamp  time.Time
}

// SelfCollector samples the running process with gopsutil and publishes the
// readings as gauges. A zero interval disables it.
type SelfCollector struct {
	interval time.Duration
	proc     *process.Process

	mu   sync.RWMutex
	last SelfSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSelfCollector returns a collector for the current process.
func NewSelfCollector(interval time.Duration) (*SelfCollector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	return &SelfCollector{interval: interval, proc: proc, stopCh: make(chan struct{})}, nil
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (c *SelfCollector) Start(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if _, err := c.Collect(); err != nil {
					slog.Debug("Failed to sample own process", "error", err)
				}
			}
		}
	}()
}

// Stop stops sampling and waits for the loop to exit.
func (c *SelfCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample, updates the gauges and returns it.
func (c *SelfCollector) Collect() (SelfSample, error) {
	memInfo, err := c.proc.MemoryInfo()
	if err != nil {
		return SelfSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	// CPUPercent needs a previous call for an accurate figure; 0 is fine then
	cpu, err := c.proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := c.proc.NumThreads()
	if err != nil {
		threads = 0
	}
	s := SelfSample{CPUPercent: cpu, MemoryRSS: memInfo.RSS, NumThreads: threads, Timestamp: time.Now()}

	c.mu.Lock()
	c.last = s
	c.mu.Unlock()

	if regOK.Load() {
		selfCPU.Set(s.CPUPercent)
		selfRSS.Set(float64(s.MemoryRSS))
		selfThreads.Set(float64(s.NumThreads))
	}
	return s, nil
}

// Last returns the most recent sample, zero before the first one.
func (c *SelfCollector) Last() SelfSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
