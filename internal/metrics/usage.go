package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	usageCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "cpu_percent",
		Help:      "CPU usage of the server process tree, summed over processes.",
	})
	usageMemory = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "memory_rss_bytes",
		Help:      "Resident memory of the server process tree.",
	})
	usageThreads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "threads",
		Help:      "Threads across the server process tree.",
	})
	usageProcesses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "processes",
		Help:      "Processes in the server process tree (0 when the server is down).",
	})
)

// UsageSample aggregates resource usage over the server process tree at one instant.
type UsageSample struct {
	Timestamp  time.Time `json:"timestamp"`
	Processes  int       `json:"processes"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
}

type UsageConfig struct {
	Interval    time.Duration
	HistorySize int
}

// procStat is the per-process reading folded into a UsageSample.
type procStat struct {
	cpu     float64
	rss     uint64
	threads int32
	fds     int32
}

// UsageCollector periodically samples the processes returned by pids and
// keeps a fixed-size history of the aggregates.
type UsageCollector struct {
	interval time.Duration
	pids     func() []int32
	stat     func(pid int32) (procStat, error)

	handlesMu sync.Mutex
	handles   map[int32]*process.Process

	mu    sync.RWMutex
	ring  []UsageSample
	start int
	count int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewUsageCollector returns a collector; pids lists the server tree and
// returns nil while the server is down.
func NewUsageCollector(cfg UsageConfig, pids func() []int32) *UsageCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 120
	}
	c := &UsageCollector{
		interval: cfg.Interval,
		pids:     pids,
		handles:  make(map[int32]*process.Process),
		ring:     make([]UsageSample, cfg.HistorySize),
		stopCh:   make(chan struct{}),
	}
	c.stat = c.readProcess
	return c
}

// Start begins periodic collection until ctx is cancelled or Stop is called.
func (c *UsageCollector) Start(ctx context.Context) {
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
				c.Collect(time.Now())
			}
		}
	}()
}

func (c *UsageCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample now. Processes that vanish between listing and
// reading are skipped.
func (c *UsageCollector) Collect(now time.Time) UsageSample {
	pids := c.pids()
	s := UsageSample{Timestamp: now}
	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		st, err := c.stat(pid)
		if err != nil {
			slog.Debug("usage sample skipped", "pid", pid, "error", err)
			continue
		}
		s.Processes++
		s.CPUPercent += st.cpu
		s.MemoryRSS += st.rss
		s.NumThreads += st.threads
		s.NumFDs += st.fds
	}
	s.MemoryMB = float64(s.MemoryRSS) / 1024 / 1024
	c.forget(pids)

	c.mu.Lock()
	idx := (c.start + c.count) % len(c.ring)
	c.ring[idx] = s
	if c.count < len(c.ring) {
		c.count++
	} else {
		c.start = (c.start + 1) % len(c.ring)
	}
	c.mu.Unlock()

	if regOK.Load() {
		usageCPU.Set(s.CPUPercent)
		usageMemory.Set(float64(s.MemoryRSS))
		usageThreads.Set(float64(s.NumThreads))
		usageProcesses.Set(float64(s.Processes))
	}
	return s
}

// Latest returns the most recent sample.
func (c *UsageCollector) Latest() (UsageSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.count == 0 {
		return UsageSample{}, false
	}
	return c.ring[(c.start+c.count-1)%len(c.ring)], true
}

// History returns samples oldest first.
func (c *UsageCollector) History() []UsageSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]UsageSample, c.count)
	for i := 0; i < c.count; i++ {
		out[i] = c.ring[(c.start+i)%len(c.ring)]
	}
	return out
}

// readProcess reuses process handles so CPU percent is the delta since the
// previous sample rather than the lifetime average.
func (c *UsageCollector) readProcess(pid int32) (procStat, error) {
	c.handlesMu.Lock()
	p, ok := c.handles[pid]
	if !ok {
		var err error
		p, err = process.NewProcess(pid)
		if err != nil {
			c.handlesMu.Unlock()
			return procStat{}, err
		}
		c.handles[pid] = p
	}
	c.handlesMu.Unlock()

	mem, err := p.MemoryInfo()
	if err != nil {
		return procStat{}, err
	}
	st := procStat{rss: mem.RSS}
	if cpu, err := p.Percent(0); err == nil {
		st.cpu = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		st.threads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			st.fds = n
		}
	}
	return st, nil
}

// forget drops handles of processes no longer in the tree.
func (c *UsageCollector) forget(live []int32) {
	keep := make(map[int32]struct{}, len(live))
	for _, pid := range live {
		keep[pid] = struct{}{}
	}
	c.handlesMu.Lock()
	for pid := range c.handles {
		if _, ok := keep[pid]; !ok {
			delete(c.handles, pid)
		}
	}
	c.handlesMu.Unlock()
}
