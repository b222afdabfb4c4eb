// Package agent collects the local measurements a node reports about itself.
package agent

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/pkg/discovery"
)

// Metric names a single sampled value
type Metric string

const (
	MetricCPU    Metric = "cpu"
	MetricMemory Metric = "memory"
	MetricUptime Metric = "uptime"
	MetricDisk   Metric = "disk"
	MetricLoad   Metric = "load"
)

// Metrics lists every metric Sample understands
var Metrics = []Metric{MetricCPU, MetricMemory, MetricUptime, MetricDisk, MetricLoad}

// Snapshot is one reading of every metric
type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	DiskPercent   float64   `json:"disk_percent"`
	Load1         float64   `json:"load1"`
	Cores         int       `json:"cores"`
	MemoryGB      float64   `json:"memory_gb"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Sampler reads host metrics through gopsutil. The readers are fields so
// tests can substitute fixed values.
type Sampler struct {
	logger   logger.Interface
	interval time.Duration
	diskPath string

	cpuPercent    func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
	cpuCounts     func(ctx context.Context, logical bool) (int, error)
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	uptime        func(ctx context.Context) (uint64, error)
	diskUsage     func(ctx context.Context, path string) (*disk.UsageStat, error)
	loadAvg       func(ctx context.Context) (*load.AvgStat, error)
	now           func() time.Time
}

// NewSampler creates a sampler. CPU usage is measured over interval;
// disk usage is reported for diskPath.
func NewSampler(interval time.Duration, diskPath string, log logger.Interface) *Sampler {
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{
		logger:        log.WithField("component", "sampler"),
		interval:      interval,
		diskPath:      diskPath,
		cpuPercent:    cpu.PercentWithContext,
		cpuCounts:     cpu.CountsWithContext,
		virtualMemory: mem.VirtualMemoryWithContext,
		uptime:        host.UptimeWithContext,
		diskUsage:     disk.UsageWithContext,
		loadAvg:       load.AvgWithContext,
		now:           time.Now,
	}
}

// ParseMetric validates a metric name
func ParseMetric(name string) (Metric, error) {
	for _, m := range Metrics {
		if string(m) == name {
			return m, nil
		}
	}
	return "", errors.NewValidationError("metric", name, "must be one of cpu, memory, uptime, disk, load")
}

// Sample reads one metric
func (s *Sampler) Sample(ctx context.Context, m Metric) (float64, error) {
	switch m {
	case MetricCPU:
		percents, err := s.cpuPercent(ctx, s.interval, false)
		if err != nil {
			return 0, fmt.Errorf("failed to get CPU percent: %w", err)
		}
		if len(percents) == 0 {
			return 0, errors.New("no CPU usage reported")
		}
		return percents[0], nil

	case MetricMemory:
		vm, err := s.virtualMemory(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to get virtual memory stats: %w", err)
		}
		return vm.UsedPercent, nil

	case MetricUptime:
		up, err := s.uptime(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to get uptime: %w", err)
		}
		return float64(up), nil

	case MetricDisk:
		usage, err := s.diskUsage(ctx, s.diskPath)
		if err != nil {
			return 0, fmt.Errorf("failed to get disk usage for %s: %w", s.diskPath, err)
		}
		return usage.UsedPercent, nil

	case MetricLoad:
		avg, err := s.loadAvg(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to get load average: %w", err)
		}
		return avg.Load1, nil
	}
	return 0, errors.NewValidationError("metric", m, "unknown metric")
}

// Snapshot reads every metric. Individual failures are logged and leave
// the value at zero; only a CPU failure fails the snapshot.
func (s *Sampler) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{SampledAt: s.now().UTC()}

	var err error
	if snap.CPUPercent, err = s.Sample(ctx, MetricCPU); err != nil {
		return snap, err
	}

	values := map[Metric]*float64{
		MetricMemory: &snap.MemoryPercent,
		MetricUptime: &snap.UptimeSeconds,
		MetricDisk:   &snap.DiskPercent,
		MetricLoad:   &snap.Load1,
	}
	for m, dst := range values {
		v, err := s.Sample(ctx, m)
		if err != nil {
			s.logger.WithField("metric", m).WithError(err).Warn("Failed to sample metric")
			continue
		}
		*dst = v
	}

	snap.Cores, snap.MemoryGB = s.capacity(ctx)
	return snap, nil
}

func (s *Sampler) capacity(ctx context.Context) (int, float64) {
	cores, err := s.cpuCounts(ctx, true)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to count CPU cores")
	}
	var memGB float64
	if vm, err := s.virtualMemory(ctx); err == nil {
		memGB = float64(vm.Total) / (1 << 30)
	}
	return cores, memGB
}

// TXTRecords describes this host for mDNS advertisement
func (s *Sampler) TXTRecords(ctx context.Context, service string, sshPort int) map[string]string {
	cores, memGB := s.capacity(ctx)
	txt := map[string]string{
		discovery.TXTCores:    strconv.Itoa(cores),
		discovery.TXTMemoryGB: strconv.FormatFloat(memGB, 'f', 1, 64),
	}
	if service != "" {
		txt[discovery.TXTService] = service
	}
	if sshPort > 0 {
		txt[discovery.TXTSSHPort] = strconv.Itoa(sshPort)
	}
	return txt
}

// Format renders a metric the way the controller's probe parses it
func Format(m Metric, v float64) string {
	if m == MetricUptime {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
