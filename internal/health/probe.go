// Package health samples node reachability and resource usage.
package health

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dsyorkd/fleet-controller/internal/executor"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
)

// Config holds probe settings
type Config struct {
	Timeout            time.Duration `yaml:"timeout"`
	DefaultServicePort int           `yaml:"default_service_port"`
	// CommandCheck also runs the node's reachability command after the
	// TCP dial; a failing command marks the node unreachable.
	CommandCheck bool `yaml:"command_check"`
}

// DefaultConfig returns the default probe settings
func DefaultConfig() Config {
	return Config{
		Timeout:            5 * time.Second,
		DefaultServicePort: 22,
	}
}

// Sampler runs a metric command on a node
type Sampler interface {
	Sample(ctx context.Context, node *models.Node, m executor.Metric) executor.Result
}

// Verifier runs the reachability command on a node. executor.Lifecycle
// implements it.
type Verifier interface {
	Probe(ctx context.Context, node *models.Node) executor.Result
}

// Dialer opens the reachability connection
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Probe checks a node's health. Check never writes to the node; persisting
// the result is up to the caller.
type Probe struct {
	config  Config
	sampler Sampler
	dial    Dialer
	now     func() time.Time
	logger  logger.Interface
}

// Option configures a Probe
type Option func(*Probe)

// WithDialer overrides the TCP dialer
func WithDialer(d Dialer) Option {
	return func(p *Probe) { p.dial = d }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Probe) { p.now = now }
}

// NewProbe creates a health probe
func NewProbe(config Config, sampler Sampler, log logger.Interface, opts ...Option) *Probe {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.DefaultServicePort == 0 {
		config.DefaultServicePort = DefaultConfig().DefaultServicePort
	}

	p := &Probe{
		config:  config,
		sampler: sampler,
		now:     time.Now,
		logger:  log.WithField("component", "health_probe"),
	}
	var d net.Dialer
	p.dial = d.DialContext
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check samples node. It never fails: an unreachable node yields a sample
// with Reachable false, the sentinel response time and zeroed metrics.
func (p *Probe) Check(ctx context.Context, node *models.Node) models.HealthSample {
	sample := models.HealthSample{NodeID: node.ID}
	addr := node.ServiceAddress(p.config.DefaultServicePort)

	dialCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	start := p.now()
	conn, err := p.dial(dialCtx, "tcp", addr)
	elapsed := p.now().Sub(start)
	cancel()

	if err != nil {
		p.logger.WithFields(map[string]interface{}{
			"node":    node.Name,
			"address": addr,
		}).WithError(err).Debug("Node unreachable")
		sample.ResponseTimeMs = models.UnreachableResponseTimeMs
		sample.ObservedAt = p.now()
		return sample
	}
	conn.Close()

	if !p.verify(ctx, node) {
		sample.ResponseTimeMs = models.UnreachableResponseTimeMs
		sample.ObservedAt = p.now()
		return sample
	}

	sample.Reachable = true
	sample.ResponseTimeMs = float64(elapsed) / float64(time.Millisecond)
	sample.CPUPercent = p.metric(ctx, node, executor.MetricCPU)
	sample.MemoryPercent = p.metric(ctx, node, executor.MetricMemory)
	sample.UptimeSeconds = p.metric(ctx, node, executor.MetricUptime)
	sample.ObservedAt = p.now()
	return sample
}

// verify runs the reachability command when CommandCheck is set and the
// sampler can run it. Without either it trusts the dial.
func (p *Probe) verify(ctx context.Context, node *models.Node) bool {
	if !p.config.CommandCheck {
		return true
	}
	v, ok := p.sampler.(Verifier)
	if !ok {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	res := v.Probe(ctx, node)
	if !res.OK {
		p.logger.WithFields(map[string]interface{}{
			"node":      node.Name,
			"exit_code": res.ExitCode,
			"stderr":    strings.TrimSpace(res.Stderr),
		}).Debug("Reachability command failed")
		return false
	}
	return true
}

// metric returns 0 on any failure
func (p *Probe) metric(ctx context.Context, node *models.Node, m executor.Metric) float64 {
	if p.sampler == nil {
		return 0
	}
	res := p.sampler.Sample(ctx, node, m)
	if !res.OK {
		p.logger.WithFields(map[string]interface{}{
			"node":   node.Name,
			"metric": m,
			"stderr": strings.TrimSpace(res.Stderr),
		}).Debug("Metric command failed")
		return 0
	}

	v, err := parseMetric(res.Stdout)
	if err != nil {
		p.logger.WithFields(map[string]interface{}{
			"node":   node.Name,
			"metric": m,
			"output": res.Stdout,
		}).Debug("Unparsable metric output")
		return 0
	}
	if m == executor.MetricUptime {
		return float64(int64(v))
	}
	return v
}

func parseMetric(out string) (float64, error) {
	s := strings.TrimSpace(out)
	// tolerate a trailing percent sign and decimal commas from some locales
	s = strings.TrimSuffix(s, "%")
	s = strings.Replace(s, ",", ".", 1)
	return strconv.ParseFloat(s, 64)
}
