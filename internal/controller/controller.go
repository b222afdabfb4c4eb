package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/notify"
	"github.com/dsyorkd/fleet-controller/internal/services"
	"github.com/dsyorkd/fleet-controller/internal/storage"
)

// lockOwnerPrefix prefixes the NodeLocks owner of each scaling action
const lockOwnerPrefix = "controller:"

// Scale-down policies
const (
	ScaleDownFirst       = "first"
	ScaleDownLeastLoaded = "least_loaded"
)

// Config holds the auto-scaling loop settings
type Config struct {
	Interval         time.Duration `yaml:"interval"`
	ErrorBackoff     time.Duration `yaml:"error_backoff"`
	ProbeConcurrency int           `yaml:"probe_concurrency"`
	// StatsTTL bounds how long a tick's stats are served to status queries.
	StatsTTL time.Duration `yaml:"stats_ttl"`
	// StalenessWindow is how old a node's stored health check may be and
	// still count toward stats. Zero means Interval.
	StalenessWindow time.Duration `yaml:"staleness_window"`
	ScaleDownPolicy string        `yaml:"scale_down_policy"`
}

// DefaultConfig returns the default loop configuration
func DefaultConfig() Config {
	return Config{
		Interval:         60 * time.Second,
		ErrorBackoff:     30 * time.Second,
		ProbeConcurrency: 8,
		StatsTTL:         5 * time.Minute,
		ScaleDownPolicy:  ScaleDownFirst,
	}
}

// Staleness returns the effective staleness window
func (c Config) Staleness() time.Duration {
	if c.StalenessWindow > 0 {
		return c.StalenessWindow
	}
	return c.Interval
}

// Prober samples a node
type Prober interface {
	Check(ctx context.Context, node *models.Node) models.HealthSample
}

// Action is the scaling decision for one cluster
type Action string

const (
	ActionNone      Action = "none"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
)

// Decision records what a tick did for one cluster
type Decision struct {
	ClusterID uint                `json:"cluster_id"`
	Action    Action              `json:"action"`
	NodeID    *uint               `json:"node_id,omitempty"`
	Stats     models.ClusterStats `json:"stats"`
	Error     string              `json:"error,omitempty"`
}

// Report summarises one tick
type Report struct {
	StartedAt time.Time  `json:"started_at"`
	Duration  string     `json:"duration"`
	Decisions []Decision `json:"decisions"`
}

// Controller evaluates auto-scaling clusters and starts or stops one node
// per cluster per tick.
type Controller struct {
	store    storage.Store
	registry *services.NodeRegistry
	actions  *services.NodeActions
	probe    Prober
	locks    *services.NodeLocks
	notifier notify.Publisher
	config   Config
	logger   logger.Interface
	now      func() time.Time

	tickMu sync.Mutex

	mu    sync.RWMutex
	stats map[uint]models.ClusterStats
}

// New creates a controller
func New(
	store storage.Store,
	registry *services.NodeRegistry,
	actions *services.NodeActions,
	probe Prober,
	locks *services.NodeLocks,
	notifier notify.Publisher,
	config Config,
	log logger.Interface,
) *Controller {
	if config.ProbeConcurrency < 1 {
		config.ProbeConcurrency = 1
	}
	if config.ScaleDownPolicy == "" {
		config.ScaleDownPolicy = ScaleDownFirst
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Controller{
		store:    store,
		registry: registry,
		actions:  actions,
		probe:    probe,
		locks:    locks,
		notifier: notifier,
		config:   config,
		logger:   log.WithField("component", "controller"),
		now:      func() time.Time { return time.Now().UTC() },
		stats:    make(map[uint]models.ClusterStats),
	}
}

// Decide returns the scaling action stats call for. Nothing is done when
// no node is reachable.
func Decide(cluster *models.Cluster, stats models.ClusterStats) Action {
	if stats.OnlineNodes == 0 {
		return ActionNone
	}
	switch {
	case stats.AvgCPU > cluster.TargetCPUUtilization && stats.OnlineNodes < cluster.MaxNodes:
		return ActionScaleUp
	case stats.AvgCPU < cluster.ScaleDownThreshold() && stats.OnlineNodes > cluster.MinNodes:
		return ActionScaleDown
	}
	return ActionNone
}

// Tick evaluates every auto-scaling cluster once. A failing cluster is
// logged and reported; the remaining clusters are still evaluated. The
// returned error is non-nil when any cluster failed.
func (c *Controller) Tick(ctx context.Context) (*Report, error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	report := &Report{StartedAt: c.now()}
	clusters, err := c.store.ListAutoScalingClusters()
	if err != nil {
		return report, errors.Wrap(err, "list auto-scaling clusters")
	}

	failed := 0
	for i := range clusters {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		decision, err := c.evaluate(ctx, &clusters[i])
		if err != nil {
			failed++
			decision.Error = err.Error()
			c.logger.WithField("cluster", clusters[i].Name).WithError(err).Error("Cluster evaluation failed")
		}
		report.Decisions = append(report.Decisions, decision)
	}
	report.Duration = c.now().Sub(report.StartedAt).String()

	if failed > 0 {
		return report, fmt.Errorf("%d of %d clusters failed evaluation", failed, len(clusters))
	}
	return report, nil
}

func (c *Controller) evaluate(ctx context.Context, cluster *models.Cluster) (decision Decision, err error) {
	decision = Decision{ClusterID: cluster.ID, Action: ActionNone}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while evaluating cluster %d: %v", cluster.ID, r)
		}
	}()

	nodes, err := c.registry.ListNodesInCluster(cluster.ID)
	if err != nil {
		return decision, err
	}

	samples := c.sample(ctx, nodes)
	stats := services.ComputeStats(cluster.ID, nodes, samples, c.now())
	decision.Stats = stats

	c.mu.Lock()
	c.stats[cluster.ID] = stats
	c.mu.Unlock()

	log := c.logger.WithFields(map[string]interface{}{
		"cluster":      cluster.Name,
		"online_nodes": stats.OnlineNodes,
		"avg_cpu":      stats.AvgCPU,
	})

	switch Decide(cluster, stats) {
	case ActionScaleUp:
		node := c.scaleUpCandidate(nodes)
		if node == nil {
			log.Debug("Scale-up wanted but no offline node is available")
			return decision, nil
		}
		decision.Action = ActionScaleUp
		decision.NodeID = &node.ID
		log.WithField("node", node.Name).Info("Scaling up")
		if err := c.act(ctx, node, c.actions.Start); err != nil {
			return decision, errors.Wrapf(err, "scale up node %s", node.Name)
		}
		c.publish(notify.EventClusterScaledUp, cluster, node, stats)

	case ActionScaleDown:
		node := c.scaleDownCandidate(nodes, samples)
		if node == nil {
			log.Debug("Scale-down wanted but no online node is available")
			return decision, nil
		}
		decision.Action = ActionScaleDown
		decision.NodeID = &node.ID
		log.WithField("node", node.Name).Info("Scaling down")
		if err := c.act(ctx, node, c.actions.Stop); err != nil {
			return decision, errors.Wrapf(err, "scale down node %s", node.Name)
		}
		c.publish(notify.EventClusterScaledDown, cluster, node, stats)

	default:
		log.Debug("Cluster within target")
	}
	return decision, nil
}

// sample probes nodes concurrently and records each sample on its node
func (c *Controller) sample(ctx context.Context, nodes []models.Node) map[uint]models.HealthSample {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		samples = make(map[uint]models.HealthSample, len(nodes))
		sem     = make(chan struct{}, c.config.ProbeConcurrency)
	)

	for i := range nodes {
		if nodes[i].Status == models.NodeStatusMaintenance {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(node *models.Node) {
			defer wg.Done()
			defer func() { <-sem }()

			s := c.probe.Check(ctx, node)
			if err := c.registry.RecordHealth(s); err != nil {
				c.logger.WithField("node", node.Name).WithError(err).Warn("Failed to record health sample")
			}

			mu.Lock()
			samples[node.ID] = s
			mu.Unlock()
		}(&nodes[i])
	}
	wg.Wait()
	return samples
}

// scaleUpCandidate returns the most eligible Offline node: lowest priority
// value first, then lowest id.
func (c *Controller) scaleUpCandidate(nodes []models.Node) *models.Node {
	var candidates []*models.Node
	for i := range nodes {
		if nodes[i].Status == models.NodeStatusOffline && !c.locked(nodes[i].ID) {
			candidates = append(candidates, &nodes[i])
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

func (c *Controller) scaleDownCandidate(nodes []models.Node, samples map[uint]models.HealthSample) *models.Node {
	var candidates []*models.Node
	for i := range nodes {
		if nodes[i].Status == models.NodeStatusOnline && !c.locked(nodes[i].ID) {
			candidates = append(candidates, &nodes[i])
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	if c.config.ScaleDownPolicy == ScaleDownLeastLoaded {
		sort.SliceStable(candidates, func(i, j int) bool {
			ci, cj := samples[candidates[i].ID].CPUPercent, samples[candidates[j].ID].CPUPercent
			if ci != cj {
				return ci < cj
			}
			return candidates[i].ActiveLoad < candidates[j].ActiveLoad
		})
	}
	return candidates[0]
}

func (c *Controller) locked(id uint) bool {
	_, held := c.locks.Holder(id)
	return held
}

func (c *Controller) act(ctx context.Context, node *models.Node, action func(context.Context, *models.Node) error) error {
	owner := lockOwnerPrefix + uuid.NewString()
	if err := c.locks.TryLock(owner, node.ID); err != nil {
		return err
	}
	defer c.locks.Unlock(owner, node.ID)
	return action(ctx, node)
}

func (c *Controller) publish(t notify.EventType, cluster *models.Cluster, node *models.Node, stats models.ClusterStats) {
	c.notifier.Publish(notify.Event{
		Type:      t,
		ClusterID: &cluster.ID,
		NodeID:    &node.ID,
		Summary:   fmt.Sprintf("cluster %s: %s node %s at avg cpu %.1f%%", cluster.Name, t, node.Name, stats.AvgCPU),
		Attributes: map[string]string{
			"online_nodes": fmt.Sprint(stats.OnlineNodes),
			"avg_cpu":      fmt.Sprintf("%.2f", stats.AvgCPU),
		},
	})
}

// LastStats returns the stats of the cluster's most recent evaluation, if
// it is fresher than the configured TTL.
func (c *Controller) LastStats(clusterID uint) (models.ClusterStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats, ok := c.stats[clusterID]
	if !ok {
		return models.ClusterStats{}, false
	}
	if c.config.StatsTTL > 0 && c.now().Sub(stats.ComputedAt) > c.config.StatsTTL {
		return models.ClusterStats{}, false
	}
	return stats, true
}
