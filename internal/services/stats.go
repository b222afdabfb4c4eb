package services

import (
	"time"

	"github.com/dsyorkd/fleet-controller/internal/models"
)

// ComputeStats aggregates the reachable samples of a cluster's nodes.
// Averages are 0 when no node is reachable.
func ComputeStats(clusterID uint, nodes []models.Node, samples map[uint]models.HealthSample, now time.Time) models.ClusterStats {
	stats := models.ClusterStats{
		ClusterID:  clusterID,
		TotalNodes: len(nodes),
		ComputedAt: now,
	}

	var cpu, mem, rt float64
	for _, n := range nodes {
		s, ok := samples[n.ID]
		if !ok || !s.Reachable {
			continue
		}
		stats.OnlineNodes++
		cpu += s.CPUPercent
		mem += s.MemoryPercent
		rt += s.ResponseTimeMs
		stats.TotalObservedLoad += n.ActiveLoad
	}

	if stats.OnlineNodes > 0 {
		count := float64(stats.OnlineNodes)
		stats.AvgCPU = cpu / count
		stats.AvgMemory = mem / count
		stats.AvgResponseTimeMs = rt / count
	}
	return stats
}

// storedSamples rebuilds samples from the measurements mirrored on nodes.
// Samples older than window are left out until the node is checked again.
func storedSamples(nodes []models.Node, now time.Time, window time.Duration) map[uint]models.HealthSample {
	samples := make(map[uint]models.HealthSample, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.IsStale(now, window) {
			continue
		}
		samples[n.ID] = models.HealthSample{
			NodeID:         n.ID,
			Reachable:      n.ResponseTimeMs < models.UnreachableResponseTimeMs,
			ResponseTimeMs: n.ResponseTimeMs,
			CPUPercent:     n.CPUPercent,
			MemoryPercent:  n.MemoryPercent,
			UptimeSeconds:  n.UptimeSeconds,
			ObservedAt:     *n.LastHealthCheck,
		}
	}
	return samples
}
