package models

import "time"

// UnreachableResponseTimeMs is reported for nodes that could not be reached.
// It is a large finite number so comparisons and averages stay well defined.
const UnreachableResponseTimeMs = 999999

// HealthSample is a point-in-time measurement of one node.
type HealthSample struct {
	NodeID         uint      `json:"node_id"`
	Reachable      bool      `json:"reachable"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
	ObservedAt     time.Time `json:"observed_at"`
}

// StatusCandidate is the status the sample suggests. The registry decides
// whether to apply it.
func (s HealthSample) StatusCandidate() NodeStatus {
	if s.Reachable {
		return NodeStatusOnline
	}
	return NodeStatusOffline
}

// ClusterStats is derived from the current online nodes' samples.
type ClusterStats struct {
	ClusterID         uint      `json:"cluster_id"`
	TotalNodes        int       `json:"total_nodes"`
	OnlineNodes       int       `json:"online_nodes"`
	AvgCPU            float64   `json:"avg_cpu"`
	AvgMemory         float64   `json:"avg_memory"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	TotalObservedLoad int       `json:"total_observed_load"`
	ComputedAt        time.Time `json:"computed_at"`
}
