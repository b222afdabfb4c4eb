package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeploymentStatus_CanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     DeploymentStatus
		to       DeploymentStatus
		expected bool
	}{
		{"pending to in progress", DeploymentStatusPending, DeploymentStatusInProgress, true},
		{"pending to failed", DeploymentStatusPending, DeploymentStatusFailed, true},
		{"in progress to completed", DeploymentStatusInProgress, DeploymentStatusCompleted, true},
		{"in progress to failed", DeploymentStatusInProgress, DeploymentStatusFailed, true},
		{"failed to rolled back", DeploymentStatusFailed, DeploymentStatusRolledBack, true},
		{"completed to rolled back", DeploymentStatusCompleted, DeploymentStatusRolledBack, false},
		{"completed to in progress", DeploymentStatusCompleted, DeploymentStatusInProgress, false},
		{"in progress to pending", DeploymentStatusInProgress, DeploymentStatusPending, false},
		{"rolled back to failed", DeploymentStatusRolledBack, DeploymentStatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.from.CanTransition(tt.to))
		})
	}
}

func TestDeployment_Progress(t *testing.T) {
	d := &Deployment{TotalSteps: 6, CompletedSteps: 3}
	assert.InDelta(t, 0.5, d.Progress(), 0.0001)

	empty := &Deployment{}
	assert.Equal(t, 0.0, empty.Progress())
}

func TestNode_IsStale(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-30 * time.Second)
	old := now.Add(-5 * time.Minute)

	tests := []struct {
		name     string
		last     *time.Time
		expected bool
	}{
		{"never checked", nil, true},
		{"checked recently", &recent, false},
		{"checked long ago", &old, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &Node{LastHealthCheck: tt.last}
			assert.Equal(t, tt.expected, n.IsStale(now, time.Minute))
		})
	}
}

func TestNode_Addresses(t *testing.T) {
	n := &Node{Name: "eu-1", Host: "10.0.0.5", Port: 27960}
	assert.Equal(t, "10.0.0.5:22", n.SSHAddress())
	assert.Equal(t, "10.0.0.5:27960", n.ServiceAddress(8080))
	assert.Equal(t, "fleet-eu-1", n.Unit())

	n.Port = 0
	n.SSHPort = 2222
	n.ServiceName = "game@eu-1"
	assert.Equal(t, "10.0.0.5:2222", n.SSHAddress())
	assert.Equal(t, "10.0.0.5:8080", n.ServiceAddress(8080))
	assert.Equal(t, "game@eu-1", n.Unit())
}

func TestHealthSample_StatusCandidate(t *testing.T) {
	assert.Equal(t, NodeStatusOnline, HealthSample{Reachable: true}.StatusCandidate())
	assert.Equal(t, NodeStatusOffline, HealthSample{Reachable: false}.StatusCandidate())
}

func TestCluster_Defaults(t *testing.T) {
	c := &Cluster{}
	c.ApplyDefaults()
	assert.Equal(t, DefaultMaxNodes, c.MaxNodes)
	assert.Equal(t, DefaultTargetCPUUtilization, c.TargetCPUUtilization)
	assert.Equal(t, 35.0, c.ScaleDownThreshold())
}

func TestPayload_IsEmpty(t *testing.T) {
	assert.True(t, Payload{}.IsEmpty())
	assert.True(t, Payload{Version: "1.2"}.IsEmpty())
	assert.False(t, Payload{Commands: []string{"true"}}.IsEmpty())
	assert.False(t, Payload{Artifact: &ArtifactRef{Bucket: "b", Object: "o"}}.IsEmpty())
}
