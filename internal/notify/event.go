// Package notify fans orchestration events out to fire-and-forget sinks.
package notify

import "time"

// EventType names what happened
type EventType string

const (
	EventDeploymentCompleted  EventType = "deployment.completed"
	EventDeploymentFailed     EventType = "deployment.failed"
	EventDeploymentRolledBack EventType = "deployment.rolled_back"
	EventClusterScaledUp      EventType = "cluster.scaled_up"
	EventClusterScaledDown    EventType = "cluster.scaled_down"
	EventNodeDiscovered       EventType = "node.discovered"
)

// Event is a structured notification. Exactly one of the subject ids is
// usually set.
type Event struct {
	ID           string            `json:"id" cbor:"1,keyasint"`
	Type         EventType         `json:"type" cbor:"2,keyasint"`
	ClusterID    *uint             `json:"cluster_id,omitempty" cbor:"3,keyasint,omitempty"`
	DeploymentID *uint             `json:"deployment_id,omitempty" cbor:"4,keyasint,omitempty"`
	NodeID       *uint             `json:"node_id,omitempty" cbor:"5,keyasint,omitempty"`
	Summary      string            `json:"summary" cbor:"6,keyasint"`
	Timestamp    time.Time         `json:"timestamp" cbor:"7,keyasint"`
	Attributes   map[string]string `json:"attributes,omitempty" cbor:"8,keyasint,omitempty"`
}

// Publisher accepts events without blocking the caller
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops everything
type Discard struct{}

// Publish drops e
func (Discard) Publish(Event) {}
