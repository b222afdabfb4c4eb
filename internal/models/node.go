package models

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// Node is one managed server instance reachable over a remote command channel.
type Node struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	Name      string         `json:"name" gorm:"uniqueIndex;not null"`
	Status    NodeStatus     `json:"status" gorm:"default:'offline';index"`
	Role      NodeRole       `json:"role" gorm:"default:'member'"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`

	// Connection endpoint. Port is the managed service port used for
	// reachability checks, SSHPort the remote command channel.
	Host           string `json:"host" gorm:"not null"`
	Port           int    `json:"port"`
	SSHPort        int    `json:"ssh_port" gorm:"default:22"`
	SSHUser        string `json:"ssh_user"`
	CredentialsRef string `json:"credentials_ref"`
	ServiceName    string `json:"service_name"`

	// Declared capacity
	CPUCores int     `json:"cpu_cores"`
	MemoryGB float64 `json:"memory_gb"`
	DiskGB   float64 `json:"disk_gb"`

	// Scaling preference. Lower priority values are started first.
	Priority int `json:"priority"`
	Weight   int `json:"weight"`

	// Last observed health, mirrored from the most recent sample
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	ResponseTimeMs  float64    `json:"response_time_ms"`
	CPUPercent      float64    `json:"cpu_percent"`
	MemoryPercent   float64    `json:"memory_percent"`
	UptimeSeconds   float64    `json:"uptime_seconds"`
	ActiveLoad      int        `json:"active_load"`

	ClusterID *uint    `json:"cluster_id,omitempty" gorm:"index"`
	Cluster   *Cluster `json:"cluster,omitempty" gorm:"foreignKey:ClusterID"`
}

// NodeStatus defines the lifecycle states of a node
type NodeStatus string

const (
	NodeStatusOffline     NodeStatus = "offline"
	NodeStatusStarting    NodeStatus = "starting"
	NodeStatusOnline      NodeStatus = "online"
	NodeStatusStopping    NodeStatus = "stopping"
	NodeStatusError       NodeStatus = "error"
	NodeStatusMaintenance NodeStatus = "maintenance"
)

// Valid reports whether s is a known status.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusOffline, NodeStatusStarting, NodeStatusOnline,
		NodeStatusStopping, NodeStatusError, NodeStatusMaintenance:
		return true
	}
	return false
}

// NodeRole defines the role of a node in its cluster
type NodeRole string

const (
	NodeRolePrimary NodeRole = "primary"
	NodeRoleBackup  NodeRole = "backup"
	NodeRoleMember  NodeRole = "member"
)

// Valid reports whether r is a known role.
func (r NodeRole) Valid() bool {
	return r == NodeRolePrimary || r == NodeRoleBackup || r == NodeRoleMember
}

const (
	DefaultSSHPort  = 22
	DefaultPriority = 100
	DefaultWeight   = 100
)

// IsOnline returns true if the node is serving
func (n *Node) IsOnline() bool {
	return n.Status == NodeStatusOnline
}

// IsStale reports whether an online node's last health check is older than window.
func (n *Node) IsStale(now time.Time, window time.Duration) bool {
	if n.LastHealthCheck == nil {
		return true
	}
	return now.Sub(*n.LastHealthCheck) > window
}

// SSHAddress returns host:port of the remote command channel
func (n *Node) SSHAddress() string {
	port := n.SSHPort
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(n.Host, strconv.Itoa(port))
}

// ServiceAddress returns host:port of the managed service
func (n *Node) ServiceAddress(defaultPort int) string {
	port := n.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(n.Host, strconv.Itoa(port))
}

// Unit returns the remote service unit name used by lifecycle commands.
func (n *Node) Unit() string {
	if n.ServiceName != "" {
		return n.ServiceName
	}
	return fmt.Sprintf("fleet-%s", n.Name)
}

// TableName returns the table name for the Node model
func (Node) TableName() string {
	return "nodes"
}
