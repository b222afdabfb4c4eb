package migrations

import (
	"time"

	"gorm.io/gorm"
)

// Table snapshots are frozen at the version each migration introduced, so
// later model changes never rewrite history.

type clusterV1 struct {
	ID                   uint   `gorm:"primarykey"`
	Name                 string `gorm:"size:191;uniqueIndex;not null"`
	Description          string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	DeletedAt            gorm.DeletedAt `gorm:"index"`
	Region               string
	Datacenter           string
	NetworkZone          string
	LoadBalancerEnabled  bool
	AutoFailoverEnabled  bool
	AutoScalingEnabled   bool
	MinNodes             int
	MaxNodes             int
	TargetCPUUtilization float64
}

func (clusterV1) TableName() string { return "clusters" }

type nodeV1 struct {
	ID              uint   `gorm:"primarykey"`
	Name            string `gorm:"size:191;uniqueIndex;not null"`
	Status          string `gorm:"size:32;default:'offline';index"`
	Role            string `gorm:"size:32;default:'member'"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       gorm.DeletedAt `gorm:"index"`
	Host            string         `gorm:"not null"`
	Port            int
	SSHPort         int `gorm:"default:22"`
	SSHUser         string
	CredentialsRef  string
	ServiceName     string
	CPUCores        int
	MemoryGB        float64
	DiskGB          float64
	Priority        int
	Weight          int
	LastHealthCheck *time.Time
	ResponseTimeMs  float64
	CPUPercent      float64
	MemoryPercent   float64
	UptimeSeconds   float64
	ActiveLoad      int
	ClusterID       *uint `gorm:"index"`
}

func (nodeV1) TableName() string { return "nodes" }

type loadBalancerRuleV1 struct {
	ID                     uint `gorm:"primarykey"`
	ClusterID              uint `gorm:"index;not null"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
	Algorithm              string `gorm:"size:32"`
	HealthCheckIntervalSec int
	TimeoutSec             int
	FailureThreshold       int
	MaxLoadDifference      int
	Enabled                bool
}

func (loadBalancerRuleV1) TableName() string { return "load_balancer_rules" }

type deploymentV1 struct {
	ID              uint  `gorm:"primarykey"`
	ClusterID       *uint `gorm:"index"`
	DeploymentType  string `gorm:"size:64;not null"`
	Version         string
	Status          string `gorm:"size:32;default:'pending';index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	TotalSteps      int
	CompletedSteps  int
	CurrentStep     string
	ScheduledAt     *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Success         *bool
	ErrorMessage    string `gorm:"type:text"`
	InitiatedBy     string
	Payload         string `gorm:"type:text"`
	RollbackPayload string `gorm:"type:text"`
	RollbackOf      *uint  `gorm:"index"`
}

func (deploymentV1) TableName() string { return "deployments" }

type deploymentTargetV1 struct {
	ID           uint `gorm:"primarykey"`
	DeploymentID uint `gorm:"index;not null"`
	NodeID       uint `gorm:"index;not null"`
	Ordinal      int
}

func (deploymentTargetV1) TableName() string { return "deployment_targets" }

type deploymentLogV1 struct {
	ID           uint `gorm:"primarykey"`
	DeploymentID uint `gorm:"index;not null"`
	NodeID       uint
	Step         string `gorm:"size:16"`
	OK           bool
	Message      string `gorm:"type:text"`
	CreatedAt    time.Time
}

func (deploymentLogV1) TableName() string { return "deployment_logs" }

// getAllMigrations returns all migration definitions in chronological order
func getAllMigrations() []MigrationDefinition {
	return []MigrationDefinition{
		{
			ID:          "20250601000001",
			Description: "Create clusters table",
			Up:          createTables(&clusterV1{}),
			Down:        dropTables("clusters"),
		},
		{
			ID:          "20250601000002",
			Description: "Create nodes table",
			Up:          createTables(&nodeV1{}),
			Down:        dropTables("nodes"),
		},
		{
			ID:          "20250601000003",
			Description: "Create load_balancer_rules table",
			Up:          createTables(&loadBalancerRuleV1{}),
			Down:        dropTables("load_balancer_rules"),
		},
		{
			ID:          "20250601000004",
			Description: "Create deployment tables",
			Up:          createTables(&deploymentV1{}, &deploymentTargetV1{}, &deploymentLogV1{}),
			Down:        dropTables("deployment_logs", "deployment_targets", "deployments"),
		},
		{
			ID:          "20250601000005",
			Description: "Add node membership index",
			Up:          addNodeMembershipIndex,
			Down:        dropNodeMembershipIndex,
		},
	}
}

func createTables(tables ...interface{}) MigrationFunc {
	return func(tx *gorm.DB) error {
		return tx.Migrator().CreateTable(tables...)
	}
}

func dropTables(names ...string) MigrationFunc {
	return func(tx *gorm.DB) error {
		for _, name := range names {
			if err := tx.Migrator().DropTable(name); err != nil {
				return err
			}
		}
		return nil
	}
}

const nodeMembershipIndex = "idx_nodes_cluster_status"

func addNodeMembershipIndex(tx *gorm.DB) error {
	return tx.Exec("CREATE INDEX " + nodeMembershipIndex + " ON nodes (cluster_id, status)").Error
}

func dropNodeMembershipIndex(tx *gorm.DB) error {
	return tx.Migrator().DropIndex("nodes", nodeMembershipIndex)
}
