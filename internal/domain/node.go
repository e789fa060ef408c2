package domain

import "time"

// CheckStatus is the recorded outcome class of one probe.
// Params: success/failure/unknown status constants.
// Returns: status used by incident transition logic.
type CheckStatus string

const (
	// CheckStatusUnknown marks a node that was never probed.
	CheckStatusUnknown CheckStatus = "unknown"
	// CheckStatusSuccess marks a reachable node.
	CheckStatusSuccess CheckStatus = "success"
	// CheckStatusFailure marks an unreachable node.
	CheckStatusFailure CheckStatus = "failure"
)

// NodeConfig describes one monitored endpoint and its alert settings.
// Params: identity, address, timing, classification, and threshold fields.
// Returns: config snapshot consumed by scheduler and runner.
type NodeConfig struct {
	ID               int64    `toml:"id" gorm:"column:id;primaryKey"`
	Name             string   `toml:"name" gorm:"column:name;uniqueIndex"`
	Host             string   `toml:"host" gorm:"column:host"`
	Port             int      `toml:"port" gorm:"column:port"`
	TLSEnabled       bool     `toml:"tls_enabled" gorm:"column:tls_enabled"`
	CheckIntervalSec int      `toml:"check_interval_sec" gorm:"column:check_interval_sec"`
	RetryIntervalSec int      `toml:"retry_interval_sec" gorm:"column:retry_interval_sec"`
	TimeoutMS        int      `toml:"timeout_ms" gorm:"column:timeout_ms"`
	Enabled          bool     `toml:"enabled" gorm:"column:enabled"`
	Area             string   `toml:"area" gorm:"column:area"`
	Group            string   `toml:"group" gorm:"column:node_group"`
	Criticality      string   `toml:"criticality" gorm:"column:criticality"`
	Tags             []string `toml:"tags" gorm:"column:tags;serializer:json"`

	CPUHighPct       float64 `toml:"cpu_high_pct" gorm:"column:cpu_high_pct"`
	MemHighPct       float64 `toml:"mem_high_pct" gorm:"column:mem_high_pct"`
	DiskHighPct      float64 `toml:"disk_high_pct" gorm:"column:disk_high_pct"`
	AlertCooldownMin int     `toml:"alert_cooldown_min" gorm:"column:alert_cooldown_min"`

	EscalationPolicyID *int64 `toml:"escalation_policy_id" gorm:"column:escalation_policy_id"`
	AgentEnabled       bool   `toml:"agent_enabled" gorm:"column:agent_enabled"`

	// Cached probe state maintained by the persistence gateway.
	LastStatus   CheckStatus `toml:"-" gorm:"column:last_status"`
	LastCheckAt  *time.Time  `toml:"-" gorm:"column:last_check_at"`
	LastChangeAt *time.Time  `toml:"-" gorm:"column:last_change_at"`
}

// TableName maps NodeConfig onto the nodes table.
// Params: none.
// Returns: table name.
func (NodeConfig) TableName() string {
	return "nodes"
}

// CheckInterval converts configured healthy cadence into duration.
// Params: none.
// Returns: probe interval for a healthy node.
func (n NodeConfig) CheckInterval() time.Duration {
	return time.Duration(n.CheckIntervalSec) * time.Second
}

// RetryInterval converts configured retry cadence into duration.
// Params: none.
// Returns: probe interval for a failing node.
func (n NodeConfig) RetryInterval() time.Duration {
	return time.Duration(n.RetryIntervalSec) * time.Second
}

// Timeout converts configured probe timeout into duration.
// Params: none.
// Returns: per-probe dial deadline.
func (n NodeConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutMS) * time.Millisecond
}

// Cooldown converts metric alert cooldown into duration.
// Params: none.
// Returns: minimum gap between repeated high alerts.
func (n NodeConfig) Cooldown() time.Duration {
	return time.Duration(n.AlertCooldownMin) * time.Minute
}

// Channel is one webhook-shaped notification destination bound to a node.
// Params: delivery endpoint settings validated at write time.
// Returns: channel config for dispatcher sends.
type Channel struct {
	ID           int64             `gorm:"column:id;primaryKey"`
	Name         string            `gorm:"column:name"`
	Enabled      bool              `gorm:"column:enabled"`
	URL          string            `gorm:"column:url"`
	Method       string            `gorm:"column:method"`
	Headers      map[string]string `gorm:"column:headers;serializer:json"`
	BodyTemplate string            `gorm:"column:body_template"`
}

// TableName maps Channel onto the channels table.
// Params: none.
// Returns: table name.
func (Channel) TableName() string {
	return "channels"
}

// CheckResult is one appended probe outcome row.
// Params: status with optional latency/error and timestamp.
// Returns: append-only check history entry.
type CheckResult struct {
	ID        int64       `gorm:"column:id;primaryKey"`
	NodeID    int64       `gorm:"column:node_id;index"`
	Status    CheckStatus `gorm:"column:status"`
	LatencyMS *int64      `gorm:"column:latency_ms"`
	Error     string      `gorm:"column:error"`
	CheckedAt time.Time   `gorm:"column:checked_at;index"`
}

// TableName maps CheckResult onto the checks table.
// Params: none.
// Returns: table name.
func (CheckResult) TableName() string {
	return "checks"
}
