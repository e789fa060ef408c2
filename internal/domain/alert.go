package domain

import "time"

// AlertType identifies one notification kind for dedup keys.
// Params: lifecycle and metric alert type constants.
// Returns: dedup/selection key used by alert event rows.
type AlertType string

const (
	// AlertLost marks a node that just became unreachable.
	AlertLost AlertType = "lost"
	// AlertRestored marks a node that just recovered.
	AlertRestored AlertType = "restored"
	// AlertEscalation marks a delay-gated escalation tier dispatch.
	AlertEscalation AlertType = "escalation"
)

// MetricKind identifies one agent-reported resource metric.
// Params: cpu/mem/disk constants.
// Returns: metric key for thresholds and latch state.
type MetricKind string

const (
	// MetricCPU is agent CPU usage percent.
	MetricCPU MetricKind = "cpu"
	// MetricMem is agent memory usage percent.
	MetricMem MetricKind = "mem"
	// MetricDisk is agent disk usage percent.
	MetricDisk MetricKind = "disk"
)

// MetricStatus is the direction of one metric alert.
// Params: high/recovered constants.
// Returns: status half of the metric dedup key.
type MetricStatus string

const (
	// MetricHigh marks a threshold crossing upward.
	MetricHigh MetricStatus = "high"
	// MetricRecovered marks a drop back below the threshold.
	MetricRecovered MetricStatus = "recovered"
)

// MetricAlertType builds the alert type key for one metric transition.
// Params: metric kind and status direction.
// Returns: combined type such as "cpu_high".
func MetricAlertType(metric MetricKind, status MetricStatus) AlertType {
	return AlertType(string(metric) + "_" + string(status))
}

// AlertEvent records that one specific notification was actually sent.
// Params: incident or node scope, type, escalation level, and channel id.
// Returns: at-most-once dedup row; channel id 0 denotes the email path.
type AlertEvent struct {
	ID         int64     `gorm:"column:id;primaryKey"`
	IncidentID *int64    `gorm:"column:incident_id;index"`
	NodeID     int64     `gorm:"column:node_id;index"`
	Type       AlertType `gorm:"column:type"`
	Level      int       `gorm:"column:level"`
	ChannelID  int64     `gorm:"column:channel_id"`
	SentAt     time.Time `gorm:"column:sent_at"`
}

// TableName maps AlertEvent onto the alert_events table.
// Params: none.
// Returns: table name.
func (AlertEvent) TableName() string {
	return "alert_events"
}

// NotificationRecord is one persisted outbound notification summary.
// Params: node, type, recipients, and rendered subject.
// Returns: notification history row pruned by retention.
type NotificationRecord struct {
	ID         int64     `gorm:"column:id;primaryKey"`
	NodeID     int64     `gorm:"column:node_id;index"`
	Type       AlertType `gorm:"column:type"`
	Recipients []string  `gorm:"column:recipients;serializer:json"`
	Subject    string    `gorm:"column:subject"`
	SentAt     time.Time `gorm:"column:sent_at;index"`
}

// TableName maps NotificationRecord onto the notifications table.
// Params: none.
// Returns: table name.
func (NotificationRecord) TableName() string {
	return "notifications"
}

// MetricAlertState is the per-metric latch half of agent alert state.
// Params: sticky alerting flag and last alert timestamp.
// Returns: hysteresis/cooldown state for one node+metric.
type MetricAlertState struct {
	Active      bool
	LastAlertAt *time.Time
}

// AgentAlertState groups metric latches for one node.
// Params: cpu/mem/disk latch entries.
// Returns: snapshot read by the metric alert path.
type AgentAlertState struct {
	CPU  MetricAlertState
	Mem  MetricAlertState
	Disk MetricAlertState
}

// ByKind returns the latch entry for one metric kind.
// Params: metric kind selector.
// Returns: latch state copy for the metric.
func (s AgentAlertState) ByKind(metric MetricKind) MetricAlertState {
	switch metric {
	case MetricCPU:
		return s.CPU
	case MetricMem:
		return s.Mem
	case MetricDisk:
		return s.Disk
	default:
		return MetricAlertState{}
	}
}

// Notification contains one outbound channel/email payload.
// Params: node identity, alert type context, and rendered message.
// Returns: delivery request for the notify layer.
type Notification struct {
	Type      AlertType  `json:"type"`
	NodeID    int64      `json:"node_id"`
	NodeName  string     `json:"node_name"`
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	Message   string     `json:"message"`
	Error     string     `json:"error,omitempty"`
	Level     int        `json:"level,omitempty"`
	Metric    MetricKind `json:"metric,omitempty"`
	Value     float64    `json:"value,omitempty"`
	Threshold float64    `json:"threshold,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
