package store

import (
	"context"
	"errors"
	"time"

	"nodewatch/internal/domain"
)

var (
	// ErrNotFound indicates an absent node or related row.
	ErrNotFound = errors.New("not found")
)

// ReportKindWeekly is the report run key for the weekly summary job.
const ReportKindWeekly = "weekly"

// CheckTransition is the atomic result of recording one probe outcome.
// Params: previous cached status, appended check id, and touched incident.
// Returns: transition facts the runner needs for alerting decisions.
type CheckTransition struct {
	PreviousStatus    domain.CheckStatus
	CheckID           int64
	IncidentID        *int64
	IncidentStartedAt *time.Time
}

// Opened reports whether this transition opened a new incident.
// Params: none.
// Returns: true on a not-failure to failure transition.
func (t CheckTransition) Opened(status domain.CheckStatus) bool {
	return status == domain.CheckStatusFailure && t.PreviousStatus != domain.CheckStatusFailure
}

// Closed reports whether this transition closed an open incident.
// Params: none.
// Returns: true on a failure to success transition.
func (t CheckTransition) Closed(status domain.CheckStatus) bool {
	return status == domain.CheckStatusSuccess && t.PreviousStatus == domain.CheckStatusFailure
}

// Gateway is the persistence surface the monitoring core depends on.
// Params: atomic check recording, silence lookup, dedup rows, and jobs data.
// Returns: durable-state behavior behind one narrow interface.
type Gateway interface {
	GetActiveNodeConfigs(ctx context.Context) ([]domain.NodeConfig, error)
	GetNodeConfig(ctx context.Context, nodeID int64) (domain.NodeConfig, error)

	// RecordCheck appends one check row, applies the incident transition
	// table, and refreshes the node's cached status in one atomic step.
	RecordCheck(ctx context.Context, nodeID int64, status domain.CheckStatus, latencyMS *int64, probeErr string) (CheckTransition, error)

	IsNodeSilenced(ctx context.Context, nodeID int64, area, group, criticality string, tags []string) (bool, error)

	GetRecipientsForNode(ctx context.Context, nodeID int64) ([]string, error)
	GetChannelsForNode(ctx context.Context, nodeID int64) ([]domain.Channel, error)
	GetEscalationPolicy(ctx context.Context, policyID *int64) (domain.EscalationPolicy, error)

	HasAlertEvent(ctx context.Context, incidentID int64, alertType domain.AlertType, level int, channelID int64) (bool, error)
	HasRecentAlertEvent(ctx context.Context, nodeID int64, alertType domain.AlertType, level int, channelID int64, window time.Duration) (bool, error)
	RecordAlertEvent(ctx context.Context, event domain.AlertEvent) error
	RecordNotification(ctx context.Context, record domain.NotificationRecord) error

	GetAgentAlertState(ctx context.Context, nodeID int64) (domain.AgentAlertState, error)
	SetAgentMetricAlertState(ctx context.Context, nodeID int64, metric domain.MetricKind, active bool, lastAlertAt *time.Time) error

	CleanupOldRows(ctx context.Context, retentionDays int) error
	ListReportRecipients(ctx context.Context) ([]string, error)
	GetLastReportRun(ctx context.Context, kind string) (string, error)
	RecordReportRun(ctx context.Context, kind, token string) error
	CountIncidentsSince(ctx context.Context, nodeID int64, since time.Time) (int64, error)
	CountChecksSince(ctx context.Context, nodeID int64, since time.Time) (total, failed int64, err error)

	Close() error
}
