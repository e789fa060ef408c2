package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nodewatch/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQLStore persists monitoring state in a relational database via gorm.
// Params: gorm handle and injected now function.
// Returns: gateway implementation backed by sqlite or mysql.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// nodeRecipientRow binds one alert email address to a node.
type nodeRecipientRow struct {
	ID     int64  `gorm:"column:id;primaryKey"`
	NodeID int64  `gorm:"column:node_id;index"`
	Email  string `gorm:"column:email"`
}

func (nodeRecipientRow) TableName() string { return "node_recipients" }

// nodeChannelRow binds one channel to a node.
type nodeChannelRow struct {
	ID        int64 `gorm:"column:id;primaryKey"`
	NodeID    int64 `gorm:"column:node_id;index"`
	ChannelID int64 `gorm:"column:channel_id"`
}

func (nodeChannelRow) TableName() string { return "node_channels" }

// agentAlertRow is one per-node per-metric latch row.
type agentAlertRow struct {
	ID          int64      `gorm:"column:id;primaryKey"`
	NodeID      int64      `gorm:"column:node_id;uniqueIndex:idx_agent_node_metric"`
	Metric      string     `gorm:"column:metric;uniqueIndex:idx_agent_node_metric"`
	Active      bool       `gorm:"column:active"`
	LastAlertAt *time.Time `gorm:"column:last_alert_at"`
}

func (agentAlertRow) TableName() string { return "agent_alert_states" }

// reportRecipientRow is one weekly report email address.
type reportRecipientRow struct {
	ID    int64  `gorm:"column:id;primaryKey"`
	Email string `gorm:"column:email"`
}

func (reportRecipientRow) TableName() string { return "report_recipients" }

// reportRunRow marks the last completed run for one report kind.
type reportRunRow struct {
	ID    int64     `gorm:"column:id;primaryKey"`
	Kind  string    `gorm:"column:kind;uniqueIndex"`
	Token string    `gorm:"column:token"`
	RanAt time.Time `gorm:"column:ran_at"`
}

func (reportRunRow) TableName() string { return "report_runs" }

// OpenSQLite opens or creates a sqlite-backed store.
// Params: database file path (":memory:" for tests) and now function.
// Returns: migrated store or open error.
func OpenSQLite(path string, now func() time.Time) (*SQLStore, error) {
	return newSQLStore(sqlite.Open(path), now)
}

// OpenMySQL connects to a mysql-backed store.
// Params: DSN and now function.
// Returns: migrated store or connect error.
func OpenMySQL(dsn string, now func() time.Time) (*SQLStore, error) {
	return newSQLStore(mysql.Open(dsn), now)
}

// newSQLStore opens one gorm handle and migrates the schema.
// Params: driver dialector and now function.
// Returns: ready store or setup error.
func newSQLStore(dialector gorm.Dialector, now func() time.Time) (*SQLStore, error) {
	if now == nil {
		now = time.Now
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&domain.NodeConfig{},
		&domain.Channel{},
		&domain.CheckResult{},
		&domain.Incident{},
		&domain.Silence{},
		&domain.EscalationPolicy{},
		&domain.EscalationLevel{},
		&domain.AlertEvent{},
		&domain.NotificationRecord{},
		&nodeRecipientRow{},
		&nodeChannelRow{},
		&agentAlertRow{},
		&reportRecipientRow{},
		&reportRunRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQLStore{db: db, now: now}, nil
}

// DB exposes the underlying gorm handle for seeding and tests.
// Params: none.
// Returns: gorm database handle.
func (s *SQLStore) DB() *gorm.DB {
	return s.db
}

// GetActiveNodeConfigs lists enabled node configs sorted by id.
func (s *SQLStore) GetActiveNodeConfigs(ctx context.Context) ([]domain.NodeConfig, error) {
	var nodes []domain.NodeConfig
	err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&nodes).Error
	if err != nil {
		return nil, fmt.Errorf("load active nodes: %w", err)
	}
	return nodes, nil
}

// GetNodeConfig returns one node config by id.
func (s *SQLStore) GetNodeConfig(ctx context.Context, nodeID int64) (domain.NodeConfig, error) {
	var node domain.NodeConfig
	err := s.db.WithContext(ctx).First(&node, nodeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.NodeConfig{}, ErrNotFound
	}
	if err != nil {
		return domain.NodeConfig{}, fmt.Errorf("load node %d: %w", nodeID, err)
	}
	return node, nil
}

// RecordCheck applies the incident transition table in one transaction.
// Params: node id, probe outcome, optional latency, and error text.
// Returns: transition facts or ErrNotFound for an unknown node.
func (s *SQLStore) RecordCheck(ctx context.Context, nodeID int64, status domain.CheckStatus, latencyMS *int64, probeErr string) (CheckTransition, error) {
	var transition CheckTransition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		nodeQuery := tx
		// sqlite serializes writers on its own; row locks only exist on mysql.
		if tx.Dialector.Name() == "mysql" {
			nodeQuery = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var node domain.NodeConfig
		if err := nodeQuery.First(&node, nodeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("lock node %d: %w", nodeID, err)
		}

		previous := node.LastStatus
		if previous == "" {
			previous = domain.CheckStatusUnknown
		}
		now := s.now()

		check := domain.CheckResult{
			NodeID:    nodeID,
			Status:    status,
			LatencyMS: latencyMS,
			Error:     probeErr,
			CheckedAt: now,
		}
		if err := tx.Create(&check).Error; err != nil {
			return fmt.Errorf("append check: %w", err)
		}
		transition = CheckTransition{PreviousStatus: previous, CheckID: check.ID}

		switch {
		case status == domain.CheckStatusFailure && previous != domain.CheckStatusFailure:
			incident := domain.Incident{
				NodeID:       nodeID,
				StartAt:      now,
				FirstCheckID: check.ID,
				LastCheckID:  check.ID,
			}
			if err := tx.Create(&incident).Error; err != nil {
				return fmt.Errorf("open incident: %w", err)
			}
			transition.IncidentID = &incident.ID
			startAt := incident.StartAt
			transition.IncidentStartedAt = &startAt

		case status == domain.CheckStatusFailure && previous == domain.CheckStatusFailure:
			var incident domain.Incident
			err := tx.Where("node_id = ? AND end_at IS NULL", nodeID).First(&incident).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("find open incident: %w", err)
			}
			if err == nil {
				incident.LastCheckID = check.ID
				if err := tx.Model(&domain.Incident{}).Where("id = ?", incident.ID).
					Update("last_check_id", check.ID).Error; err != nil {
					return fmt.Errorf("extend incident: %w", err)
				}
				transition.IncidentID = &incident.ID
				startAt := incident.StartAt
				transition.IncidentStartedAt = &startAt
			}

		case status == domain.CheckStatusSuccess && previous == domain.CheckStatusFailure:
			var incident domain.Incident
			err := tx.Where("node_id = ? AND end_at IS NULL", nodeID).First(&incident).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("find open incident: %w", err)
			}
			if err == nil {
				if err := tx.Model(&domain.Incident{}).Where("id = ?", incident.ID).
					Updates(map[string]any{"end_at": now, "last_check_id": check.ID}).Error; err != nil {
					return fmt.Errorf("close incident: %w", err)
				}
				transition.IncidentID = &incident.ID
				startAt := incident.StartAt
				transition.IncidentStartedAt = &startAt
			}
		}

		updates := map[string]any{
			"last_status":   status,
			"last_check_at": now,
		}
		if previous != status {
			updates["last_change_at"] = now
		}
		if err := tx.Model(&domain.NodeConfig{}).Where("id = ?", nodeID).Updates(updates).Error; err != nil {
			return fmt.Errorf("refresh node status: %w", err)
		}
		return nil
	})
	if err != nil {
		return CheckTransition{}, err
	}
	return transition, nil
}

// IsNodeSilenced reports whether any active silence covers the node.
// Params: node identity and classification attributes.
// Returns: true when one enabled in-window silence matches.
func (s *SQLStore) IsNodeSilenced(ctx context.Context, nodeID int64, area, group, criticality string, tags []string) (bool, error) {
	now := s.now()
	var silences []domain.Silence
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND start_at <= ? AND (end_at IS NULL OR end_at > ?)", true, now, now).
		Find(&silences).Error
	if err != nil {
		return false, fmt.Errorf("load silences: %w", err)
	}
	for _, silence := range silences {
		if silence.Matches(nodeID, area, group, criticality, tags) {
			return true, nil
		}
	}
	return false, nil
}

// GetRecipientsForNode returns the node's email recipient list.
func (s *SQLStore) GetRecipientsForNode(ctx context.Context, nodeID int64) ([]string, error) {
	var rows []nodeRecipientRow
	err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Email)
	}
	return out, nil
}

// GetChannelsForNode returns the node's bound channels.
func (s *SQLStore) GetChannelsForNode(ctx context.Context, nodeID int64) ([]domain.Channel, error) {
	var channels []domain.Channel
	err := s.db.WithContext(ctx).
		Joins("JOIN node_channels ON node_channels.channel_id = channels.id").
		Where("node_channels.node_id = ?", nodeID).
		Order("channels.id").
		Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	return channels, nil
}

// GetEscalationPolicy resolves one policy with default fallback.
// Params: nullable policy reference from node config.
// Returns: referenced policy, the synthesized default when the table is
// empty, or ErrNotFound.
func (s *SQLStore) GetEscalationPolicy(ctx context.Context, policyID *int64) (domain.EscalationPolicy, error) {
	if policyID != nil {
		var policy domain.EscalationPolicy
		err := s.db.WithContext(ctx).Preload("Levels").First(&policy, *policyID).Error
		if err == nil {
			return policy, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.EscalationPolicy{}, fmt.Errorf("load policy %d: %w", *policyID, err)
		}
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.EscalationPolicy{}).Count(&count).Error; err != nil {
		return domain.EscalationPolicy{}, fmt.Errorf("count policies: %w", err)
	}
	if count == 0 {
		return domain.DefaultEscalationPolicy(), nil
	}
	return domain.EscalationPolicy{}, ErrNotFound
}

// HasAlertEvent reports whether one lifecycle dedup row exists.
func (s *SQLStore) HasAlertEvent(ctx context.Context, incidentID int64, alertType domain.AlertType, level int, channelID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.AlertEvent{}).
		Where("incident_id = ? AND type = ? AND level = ? AND channel_id = ?", incidentID, alertType, level, channelID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check alert event: %w", err)
	}
	return count > 0, nil
}

// HasRecentAlertEvent reports whether a matching event exists inside window.
func (s *SQLStore) HasRecentAlertEvent(ctx context.Context, nodeID int64, alertType domain.AlertType, level int, channelID int64, window time.Duration) (bool, error) {
	cutoff := s.now().Add(-window)
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.AlertEvent{}).
		Where("node_id = ? AND type = ? AND level = ? AND channel_id = ? AND sent_at > ?",
			nodeID, alertType, level, channelID, cutoff).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check recent alert event: %w", err)
	}
	return count > 0, nil
}

// RecordAlertEvent appends one dedup row.
func (s *SQLStore) RecordAlertEvent(ctx context.Context, event domain.AlertEvent) error {
	if event.SentAt.IsZero() {
		event.SentAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return fmt.Errorf("record alert event: %w", err)
	}
	return nil
}

// RecordNotification appends one notification history row.
func (s *SQLStore) RecordNotification(ctx context.Context, record domain.NotificationRecord) error {
	if record.SentAt.IsZero() {
		record.SentAt = s.now()
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

// GetAgentAlertState returns the metric latch snapshot for one node.
func (s *SQLStore) GetAgentAlertState(ctx context.Context, nodeID int64) (domain.AgentAlertState, error) {
	var rows []agentAlertRow
	err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).Find(&rows).Error
	if err != nil {
		return domain.AgentAlertState{}, fmt.Errorf("load agent state: %w", err)
	}
	var state domain.AgentAlertState
	for _, row := range rows {
		entry := domain.MetricAlertState{Active: row.Active, LastAlertAt: row.LastAlertAt}
		switch domain.MetricKind(row.Metric) {
		case domain.MetricCPU:
			state.CPU = entry
		case domain.MetricMem:
			state.Mem = entry
		case domain.MetricDisk:
			state.Disk = entry
		}
	}
	return state, nil
}

// SetAgentMetricAlertState upserts one metric latch row.
func (s *SQLStore) SetAgentMetricAlertState(ctx context.Context, nodeID int64, metric domain.MetricKind, active bool, lastAlertAt *time.Time) error {
	row := agentAlertRow{
		NodeID:      nodeID,
		Metric:      string(metric),
		Active:      active,
		LastAlertAt: lastAlertAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}, {Name: "metric"}},
		DoUpdates: clause.AssignmentColumns([]string{"active", "last_alert_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("set agent state: %w", err)
	}
	return nil
}

// CleanupOldRows prunes aged checks, notifications, and closed incidents.
// Params: retention window in days.
// Returns: first delete error.
func (s *SQLStore) CleanupOldRows(ctx context.Context, retentionDays int) error {
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	db := s.db.WithContext(ctx)
	if err := db.Where("checked_at < ?", cutoff).Delete(&domain.CheckResult{}).Error; err != nil {
		return fmt.Errorf("prune checks: %w", err)
	}
	if err := db.Where("sent_at < ?", cutoff).Delete(&domain.NotificationRecord{}).Error; err != nil {
		return fmt.Errorf("prune notifications: %w", err)
	}
	if err := db.Where("end_at IS NOT NULL AND end_at < ?", cutoff).Delete(&domain.Incident{}).Error; err != nil {
		return fmt.Errorf("prune incidents: %w", err)
	}
	return nil
}

// ListReportRecipients returns the configured weekly report recipients.
func (s *SQLStore) ListReportRecipients(ctx context.Context) ([]string, error) {
	var rows []reportRecipientRow
	err := s.db.WithContext(ctx).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load report recipients: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Email)
	}
	return out, nil
}

// GetLastReportRun returns the last recorded run token for a report kind.
func (s *SQLStore) GetLastReportRun(ctx context.Context, kind string) (string, error) {
	var row reportRunRow
	err := s.db.WithContext(ctx).Where("kind = ?", kind).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load report run: %w", err)
	}
	return row.Token, nil
}

// RecordReportRun upserts the run token for a report kind.
func (s *SQLStore) RecordReportRun(ctx context.Context, kind, token string) error {
	row := reportRunRow{Kind: kind, Token: token, RanAt: s.now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "ran_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record report run: %w", err)
	}
	return nil
}

// CountIncidentsSince counts incidents started after a point in time.
func (s *SQLStore) CountIncidentsSince(ctx context.Context, nodeID int64, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.Incident{}).
		Where("node_id = ? AND start_at > ?", nodeID, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count incidents: %w", err)
	}
	return count, nil
}

// CountChecksSince counts total and failed checks after a point in time.
func (s *SQLStore) CountChecksSince(ctx context.Context, nodeID int64, since time.Time) (int64, int64, error) {
	var total, failed int64
	db := s.db.WithContext(ctx).Model(&domain.CheckResult{})
	if err := db.Where("node_id = ? AND checked_at > ?", nodeID, since).Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("count checks: %w", err)
	}
	err := s.db.WithContext(ctx).Model(&domain.CheckResult{}).
		Where("node_id = ? AND checked_at > ? AND status = ?", nodeID, since, domain.CheckStatusFailure).
		Count(&failed).Error
	if err != nil {
		return 0, 0, fmt.Errorf("count failed checks: %w", err)
	}
	return total, failed, nil
}

// Close closes the underlying database connection.
// Params: none.
// Returns: close error from the SQL pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
