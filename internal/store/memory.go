package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"nodewatch/internal/domain"
)

// MemoryStore keeps monitoring state in process memory for single-box mode.
// Params: mutex-guarded maps and injected now function.
// Returns: gateway implementation without external dependencies.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	nodes            map[int64]domain.NodeConfig
	recipients       map[int64][]string
	channels         map[int64][]domain.Channel
	silences         []domain.Silence
	policies         map[int64]domain.EscalationPolicy
	checks           []domain.CheckResult
	incidents        map[int64]domain.Incident
	openIncidents    map[int64]int64
	alertEvents      []domain.AlertEvent
	notifications    []domain.NotificationRecord
	agentState       map[int64]domain.AgentAlertState
	reportRecipients []string
	reportRuns       map[string]string

	nextCheckID    int64
	nextIncidentID int64
	nextEventID    int64
}

// NewMemoryStore creates an in-memory gateway.
// Params: now function (defaults to time.Now when nil).
// Returns: initialized empty store.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:           now,
		nodes:         make(map[int64]domain.NodeConfig),
		recipients:    make(map[int64][]string),
		channels:      make(map[int64][]domain.Channel),
		policies:      make(map[int64]domain.EscalationPolicy),
		incidents:     make(map[int64]domain.Incident),
		openIncidents: make(map[int64]int64),
		agentState:    make(map[int64]domain.AgentAlertState),
		reportRuns:    make(map[string]string),
	}
}

// PutNode inserts or replaces one node config.
// Params: node config with non-zero id.
// Returns: none (seed helper for composition and tests).
func (s *MemoryStore) PutNode(node domain.NodeConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node.LastStatus == "" {
		node.LastStatus = domain.CheckStatusUnknown
	}
	s.nodes[node.ID] = node
}

// RemoveNode deletes one node and its dependent rows.
// Params: node id.
// Returns: cascade applied to checks, incidents, and alert events.
func (s *MemoryStore) RemoveNode(nodeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeID)
	delete(s.recipients, nodeID)
	delete(s.channels, nodeID)
	delete(s.agentState, nodeID)
	delete(s.openIncidents, nodeID)
	checks := s.checks[:0]
	for _, check := range s.checks {
		if check.NodeID != nodeID {
			checks = append(checks, check)
		}
	}
	s.checks = checks
	for id, incident := range s.incidents {
		if incident.NodeID == nodeID {
			delete(s.incidents, id)
		}
	}
	events := s.alertEvents[:0]
	for _, event := range s.alertEvents {
		if event.NodeID != nodeID {
			events = append(events, event)
		}
	}
	s.alertEvents = events
}

// SetRecipients replaces the email recipient list for one node.
func (s *MemoryStore) SetRecipients(nodeID int64, emails []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[nodeID] = append([]string(nil), emails...)
}

// SetChannels replaces the channel list for one node.
func (s *MemoryStore) SetChannels(nodeID int64, channels []domain.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[nodeID] = append([]domain.Channel(nil), channels...)
}

// PutSilence appends one silence row.
func (s *MemoryStore) PutSilence(silence domain.Silence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silences = append(s.silences, silence)
}

// PutPolicy inserts or replaces one escalation policy.
func (s *MemoryStore) PutPolicy(policy domain.EscalationPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.ID] = policy
}

// SetReportRecipients replaces the weekly report recipient list.
func (s *MemoryStore) SetReportRecipients(emails []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportRecipients = append([]string(nil), emails...)
}

// GetActiveNodeConfigs lists enabled node configs sorted by id.
// Params: context (unused in memory mode).
// Returns: enabled node snapshot copies.
func (s *MemoryStore) GetActiveNodeConfigs(_ context.Context) ([]domain.NodeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.NodeConfig, 0, len(s.nodes))
	for _, node := range s.nodes {
		if node.Enabled {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetNodeConfig returns one node config by id.
// Params: node id.
// Returns: node snapshot or ErrNotFound.
func (s *MemoryStore) GetNodeConfig(_ context.Context, nodeID int64) (domain.NodeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return domain.NodeConfig{}, ErrNotFound
	}
	return node, nil
}

// RecordCheck applies the incident transition table under one lock.
// Params: node id, probe outcome, optional latency, and error text.
// Returns: transition facts or ErrNotFound for an unknown node.
func (s *MemoryStore) RecordCheck(_ context.Context, nodeID int64, status domain.CheckStatus, latencyMS *int64, probeErr string) (CheckTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return CheckTransition{}, ErrNotFound
	}
	previous := node.LastStatus
	if previous == "" {
		previous = domain.CheckStatusUnknown
	}
	now := s.now()

	s.nextCheckID++
	checkID := s.nextCheckID
	s.checks = append(s.checks, domain.CheckResult{
		ID:        checkID,
		NodeID:    nodeID,
		Status:    status,
		LatencyMS: latencyMS,
		Error:     probeErr,
		CheckedAt: now,
	})

	transition := CheckTransition{PreviousStatus: previous, CheckID: checkID}

	switch {
	case status == domain.CheckStatusFailure && previous != domain.CheckStatusFailure:
		s.nextIncidentID++
		incident := domain.Incident{
			ID:           s.nextIncidentID,
			NodeID:       nodeID,
			StartAt:      now,
			FirstCheckID: checkID,
			LastCheckID:  checkID,
		}
		s.incidents[incident.ID] = incident
		s.openIncidents[nodeID] = incident.ID
		transition.IncidentID = &incident.ID
		startAt := incident.StartAt
		transition.IncidentStartedAt = &startAt

	case status == domain.CheckStatusFailure && previous == domain.CheckStatusFailure:
		if incidentID, open := s.openIncidents[nodeID]; open {
			incident := s.incidents[incidentID]
			incident.LastCheckID = checkID
			s.incidents[incidentID] = incident
			id := incidentID
			transition.IncidentID = &id
			startAt := incident.StartAt
			transition.IncidentStartedAt = &startAt
		}

	case status == domain.CheckStatusSuccess && previous == domain.CheckStatusFailure:
		if incidentID, open := s.openIncidents[nodeID]; open {
			incident := s.incidents[incidentID]
			endAt := now
			incident.EndAt = &endAt
			incident.LastCheckID = checkID
			s.incidents[incidentID] = incident
			delete(s.openIncidents, nodeID)
			id := incidentID
			transition.IncidentID = &id
			startAt := incident.StartAt
			transition.IncidentStartedAt = &startAt
		}
	}

	node.LastStatus = status
	checkedAt := now
	node.LastCheckAt = &checkedAt
	if previous != status {
		changedAt := now
		node.LastChangeAt = &changedAt
	}
	s.nodes[nodeID] = node

	return transition, nil
}

// IsNodeSilenced reports whether any active silence covers the node.
// Params: node identity and classification attributes.
// Returns: true when one enabled in-window silence matches.
func (s *MemoryStore) IsNodeSilenced(_ context.Context, nodeID int64, area, group, criticality string, tags []string) (bool, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, silence := range s.silences {
		if !silence.Active(now) {
			continue
		}
		if silence.Matches(nodeID, area, group, criticality, tags) {
			return true, nil
		}
	}
	return false, nil
}

// GetRecipientsForNode returns the node's email recipient list.
func (s *MemoryStore) GetRecipientsForNode(_ context.Context, nodeID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.recipients[nodeID]...), nil
}

// GetChannelsForNode returns the node's channel list.
func (s *MemoryStore) GetChannelsForNode(_ context.Context, nodeID int64) ([]domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Channel(nil), s.channels[nodeID]...), nil
}

// GetEscalationPolicy resolves one policy with default fallback.
// Params: nullable policy reference from node config.
// Returns: referenced policy, or the synthesized default when absent.
func (s *MemoryStore) GetEscalationPolicy(_ context.Context, policyID *int64) (domain.EscalationPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if policyID != nil {
		if policy, ok := s.policies[*policyID]; ok {
			return policy, nil
		}
	}
	if len(s.policies) == 0 {
		return domain.DefaultEscalationPolicy(), nil
	}
	return domain.EscalationPolicy{}, ErrNotFound
}

// HasAlertEvent reports whether one lifecycle dedup row exists.
// Params: incident scope, alert type, level, and channel id.
// Returns: true when the exact notification was already sent.
func (s *MemoryStore) HasAlertEvent(_ context.Context, incidentID int64, alertType domain.AlertType, level int, channelID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, event := range s.alertEvents {
		if event.IncidentID != nil && *event.IncidentID == incidentID &&
			event.Type == alertType && event.Level == level && event.ChannelID == channelID {
			return true, nil
		}
	}
	return false, nil
}

// HasRecentAlertEvent reports whether a matching event exists inside window.
// Params: node scope, alert type, level, channel id, and lookback window.
// Returns: true when a matching event was sent within the window.
func (s *MemoryStore) HasRecentAlertEvent(_ context.Context, nodeID int64, alertType domain.AlertType, level int, channelID int64, window time.Duration) (bool, error) {
	cutoff := s.now().Add(-window)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, event := range s.alertEvents {
		if event.NodeID == nodeID && event.Type == alertType &&
			event.Level == level && event.ChannelID == channelID &&
			event.SentAt.After(cutoff) {
			return true, nil
		}
	}
	return false, nil
}

// RecordAlertEvent appends one dedup row.
// Params: alert event with scope/type/level/channel filled in.
// Returns: nil; SentAt defaults to now when zero.
func (s *MemoryStore) RecordAlertEvent(_ context.Context, event domain.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	event.ID = s.nextEventID
	if event.SentAt.IsZero() {
		event.SentAt = s.now()
	}
	s.alertEvents = append(s.alertEvents, event)
	return nil
}

// RecordNotification appends one notification history row.
func (s *MemoryStore) RecordNotification(_ context.Context, record domain.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.SentAt.IsZero() {
		record.SentAt = s.now()
	}
	s.notifications = append(s.notifications, record)
	return nil
}

// GetAgentAlertState returns the metric latch snapshot for one node.
func (s *MemoryStore) GetAgentAlertState(_ context.Context, nodeID int64) (domain.AgentAlertState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentState[nodeID], nil
}

// SetAgentMetricAlertState updates one metric latch for one node.
// Params: node id, metric kind, latch flag, and last alert timestamp.
// Returns: nil.
func (s *MemoryStore) SetAgentMetricAlertState(_ context.Context, nodeID int64, metric domain.MetricKind, active bool, lastAlertAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.agentState[nodeID]
	entry := domain.MetricAlertState{Active: active, LastAlertAt: lastAlertAt}
	switch metric {
	case domain.MetricCPU:
		current.CPU = entry
	case domain.MetricMem:
		current.Mem = entry
	case domain.MetricDisk:
		current.Disk = entry
	}
	s.agentState[nodeID] = current
	return nil
}

// CleanupOldRows prunes aged checks, notifications, and closed incidents.
// Params: retention window in days.
// Returns: nil.
func (s *MemoryStore) CleanupOldRows(_ context.Context, retentionDays int) error {
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	s.mu.Lock()
	defer s.mu.Unlock()

	checks := s.checks[:0]
	for _, check := range s.checks {
		if check.CheckedAt.After(cutoff) {
			checks = append(checks, check)
		}
	}
	s.checks = checks

	notifications := s.notifications[:0]
	for _, record := range s.notifications {
		if record.SentAt.After(cutoff) {
			notifications = append(notifications, record)
		}
	}
	s.notifications = notifications

	for id, incident := range s.incidents {
		if incident.EndAt != nil && incident.EndAt.Before(cutoff) {
			delete(s.incidents, id)
		}
	}
	return nil
}

// ListReportRecipients returns the configured weekly report recipients.
func (s *MemoryStore) ListReportRecipients(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.reportRecipients...), nil
}

// GetLastReportRun returns the last recorded run token for a report kind.
// Params: report kind key.
// Returns: token such as "2026-W31" or empty string when never run.
func (s *MemoryStore) GetLastReportRun(_ context.Context, kind string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reportRuns[kind], nil
}

// RecordReportRun stores the run token for a report kind.
func (s *MemoryStore) RecordReportRun(_ context.Context, kind, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportRuns[kind] = token
	return nil
}

// CountIncidentsSince counts incidents started after a point in time.
// Params: node id and window start.
// Returns: incident count for report assembly.
func (s *MemoryStore) CountIncidentsSince(_ context.Context, nodeID int64, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, incident := range s.incidents {
		if incident.NodeID == nodeID && incident.StartAt.After(since) {
			count++
		}
	}
	return count, nil
}

// CountChecksSince counts total and failed checks after a point in time.
// Params: node id and window start.
// Returns: total and failed check counts for uptime computation.
func (s *MemoryStore) CountChecksSince(_ context.Context, nodeID int64, since time.Time) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total, failed int64
	for _, check := range s.checks {
		if check.NodeID != nodeID || !check.CheckedAt.After(since) {
			continue
		}
		total++
		if check.Status == domain.CheckStatusFailure {
			failed++
		}
	}
	return total, failed, nil
}

// OpenIncidentCount returns the number of open incidents across all nodes.
// Params: none.
// Returns: open incident count (test/report helper).
func (s *MemoryStore) OpenIncidentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.openIncidents)
}

// Incident returns one incident row by id.
// Params: incident id.
// Returns: incident copy and existence flag (test helper).
func (s *MemoryStore) Incident(id int64) (domain.Incident, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	incident, ok := s.incidents[id]
	return incident, ok
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
