package store

import (
	"context"
	"testing"
	"time"

	"nodewatch/internal/domain"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func seedNode(s *MemoryStore, id int64) {
	s.PutNode(domain.NodeConfig{
		ID:      id,
		Name:    "edge",
		Host:    "10.0.0.1",
		Port:    443,
		Enabled: true,
		Area:    "eu-west",
		Group:   "edge",
	})
}

func TestRecordCheckOpensAndClosesIncident(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	current := base
	s := NewMemoryStore(func() time.Time { return current })
	seedNode(s, 1)
	ctx := context.Background()

	// First failure on an unknown node opens an incident.
	tr, err := s.RecordCheck(ctx, 1, domain.CheckStatusFailure, nil, "dial timeout")
	if err != nil {
		t.Fatalf("RecordCheck: %v", err)
	}
	if tr.PreviousStatus != domain.CheckStatusUnknown {
		t.Fatalf("previous = %q, want unknown", tr.PreviousStatus)
	}
	if !tr.Opened(domain.CheckStatusFailure) {
		t.Fatal("expected transition to open an incident")
	}
	if tr.IncidentID == nil || tr.IncidentStartedAt == nil {
		t.Fatal("expected incident id and start time on open")
	}
	openedID := *tr.IncidentID

	// Repeated failure extends the same incident, never opens a second one.
	current = base.Add(30 * time.Second)
	tr, err = s.RecordCheck(ctx, 1, domain.CheckStatusFailure, nil, "dial timeout")
	if err != nil {
		t.Fatalf("RecordCheck: %v", err)
	}
	if tr.Opened(domain.CheckStatusFailure) {
		t.Fatal("repeated failure must not open a new incident")
	}
	if tr.IncidentID == nil || *tr.IncidentID != openedID {
		t.Fatalf("incident id = %v, want %d", tr.IncidentID, openedID)
	}
	if got := s.OpenIncidentCount(); got != 1 {
		t.Fatalf("open incidents = %d, want 1", got)
	}

	// Recovery closes the incident and stamps EndAt.
	current = base.Add(90 * time.Second)
	tr, err = s.RecordCheck(ctx, 1, domain.CheckStatusSuccess, ptrInt64(12), "")
	if err != nil {
		t.Fatalf("RecordCheck: %v", err)
	}
	if !tr.Closed(domain.CheckStatusSuccess) {
		t.Fatal("expected recovery to close the incident")
	}
	incident, ok := s.Incident(openedID)
	if !ok {
		t.Fatal("incident row missing after close")
	}
	if incident.EndAt == nil || !incident.EndAt.Equal(current) {
		t.Fatalf("EndAt = %v, want %v", incident.EndAt, current)
	}
	if got := s.OpenIncidentCount(); got != 0 {
		t.Fatalf("open incidents = %d, want 0", got)
	}

	// Further successes are steady state.
	tr, err = s.RecordCheck(ctx, 1, domain.CheckStatusSuccess, ptrInt64(9), "")
	if err != nil {
		t.Fatalf("RecordCheck: %v", err)
	}
	if tr.IncidentID != nil {
		t.Fatal("success on healthy node must not touch incidents")
	}
}

func TestRecordCheckUpdatesNodeCache(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	current := base
	s := NewMemoryStore(func() time.Time { return current })
	seedNode(s, 7)
	ctx := context.Background()

	if _, err := s.RecordCheck(ctx, 7, domain.CheckStatusSuccess, ptrInt64(4), ""); err != nil {
		t.Fatalf("RecordCheck: %v", err)
	}
	node, err := s.GetNodeConfig(ctx, 7)
	if err != nil {
		t.Fatalf("GetNodeConfig: %v", err)
	}
	if node.LastStatus != domain.CheckStatusSuccess {
		t.Fatalf("LastStatus = %q, want success", node.LastStatus)
	}
	firstChange := node.LastChangeAt
	if firstChange == nil {
		t.Fatal("LastChangeAt not set on first transition")
	}

	// Same status again moves LastCheckAt but not LastChangeAt.
	current = base.Add(time.Minute)
	if _, err := s.RecordCheck(ctx, 7, domain.CheckStatusSuccess, ptrInt64(5), ""); err != nil {
		t.Fatalf("RecordCheck: %v", err)
	}
	node, _ = s.GetNodeConfig(ctx, 7)
	if node.LastCheckAt == nil || !node.LastCheckAt.Equal(current) {
		t.Fatalf("LastCheckAt = %v, want %v", node.LastCheckAt, current)
	}
	if !node.LastChangeAt.Equal(*firstChange) {
		t.Fatalf("LastChangeAt moved on steady state: %v", node.LastChangeAt)
	}
}

func TestRecordCheckUnknownNode(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	if _, err := s.RecordCheck(context.Background(), 99, domain.CheckStatusFailure, nil, "x"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestIsNodeSilenced(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(fixedClock(now))
	ctx := context.Background()

	nodeID := int64(3)
	end := now.Add(time.Hour)
	s.PutSilence(domain.Silence{ID: 1, Enabled: true, StartAt: now.Add(-time.Hour), EndAt: &end, NodeID: &nodeID})
	s.PutSilence(domain.Silence{ID: 2, Enabled: true, StartAt: now.Add(-time.Hour), EndAt: &end, Area: "eu-west"})
	s.PutSilence(domain.Silence{ID: 3, Enabled: false, StartAt: now.Add(-time.Hour), Group: "db"})
	s.PutSilence(domain.Silence{ID: 4, Enabled: true, StartAt: now.Add(time.Minute), Criticality: "high"})

	cases := []struct {
		name        string
		nodeID      int64
		area        string
		group       string
		criticality string
		want        bool
	}{
		{name: "by node id", nodeID: 3, want: true},
		{name: "by area", nodeID: 5, area: "eu-west", want: true},
		{name: "disabled silence ignored", nodeID: 5, group: "db", want: false},
		{name: "future silence ignored", nodeID: 5, criticality: "high", want: false},
		{name: "no scope match", nodeID: 5, area: "us-east", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.IsNodeSilenced(ctx, tc.nodeID, tc.area, tc.group, tc.criticality, nil)
			if err != nil {
				t.Fatalf("IsNodeSilenced: %v", err)
			}
			if got != tc.want {
				t.Fatalf("silenced = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAlertEventDedup(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(fixedClock(now))
	ctx := context.Background()

	incidentID := int64(10)
	event := domain.AlertEvent{
		IncidentID: &incidentID,
		NodeID:     1,
		Type:       domain.AlertLost,
		Level:      1,
		ChannelID:  0,
	}
	if err := s.RecordAlertEvent(ctx, event); err != nil {
		t.Fatalf("RecordAlertEvent: %v", err)
	}

	got, err := s.HasAlertEvent(ctx, incidentID, domain.AlertLost, 1, 0)
	if err != nil || !got {
		t.Fatalf("HasAlertEvent = %v, %v; want true", got, err)
	}
	// Different level, channel, and incident all miss.
	if got, _ := s.HasAlertEvent(ctx, incidentID, domain.AlertLost, 2, 0); got {
		t.Fatal("level mismatch must not dedup")
	}
	if got, _ := s.HasAlertEvent(ctx, incidentID, domain.AlertLost, 1, 5); got {
		t.Fatal("channel mismatch must not dedup")
	}
	if got, _ := s.HasAlertEvent(ctx, 11, domain.AlertLost, 1, 0); got {
		t.Fatal("incident mismatch must not dedup")
	}
}

func TestHasRecentAlertEventWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	current := base
	s := NewMemoryStore(func() time.Time { return current })
	ctx := context.Background()

	event := domain.AlertEvent{
		NodeID:    2,
		Type:      domain.MetricAlertType(domain.MetricCPU, domain.MetricHigh),
		Level:     1,
		ChannelID: 0,
	}
	if err := s.RecordAlertEvent(ctx, event); err != nil {
		t.Fatalf("RecordAlertEvent: %v", err)
	}

	current = base.Add(20 * time.Minute)
	if got, _ := s.HasRecentAlertEvent(ctx, 2, event.Type, 1, 0, 30*time.Minute); !got {
		t.Fatal("event inside window not found")
	}
	current = base.Add(40 * time.Minute)
	if got, _ := s.HasRecentAlertEvent(ctx, 2, event.Type, 1, 0, 30*time.Minute); got {
		t.Fatal("event outside window must not count")
	}
}

func TestGetEscalationPolicyFallback(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	ctx := context.Background()

	// Empty table synthesizes the default single-level policy.
	policy, err := s.GetEscalationPolicy(ctx, nil)
	if err != nil {
		t.Fatalf("GetEscalationPolicy: %v", err)
	}
	if !policy.Enabled || len(policy.Levels) != 1 || policy.Levels[0].DelayMin != 0 {
		t.Fatalf("unexpected default policy: %+v", policy)
	}
	if !policy.Levels[0].IncludeNodeRecipients {
		t.Fatal("default level must include node recipients")
	}

	// Once any policy exists, missing references are ErrNotFound.
	s.PutPolicy(domain.EscalationPolicy{ID: 1, Enabled: true})
	if _, err := s.GetEscalationPolicy(ctx, nil); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	missing := int64(42)
	if _, err := s.GetEscalationPolicy(ctx, &missing); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	existing := int64(1)
	if policy, err := s.GetEscalationPolicy(ctx, &existing); err != nil || policy.ID != 1 {
		t.Fatalf("GetEscalationPolicy(1) = %+v, %v", policy, err)
	}
}

func TestAgentMetricAlertState(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(fixedClock(now))
	ctx := context.Background()

	at := now
	if err := s.SetAgentMetricAlertState(ctx, 4, domain.MetricCPU, true, &at); err != nil {
		t.Fatalf("SetAgentMetricAlertState: %v", err)
	}
	state, err := s.GetAgentAlertState(ctx, 4)
	if err != nil {
		t.Fatalf("GetAgentAlertState: %v", err)
	}
	if !state.CPU.Active || state.CPU.LastAlertAt == nil {
		t.Fatalf("cpu latch not set: %+v", state.CPU)
	}
	if state.Mem.Active || state.Disk.Active {
		t.Fatal("other metric latches must stay clear")
	}

	if err := s.SetAgentMetricAlertState(ctx, 4, domain.MetricCPU, false, state.CPU.LastAlertAt); err != nil {
		t.Fatalf("SetAgentMetricAlertState: %v", err)
	}
	state, _ = s.GetAgentAlertState(ctx, 4)
	if state.CPU.Active {
		t.Fatal("cpu latch not cleared")
	}
	if state.CPU.LastAlertAt == nil {
		t.Fatal("clearing the latch must keep the cooldown timestamp")
	}
}

func TestCleanupOldRows(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	current := base.AddDate(0, 0, -40)
	s := NewMemoryStore(func() time.Time { return current })
	seedNode(s, 1)
	ctx := context.Background()

	// Aged incident, opened and closed 40 days back.
	if _, err := s.RecordCheck(ctx, 1, domain.CheckStatusFailure, nil, "old outage"); err != nil {
		t.Fatalf("RecordCheck: %v", err)
	}
	if _, err := s.RecordCheck(ctx, 1, domain.CheckStatusSuccess, nil, ""); err != nil {
		t.Fatalf("RecordCheck: %v", err)
	}

	current = base
	if _, err := s.RecordCheck(ctx, 1, domain.CheckStatusSuccess, ptrInt64(3), ""); err != nil {
		t.Fatalf("RecordCheck: %v", err)
	}
	if err := s.CleanupOldRows(ctx, 30); err != nil {
		t.Fatalf("CleanupOldRows: %v", err)
	}

	total, failed, err := s.CountChecksSince(ctx, 1, base.AddDate(0, 0, -60))
	if err != nil {
		t.Fatalf("CountChecksSince: %v", err)
	}
	if total != 1 || failed != 0 {
		t.Fatalf("after cleanup total=%d failed=%d, want 1/0", total, failed)
	}
	if count, _ := s.CountIncidentsSince(ctx, 1, base.AddDate(0, 0, -60)); count != 0 {
		t.Fatalf("aged closed incident survived cleanup: %d", count)
	}
}

func TestReportRunBookkeeping(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	ctx := context.Background()

	token, err := s.GetLastReportRun(ctx, ReportKindWeekly)
	if err != nil || token != "" {
		t.Fatalf("GetLastReportRun = %q, %v; want empty", token, err)
	}
	if err := s.RecordReportRun(ctx, ReportKindWeekly, "2026-W31"); err != nil {
		t.Fatalf("RecordReportRun: %v", err)
	}
	token, _ = s.GetLastReportRun(ctx, ReportKindWeekly)
	if token != "2026-W31" {
		t.Fatalf("token = %q, want 2026-W31", token)
	}
}

func ptrInt64(v int64) *int64 { return &v }
