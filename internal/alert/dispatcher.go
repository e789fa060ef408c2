package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nodewatch/internal/clock"
	"nodewatch/internal/domain"
	"nodewatch/internal/store"
	"nodewatch/internal/templatefmt"
)

// Notifier delivers rendered notifications over email and webhook channels.
// Params: context, targets, and notification payload.
// Returns: delivery error per target.
type Notifier interface {
	EmailEnabled() bool
	SendEmail(ctx context.Context, to []string, notification domain.Notification) error
	SendChannel(ctx context.Context, channel domain.Channel, notification domain.Notification) error
}

// Dispatcher turns incident and metric transitions into deduplicated sends.
// Params: persistence gateway, notifier, clock, and logger.
// Returns: dispatch component used by runner, escalator, and metric ingest.
type Dispatcher struct {
	gateway  store.Gateway
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
}

// NewDispatcher builds an alert dispatcher.
// Params: gateway, notifier, clock, and logger.
// Returns: initialized dispatcher.
func NewDispatcher(gateway store.Gateway, notifier Notifier, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		gateway:  gateway,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
	}
}

// DispatchLifecycle sends one lost/restored/escalation alert.
// Params: node, alert type, escalation level (0 for plain lifecycle),
// incident scope, incident start, probe error, and resolved targets.
// Returns: gateway error; delivery failures are logged and swallowed so a
// broken channel never blocks email or the remaining channels.
func (d *Dispatcher) DispatchLifecycle(ctx context.Context, node domain.NodeConfig, alertType domain.AlertType, level int, incidentID int64, startedAt *time.Time, probeErr string, recipients []string, channels []domain.Channel) error {
	now := d.clock.Now()
	notification := domain.Notification{
		Type:      alertType,
		NodeID:    node.ID,
		NodeName:  node.Name,
		Host:      node.Host,
		Port:      node.Port,
		Message:   lifecycleMessage(alertType, node, level, startedAt, now),
		Error:     probeErr,
		Level:     level,
		StartedAt: startedAt,
		Timestamp: now,
	}

	if len(recipients) > 0 && d.notifier.EmailEnabled() {
		sent, err := d.gateway.HasAlertEvent(ctx, incidentID, alertType, level, 0)
		if err != nil {
			return fmt.Errorf("check alert dedup: %w", err)
		}
		if !sent {
			if err := d.notifier.SendEmail(ctx, recipients, notification); err != nil {
				d.logger.Error("email alert delivery failed",
					"node", node.Name, "type", alertType, "level", level, "error", err.Error())
			} else {
				d.markSent(ctx, node, alertType, level, &incidentID, 0, recipients, notification)
			}
		}
	}

	for _, channel := range channels {
		if !channel.Enabled {
			continue
		}
		sent, err := d.gateway.HasAlertEvent(ctx, incidentID, alertType, level, channel.ID)
		if err != nil {
			return fmt.Errorf("check alert dedup: %w", err)
		}
		if sent {
			continue
		}
		if err := d.notifier.SendChannel(ctx, channel, notification); err != nil {
			d.logger.Error("channel alert delivery failed",
				"node", node.Name, "channel", channel.Name, "type", alertType, "level", level, "error", err.Error())
			continue
		}
		d.markSent(ctx, node, alertType, level, &incidentID, channel.ID, nil, notification)
	}
	return nil
}

// HandleSample evaluates one agent metric sample against node thresholds.
// Params: context and decoded sample.
// Returns: gateway error; unknown nodes are dropped quietly.
func (d *Dispatcher) HandleSample(ctx context.Context, sample domain.MetricSample) error {
	node, err := d.gateway.GetNodeConfig(ctx, sample.NodeID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Debug("metric sample for unknown node", "node_id", sample.NodeID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load node for sample: %w", err)
	}
	if !node.AgentEnabled {
		return nil
	}

	silenced, err := d.gateway.IsNodeSilenced(ctx, node.ID, node.Area, node.Group, node.Criticality, node.Tags)
	if err != nil {
		return fmt.Errorf("evaluate silences: %w", err)
	}
	state, err := d.gateway.GetAgentAlertState(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("load agent alert state: %w", err)
	}

	for _, metric := range sample.Metrics() {
		threshold := metricThreshold(node, metric.Kind)
		if threshold <= 0 {
			continue
		}
		latch := state.ByKind(metric.Kind)
		if metric.Value >= threshold {
			if err := d.handleMetricHigh(ctx, node, metric, threshold, latch, silenced); err != nil {
				return err
			}
			continue
		}
		if err := d.handleMetricRecovered(ctx, node, metric, threshold, latch, silenced); err != nil {
			return err
		}
	}
	return nil
}

// handleMetricHigh fires one high alert gated by latch and cooldown.
// Params: node, metric value, threshold, current latch, and silence flag.
// Returns: gateway error.
func (d *Dispatcher) handleMetricHigh(ctx context.Context, node domain.NodeConfig, metric domain.MetricValue, threshold float64, latch domain.MetricAlertState, silenced bool) error {
	if silenced {
		// Clear the latch silently so the silence ending does not replay a
		// stale recovery notification.
		if latch.Active {
			return d.gateway.SetAgentMetricAlertState(ctx, node.ID, metric.Kind, false, latch.LastAlertAt)
		}
		return nil
	}
	if latch.Active {
		return nil
	}
	alertType := domain.MetricAlertType(metric.Kind, domain.MetricHigh)
	if cooldown := node.Cooldown(); cooldown > 0 {
		recent, err := d.gateway.HasRecentAlertEvent(ctx, node.ID, alertType, 0, 0, cooldown)
		if err != nil {
			return fmt.Errorf("check metric cooldown: %w", err)
		}
		if recent {
			return nil
		}
	}
	if err := d.sendMetric(ctx, node, alertType, metric, threshold); err != nil {
		return err
	}
	now := d.clock.Now()
	return d.gateway.SetAgentMetricAlertState(ctx, node.ID, metric.Kind, true, &now)
}

// handleMetricRecovered fires one recovery alert when the latch is armed.
// Params: node, metric value, threshold, current latch, and silence flag.
// Returns: gateway error. Recoveries are never cooldown-gated.
func (d *Dispatcher) handleMetricRecovered(ctx context.Context, node domain.NodeConfig, metric domain.MetricValue, threshold float64, latch domain.MetricAlertState, silenced bool) error {
	if !latch.Active {
		return nil
	}
	if !silenced {
		alertType := domain.MetricAlertType(metric.Kind, domain.MetricRecovered)
		if err := d.sendMetric(ctx, node, alertType, metric, threshold); err != nil {
			return err
		}
	}
	// LastAlertAt stays put: the cooldown window is measured from the last
	// high alert, not from recovery.
	return d.gateway.SetAgentMetricAlertState(ctx, node.ID, metric.Kind, false, latch.LastAlertAt)
}

// sendMetric delivers one metric alert to node recipients and channels.
// Params: node, combined alert type, metric value, and threshold.
// Returns: gateway error; delivery failures are logged and swallowed.
func (d *Dispatcher) sendMetric(ctx context.Context, node domain.NodeConfig, alertType domain.AlertType, metric domain.MetricValue, threshold float64) error {
	recipients, err := d.gateway.GetRecipientsForNode(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}
	channels, err := d.gateway.GetChannelsForNode(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}

	now := d.clock.Now()
	notification := domain.Notification{
		Type:      alertType,
		NodeID:    node.ID,
		NodeName:  node.Name,
		Host:      node.Host,
		Port:      node.Port,
		Message:   metricMessage(node, alertType, metric, threshold),
		Metric:    metric.Kind,
		Value:     metric.Value,
		Threshold: threshold,
		Timestamp: now,
	}

	delivered := false
	if len(recipients) > 0 && d.notifier.EmailEnabled() {
		if err := d.notifier.SendEmail(ctx, recipients, notification); err != nil {
			d.logger.Error("metric email delivery failed",
				"node", node.Name, "type", alertType, "error", err.Error())
		} else {
			delivered = true
			if err := d.gateway.RecordNotification(ctx, domain.NotificationRecord{
				NodeID:     node.ID,
				Type:       alertType,
				Recipients: recipients,
				Subject:    notification.Message,
				SentAt:     now,
			}); err != nil {
				d.logger.Error("record notification failed", "node", node.Name, "error", err.Error())
			}
		}
	}
	for _, channel := range channels {
		if !channel.Enabled {
			continue
		}
		if err := d.notifier.SendChannel(ctx, channel, notification); err != nil {
			d.logger.Error("metric channel delivery failed",
				"node", node.Name, "channel", channel.Name, "type", alertType, "error", err.Error())
			continue
		}
		delivered = true
	}

	if delivered {
		if err := d.gateway.RecordAlertEvent(ctx, domain.AlertEvent{
			NodeID: node.ID,
			Type:   alertType,
			SentAt: now,
		}); err != nil {
			return fmt.Errorf("record metric alert event: %w", err)
		}
	}
	return nil
}

// markSent records the dedup row and notification history for one delivery.
// Params: node, alert identity, incident scope, channel id, and recipients.
// Returns: none; record failures are logged only.
func (d *Dispatcher) markSent(ctx context.Context, node domain.NodeConfig, alertType domain.AlertType, level int, incidentID *int64, channelID int64, recipients []string, notification domain.Notification) {
	event := domain.AlertEvent{
		IncidentID: incidentID,
		NodeID:     node.ID,
		Type:       alertType,
		Level:      level,
		ChannelID:  channelID,
		SentAt:     notification.Timestamp,
	}
	if err := d.gateway.RecordAlertEvent(ctx, event); err != nil {
		d.logger.Error("record alert event failed", "node", node.Name, "type", alertType, "error", err.Error())
	}
	if len(recipients) == 0 {
		return
	}
	record := domain.NotificationRecord{
		NodeID:     node.ID,
		Type:       alertType,
		Recipients: recipients,
		Subject:    notification.Message,
		SentAt:     notification.Timestamp,
	}
	if err := d.gateway.RecordNotification(ctx, record); err != nil {
		d.logger.Error("record notification failed", "node", node.Name, "type", alertType, "error", err.Error())
	}
}

// lifecycleMessage renders the human message line for one lifecycle alert.
// Params: alert type, node, level, incident start, and current time.
// Returns: message string embedded in email body and webhook payload.
func lifecycleMessage(alertType domain.AlertType, node domain.NodeConfig, level int, startedAt *time.Time, now time.Time) string {
	address := fmt.Sprintf("%s:%d", node.Host, node.Port)
	switch alertType {
	case domain.AlertLost:
		return fmt.Sprintf("node %s (%s) is unreachable", node.Name, address)
	case domain.AlertRestored:
		if startedAt != nil {
			return fmt.Sprintf("node %s (%s) recovered after %s",
				node.Name, address, templatefmt.FormatDuration(now.Sub(*startedAt)))
		}
		return fmt.Sprintf("node %s (%s) recovered", node.Name, address)
	case domain.AlertEscalation:
		if startedAt != nil {
			return fmt.Sprintf("node %s (%s) still down after %s, escalation level %d",
				node.Name, address, templatefmt.FormatDuration(now.Sub(*startedAt)), level)
		}
		return fmt.Sprintf("node %s (%s) still down, escalation level %d", node.Name, address, level)
	default:
		return fmt.Sprintf("node %s (%s): %s", node.Name, address, alertType)
	}
}

// metricMessage renders the human message line for one metric alert.
// Params: node, combined alert type, metric value, and threshold.
// Returns: message string for delivery.
func metricMessage(node domain.NodeConfig, alertType domain.AlertType, metric domain.MetricValue, threshold float64) string {
	if domain.MetricAlertType(metric.Kind, domain.MetricRecovered) == alertType {
		return fmt.Sprintf("node %s %s usage back to %.1f%% (threshold %.1f%%)",
			node.Name, metric.Kind, metric.Value, threshold)
	}
	return fmt.Sprintf("node %s %s usage at %.1f%% (threshold %.1f%%)",
		node.Name, metric.Kind, metric.Value, threshold)
}

// metricThreshold returns the configured threshold for one metric kind.
// Params: node config and metric kind.
// Returns: percent threshold; zero disables alerting for the kind.
func metricThreshold(node domain.NodeConfig, kind domain.MetricKind) float64 {
	switch kind {
	case domain.MetricCPU:
		return node.CPUHighPct
	case domain.MetricMem:
		return node.MemHighPct
	case domain.MetricDisk:
		return node.DiskHighPct
	default:
		return 0
	}
}
