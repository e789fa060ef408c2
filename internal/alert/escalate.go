package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"nodewatch/internal/clock"
	"nodewatch/internal/domain"
	"nodewatch/internal/store"
)

// Escalator walks delay-gated escalation levels for open incidents.
// Params: persistence gateway, dispatcher, clock, and logger.
// Returns: escalation engine invoked on every failure cycle.
type Escalator struct {
	gateway    store.Gateway
	dispatcher *Dispatcher
	clock      clock.Clock
	logger     *slog.Logger
}

// NewEscalator builds an escalation engine.
// Params: gateway, dispatcher, clock, and logger.
// Returns: initialized escalator.
func NewEscalator(gateway store.Gateway, dispatcher *Dispatcher, clk clock.Clock, logger *slog.Logger) *Escalator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{
		gateway:    gateway,
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger,
	}
}

// Run evaluates every due escalation level for one open incident.
// Params: node, incident scope, incident start, and last probe error.
// Returns: gateway error. Dedup inside the dispatcher keeps each level to
// a single send no matter how many retry cycles call this.
func (e *Escalator) Run(ctx context.Context, node domain.NodeConfig, incidentID int64, startedAt *time.Time, probeErr string) error {
	if startedAt == nil {
		return nil
	}
	policy, err := e.gateway.GetEscalationPolicy(ctx, node.EscalationPolicyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load escalation policy: %w", err)
	}
	if !policy.Enabled || len(policy.Levels) == 0 {
		return nil
	}

	age := e.clock.Now().Sub(*startedAt)
	levels := append([]domain.EscalationLevel(nil), policy.Levels...)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })

	var nodeRecipients []string
	var nodeChannels []domain.Channel
	loaded := false

	for _, level := range levels {
		if age < time.Duration(level.DelayMin)*time.Minute {
			continue
		}
		if !loaded {
			nodeRecipients, err = e.gateway.GetRecipientsForNode(ctx, node.ID)
			if err != nil {
				return fmt.Errorf("load recipients: %w", err)
			}
			nodeChannels, err = e.gateway.GetChannelsForNode(ctx, node.ID)
			if err != nil {
				return fmt.Errorf("load channels: %w", err)
			}
			loaded = true
		}

		recipients := levelRecipients(level, nodeRecipients)
		channels := levelChannels(level, nodeChannels)
		if len(recipients) == 0 && len(channels) == 0 {
			continue
		}
		err = e.dispatcher.DispatchLifecycle(ctx, node, domain.AlertEscalation, level.Level,
			incidentID, startedAt, probeErr, recipients, channels)
		if err != nil {
			return err
		}
	}
	return nil
}

// levelRecipients unions node recipients with the level's explicit emails.
// Params: level definition and node recipient list.
// Returns: deduplicated recipient list preserving first-seen order.
func levelRecipients(level domain.EscalationLevel, nodeRecipients []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(nodeRecipients)+len(level.Emails))
	add := func(email string) {
		if email == "" {
			return
		}
		if _, ok := seen[email]; ok {
			return
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	if level.IncludeNodeRecipients {
		for _, email := range nodeRecipients {
			add(email)
		}
	}
	for _, email := range level.Emails {
		add(email)
	}
	return out
}

// levelChannels narrows node channels to the level's explicit channel ids.
// Params: level definition and node channel list.
// Returns: channels bound to both the node and the level.
func levelChannels(level domain.EscalationLevel, nodeChannels []domain.Channel) []domain.Channel {
	if len(level.ChannelIDs) == 0 {
		return nil
	}
	wanted := make(map[int64]struct{}, len(level.ChannelIDs))
	for _, id := range level.ChannelIDs {
		wanted[id] = struct{}{}
	}
	out := make([]domain.Channel, 0, len(level.ChannelIDs))
	for _, channel := range nodeChannels {
		if _, ok := wanted[channel.ID]; ok {
			out = append(out, channel)
		}
	}
	return out
}
