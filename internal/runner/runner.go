package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nodewatch/internal/alert"
	"nodewatch/internal/clock"
	"nodewatch/internal/domain"
	"nodewatch/internal/probe"
	"nodewatch/internal/store"
)

// Deps bundles the collaborators every runner shares.
// Params: gateway, dispatcher, escalator, probe function, clock, logger.
// Returns: dependency set injected at construction.
type Deps struct {
	Gateway    store.Gateway
	Dispatcher *alert.Dispatcher
	Escalator  *alert.Escalator
	Probe      probe.Func
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Runner owns the independent polling loop for one node.
// Params: node config snapshot and shared dependencies.
// Returns: timer-driven probe/record/alert cycle per node.
type Runner struct {
	deps Deps

	mu       sync.Mutex
	node     domain.NodeConfig
	timer    *time.Timer
	stopped  bool
	inFlight bool
}

// New creates a runner for one node. Call Start to begin polling.
// Params: node config and shared dependencies.
// Returns: idle runner.
func New(node domain.NodeConfig, deps Deps) *Runner {
	if deps.Probe == nil {
		deps.Probe = probe.Probe
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Runner{deps: deps, node: node}
}

// Start schedules the first run immediately.
// Params: none.
// Returns: none.
func (r *Runner) Start() {
	r.schedule(0)
}

// Update swaps the config in place without touching the timer.
// Params: fresh node config from reconciliation.
// Returns: none; the next cycle observes the new intervals and thresholds.
func (r *Runner) Update(node domain.NodeConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.node = node
}

// Stop cancels any pending run. Idempotent; a run already in flight
// finishes naturally and will not reschedule.
// Params: none.
// Returns: none.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// NodeID returns the id of the node this runner polls.
// Params: none.
// Returns: node id.
func (r *Runner) NodeID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.node.ID
}

// schedule arms the timer for the next run.
// Params: delay until the run fires.
// Returns: none; no-op once stopped.
func (r *Runner) schedule(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.timer = time.AfterFunc(delay, r.runOnce)
}

// runOnce executes one guarded cycle and reschedules.
// Params: none (timer callback).
// Returns: none.
func (r *Runner) runOnce() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if r.inFlight {
		// The previous run has outlived its own reschedule. Dropping this
		// tick keeps the per-node guard; the warning surfaces a probe that
		// may be stuck.
		node := r.node.Name
		r.mu.Unlock()
		r.deps.Logger.Warn("overlapping run dropped, previous cycle still in flight", "node", node)
		return
	}
	r.inFlight = true
	r.mu.Unlock()

	delay := r.runCycle(context.Background())

	r.mu.Lock()
	r.inFlight = false
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}
	r.schedule(delay)
}

// runCycle performs probe, record, silence check, alerting, escalation.
// Params: context for the whole cycle.
// Returns: delay until the next run (retry interval while failing).
func (r *Runner) runCycle(ctx context.Context) time.Duration {
	r.mu.Lock()
	node := r.node
	r.mu.Unlock()

	latency, probeErr := r.deps.Probe(ctx, node.Host, node.Port, node.Timeout(), node.TLSEnabled)

	status := domain.CheckStatusSuccess
	var latencyMS *int64
	errText := ""
	if probeErr != nil {
		status = domain.CheckStatusFailure
		errText = probeErr.Error()
	} else {
		ms := latency.Milliseconds()
		latencyMS = &ms
	}

	nextDelay := node.CheckInterval()
	if status == domain.CheckStatusFailure {
		nextDelay = node.RetryInterval()
	}

	transition, err := r.deps.Gateway.RecordCheck(ctx, node.ID, status, latencyMS, errText)
	if err != nil {
		// A failed persistence write must not kill the polling loop.
		r.deps.Logger.Error("record check failed", "node", node.Name, "error", err.Error())
		return nextDelay
	}

	if transition.Opened(status) || transition.Closed(status) || status == domain.CheckStatusFailure {
		r.alertCycle(ctx, node, status, transition, errText)
	}
	return nextDelay
}

// alertCycle gates alerts behind silences and drives escalations.
// Params: node snapshot, probe status, transition facts, and error text.
// Returns: none; failures inside are logged, never propagated.
func (r *Runner) alertCycle(ctx context.Context, node domain.NodeConfig, status domain.CheckStatus, transition store.CheckTransition, errText string) {
	silenced, err := r.deps.Gateway.IsNodeSilenced(ctx, node.ID, node.Area, node.Group, node.Criticality, node.Tags)
	if err != nil {
		r.deps.Logger.Error("silence evaluation failed", "node", node.Name, "error", err.Error())
		return
	}
	if silenced {
		return
	}

	if transition.Opened(status) || transition.Closed(status) {
		alertType := domain.AlertLost
		if transition.Closed(status) {
			alertType = domain.AlertRestored
		}
		recipients, err := r.deps.Gateway.GetRecipientsForNode(ctx, node.ID)
		if err != nil {
			r.deps.Logger.Error("load recipients failed", "node", node.Name, "error", err.Error())
			recipients = nil
		}
		channels, err := r.deps.Gateway.GetChannelsForNode(ctx, node.ID)
		if err != nil {
			r.deps.Logger.Error("load channels failed", "node", node.Name, "error", err.Error())
			channels = nil
		}
		if transition.IncidentID != nil {
			err = r.deps.Dispatcher.DispatchLifecycle(ctx, node, alertType, 0,
				*transition.IncidentID, transition.IncidentStartedAt, errText, recipients, channels)
			if err != nil {
				r.deps.Logger.Error("lifecycle dispatch failed", "node", node.Name, "type", alertType, "error", err.Error())
			}
		}
	}

	if status == domain.CheckStatusFailure && transition.IncidentID != nil {
		err := r.deps.Escalator.Run(ctx, node, *transition.IncidentID, transition.IncidentStartedAt, errText)
		if err != nil {
			r.deps.Logger.Error("escalation run failed", "node", node.Name, "error", err.Error())
		}
	}
}
