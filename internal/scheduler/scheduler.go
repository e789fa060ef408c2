package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nodewatch/internal/clock"
	"nodewatch/internal/report"
	"nodewatch/internal/runner"
	"nodewatch/internal/store"
)

// Config holds scheduler cadence and report timing settings.
// Params: reconcile/cleanup/report intervals, retention window, report slot.
// Returns: config consumed by New.
type Config struct {
	ReconcileInterval  time.Duration
	CleanupInterval    time.Duration
	RetentionDays      int
	ReportPollInterval time.Duration
	ReportWeekday      time.Weekday
	ReportHour         int
}

// Scheduler reconciles active node configs against running node runners
// and drives the retention cleanup and weekly report jobs.
// Params: config, gateway, runner deps, and report job.
// Returns: long-running coordinator owned by the app layer.
type Scheduler struct {
	cfg     Config
	gateway store.Gateway
	deps    runner.Deps
	weekly  *report.Weekly
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	runners map[int64]*runner.Runner

	reconciling atomic.Bool
}

// New builds a scheduler.
// Params: config, gateway, shared runner deps, and weekly report job.
// Returns: initialized scheduler; call Run to start.
func New(cfg Config, gateway store.Gateway, deps runner.Deps, weekly *report.Weekly) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		gateway: gateway,
		deps:    deps,
		weekly:  weekly,
		clock:   deps.Clock,
		logger:  deps.Logger,
		runners: make(map[int64]*runner.Runner),
	}
}

// Run reconciles immediately, then loops on the configured tickers until
// the context is cancelled. On exit every runner is stopped.
// Params: context bounding the scheduler lifetime.
// Returns: nil after shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.reconcile(ctx); err != nil {
		s.logger.Error("initial reconciliation failed", "error", err.Error())
	}

	reconcileTicker := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanupTicker.Stop()
	reportTicker := time.NewTicker(s.cfg.ReportPollInterval)
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil
		case <-reconcileTicker.C:
			if err := s.reconcile(ctx); err != nil {
				s.logger.Error("reconciliation failed", "error", err.Error())
			}
		case <-cleanupTicker.C:
			s.runCleanup(ctx)
		case <-reportTicker.C:
			s.maybeSendWeeklyReport(ctx)
		}
	}
}

// reconcile aligns running runners with the active node config set.
// Params: context for gateway reads.
// Returns: gateway error; skipped silently when a pass is still running.
func (s *Scheduler) reconcile(ctx context.Context) error {
	if !s.reconciling.CompareAndSwap(false, true) {
		s.logger.Warn("reconciliation tick skipped, previous pass still running")
		return nil
	}
	defer s.reconciling.Store(false)

	nodes, err := s.gateway.GetActiveNodeConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load active nodes: %w", err)
	}

	active := make(map[int64]struct{}, len(nodes))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, node := range nodes {
		active[node.ID] = struct{}{}
		if existing, ok := s.runners[node.ID]; ok {
			existing.Update(node)
			continue
		}
		r := runner.New(node, s.deps)
		s.runners[node.ID] = r
		r.Start()
		s.logger.Info("runner started", "node", node.Name, "node_id", node.ID)
	}
	for id, r := range s.runners {
		if _, ok := active[id]; ok {
			continue
		}
		r.Stop()
		delete(s.runners, id)
		s.logger.Info("runner stopped", "node_id", id)
	}
	return nil
}

// runCleanup prunes aged rows once per cleanup tick.
// Params: context for the gateway call.
// Returns: none; failures are logged and retried next tick.
func (s *Scheduler) runCleanup(ctx context.Context) {
	if s.cfg.RetentionDays <= 0 {
		return
	}
	if err := s.gateway.CleanupOldRows(ctx, s.cfg.RetentionDays); err != nil {
		s.logger.Error("retention cleanup failed", "error", err.Error())
		return
	}
	s.logger.Info("retention cleanup completed", "retention_days", s.cfg.RetentionDays)
}

// maybeSendWeeklyReport fires the weekly report at most once per ISO week
// when the configured weekday and hour match and recipients exist.
// Params: context for gateway and delivery calls.
// Returns: none; failures are logged and retried on the next matching poll.
func (s *Scheduler) maybeSendWeeklyReport(ctx context.Context) {
	now := s.clock.Now()
	if now.Weekday() != s.cfg.ReportWeekday || now.Hour() != s.cfg.ReportHour {
		return
	}
	token := report.Token(now)
	last, err := s.gateway.GetLastReportRun(ctx, store.ReportKindWeekly)
	if err != nil {
		s.logger.Error("load last report run failed", "error", err.Error())
		return
	}
	if last == token {
		return
	}
	recipients, err := s.gateway.ListReportRecipients(ctx)
	if err != nil {
		s.logger.Error("load report recipients failed", "error", err.Error())
		return
	}
	if len(recipients) == 0 {
		return
	}
	if err := s.weekly.Send(ctx); err != nil {
		s.logger.Error("weekly report failed", "week", token, "error", err.Error())
		return
	}
	if err := s.gateway.RecordReportRun(ctx, store.ReportKindWeekly, token); err != nil {
		s.logger.Error("record report run failed", "week", token, "error", err.Error())
	}
}

// stopAll stops and discards every runner.
// Params: none.
// Returns: none.
func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.runners {
		r.Stop()
		delete(s.runners, id)
	}
}

// RunnerCount returns the number of live runners.
// Params: none.
// Returns: registry size, used by health reporting and tests.
func (s *Scheduler) RunnerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}
