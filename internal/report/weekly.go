package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nodewatch/internal/clock"
	"nodewatch/internal/domain"
	"nodewatch/internal/notify"
	"nodewatch/internal/store"
)

// Weekly assembles and emails the weekly uptime summary.
// Params: persistence gateway, mailer, clock, and logger.
// Returns: report job invoked by the scheduler.
type Weekly struct {
	gateway store.Gateway
	mailer  notify.Mailer
	clock   clock.Clock
	logger  *slog.Logger
}

// NewWeekly builds the weekly report job.
// Params: gateway, mailer, clock, and logger.
// Returns: initialized job.
func NewWeekly(gateway store.Gateway, mailer notify.Mailer, clk clock.Clock, logger *slog.Logger) *Weekly {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Weekly{
		gateway: gateway,
		mailer:  mailer,
		clock:   clk,
		logger:  logger,
	}
}

// Token identifies one ISO year-week, e.g. "2026-W31".
// Params: point in time.
// Returns: dedup token for report run bookkeeping.
func Token(at time.Time) string {
	year, week := at.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// Send builds and delivers the weekly summary to report recipients.
// Params: context.
// Returns: build or delivery error; no-op without recipients.
func (w *Weekly) Send(ctx context.Context) error {
	if w.mailer == nil {
		return fmt.Errorf("report email path is not configured")
	}
	recipients, err := w.gateway.ListReportRecipients(ctx)
	if err != nil {
		return fmt.Errorf("load report recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil
	}

	now := w.clock.Now()
	body, err := w.build(ctx, now)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("[nodewatch] weekly uptime report %s", Token(now))
	if err := w.mailer.Send(ctx, recipients, subject, body); err != nil {
		return fmt.Errorf("send weekly report: %w", err)
	}
	w.logger.Info("weekly report sent", "week", Token(now), "recipients", len(recipients))
	return nil
}

// build renders the per-node summary for the trailing seven days.
// Params: context and current time.
// Returns: plain-text report body.
func (w *Weekly) build(ctx context.Context, now time.Time) (string, error) {
	nodes, err := w.gateway.GetActiveNodeConfigs(ctx)
	if err != nil {
		return "", fmt.Errorf("load nodes: %w", err)
	}
	since := now.AddDate(0, 0, -7)

	var b strings.Builder
	fmt.Fprintf(&b, "Weekly uptime report for %s\n", Token(now))
	fmt.Fprintf(&b, "Window: %s to %s\n\n", since.Format("2006-01-02"), now.Format("2006-01-02"))

	for _, node := range nodes {
		line, err := w.nodeLine(ctx, node, since)
		if err != nil {
			return "", err
		}
		b.WriteString(line)
	}
	if len(nodes) == 0 {
		b.WriteString("No active nodes.\n")
	}
	return b.String(), nil
}

// nodeLine renders one node's uptime, incident count, and current status.
// Params: context, node config, and window start.
// Returns: one formatted report line.
func (w *Weekly) nodeLine(ctx context.Context, node domain.NodeConfig, since time.Time) (string, error) {
	total, failed, err := w.gateway.CountChecksSince(ctx, node.ID, since)
	if err != nil {
		return "", fmt.Errorf("count checks for node %d: %w", node.ID, err)
	}
	incidents, err := w.gateway.CountIncidentsSince(ctx, node.ID, since)
	if err != nil {
		return "", fmt.Errorf("count incidents for node %d: %w", node.ID, err)
	}

	uptime := "n/a"
	if total > 0 {
		uptime = fmt.Sprintf("%.2f%%", float64(total-failed)/float64(total)*100)
	}
	status := string(node.LastStatus)
	if status == "" {
		status = string(domain.CheckStatusUnknown)
	}
	return fmt.Sprintf("%-24s %s:%d  status=%s  uptime=%s  incidents=%d\n",
		node.Name, node.Host, node.Port, status, uptime, incidents), nil
}
