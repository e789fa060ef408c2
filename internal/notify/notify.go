package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"nodewatch/internal/domain"
	"nodewatch/internal/permanent"
	"nodewatch/internal/templatefmt"
)

// RetryPolicy controls delivery retries for one send call.
// Params: attempt cap, backoff shape, and delay bounds.
// Returns: policy consumed by the dispatcher retry loop.
type RetryPolicy struct {
	Enabled        bool
	MaxAttempts    int
	InitialMS      int
	MaxMS          int
	Backoff        string
	LogEachAttempt bool
}

// Mailer sends one email to a recipient list.
// Params: context, recipients, subject, and plain-text body.
// Returns: transport error when delivery fails.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// WebhookSender posts one notification to a configured channel.
// Params: context, channel row, and notification payload.
// Returns: transport or HTTP status error.
type WebhookSender interface {
	Send(ctx context.Context, channel domain.Channel, notification domain.Notification) error
}

// SMTPConfig holds mail relay settings.
// Params: relay address, credentials, and sender identity.
// Returns: config consumed by SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer delivers email through one SMTP relay.
// Params: relay config.
// Returns: Mailer implementation over net/smtp.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates an SMTP mailer.
// Params: relay config.
// Returns: initialized mailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Send delivers one plain-text email.
// Params: context, recipients, subject, and body.
// Returns: SMTP transport error.
func (m *SMTPMailer) Send(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	message := buildEmailMessage(m.cfg.From, to, subject, body)
	if err := smtp.SendMail(addr, auth, m.cfg.From, to, message); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// buildEmailMessage assembles RFC 5322 headers plus a UTF-8 text body.
// Params: sender, recipients, subject, and body.
// Returns: raw message bytes for smtp.SendMail.
func buildEmailMessage(from string, to []string, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}

// WebhookClient posts notification payloads to channel endpoints.
// Params: shared HTTP client and logger.
// Returns: WebhookSender implementation.
type WebhookClient struct {
	client *http.Client
	logger *slog.Logger
}

// NewWebhookClient creates a webhook sender with one shared HTTP client.
// Params: request timeout and optional logger.
// Returns: initialized client.
func NewWebhookClient(timeout time.Duration, logger *slog.Logger) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Send delivers one notification to a channel endpoint.
// Params: context, channel row, and notification payload.
// Returns: transport or non-2xx status error.
func (c *WebhookClient) Send(ctx context.Context, channel domain.Channel, notification domain.Notification) error {
	body, contentType, err := renderChannelBody(channel, notification)
	if err != nil {
		return err
	}

	method := strings.ToUpper(strings.TrimSpace(channel.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, channel.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", contentType)
	for key, value := range channel.Headers {
		request.Header.Set(key, value)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		err := unexpectedHTTPStatusError("webhook "+channel.Name, response)
		// 4xx responses never succeed on retry, except throttling and timeouts.
		if response.StatusCode >= 400 && response.StatusCode < 500 &&
			response.StatusCode != http.StatusTooManyRequests &&
			response.StatusCode != http.StatusRequestTimeout {
			return permanent.Mark(err)
		}
		return err
	}
	return nil
}

// renderChannelBody produces the request body for one channel.
// Params: channel row and notification payload.
// Returns: body bytes, content type, and render error. Channels without a
// body template get the canonical JSON payload.
func renderChannelBody(channel domain.Channel, notification domain.Notification) ([]byte, string, error) {
	if strings.TrimSpace(channel.BodyTemplate) == "" {
		encoded, err := json.Marshal(notification)
		if err != nil {
			return nil, "", permanent.Mark(fmt.Errorf("encode webhook payload: %w", err))
		}
		return encoded, "application/json", nil
	}
	tmpl, err := templatefmt.ParseNotificationTemplate("channel."+channel.Name+".body", channel.BodyTemplate)
	if err != nil {
		return nil, "", permanent.Mark(fmt.Errorf("parse channel %q body template: %w", channel.Name, err))
	}
	var rendered bytes.Buffer
	if err := tmpl.Execute(&rendered, notification); err != nil {
		return nil, "", permanent.Mark(fmt.Errorf("render channel %q body: %w", channel.Name, err))
	}
	return rendered.Bytes(), "application/json", nil
}

// unexpectedHTTPStatusError formats a non-2xx response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4096))
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}

// Dispatcher delivers notifications over email and webhooks with retries.
// Params: mailer, webhook sender, retry policy, and logger.
// Returns: delivery helper for the alert layer.
type Dispatcher struct {
	mailer   Mailer
	webhooks WebhookSender
	retry    RetryPolicy
	logger   *slog.Logger
}

// NewDispatcher builds a notification dispatcher.
// Params: mailer (nil disables the email path), webhook sender, retry
// policy, and logger.
// Returns: configured dispatcher.
func NewDispatcher(mailer Mailer, webhooks WebhookSender, retry RetryPolicy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		mailer:   mailer,
		webhooks: webhooks,
		retry:    retry,
		logger:   logger,
	}
}

// EmailEnabled reports whether the email path is configured.
// Params: none.
// Returns: true when a mailer was provided.
func (d *Dispatcher) EmailEnabled() bool {
	return d.mailer != nil
}

// SendEmail delivers one notification email with retries.
// Params: context, recipients, and notification payload.
// Returns: final error after the retry budget is spent.
func (d *Dispatcher) SendEmail(ctx context.Context, to []string, notification domain.Notification) error {
	if d.mailer == nil {
		return fmt.Errorf("email path is not configured")
	}
	if len(to) == 0 {
		return nil
	}
	subject := Subject(notification)
	body := EmailBody(notification)
	return d.sendWithRetry(ctx, "email", func(ctx context.Context) error {
		return d.mailer.Send(ctx, to, subject, body)
	})
}

// SendChannel delivers one notification to a webhook channel with retries.
// Params: context, channel row, and notification payload.
// Returns: final error after the retry budget is spent.
func (d *Dispatcher) SendChannel(ctx context.Context, channel domain.Channel, notification domain.Notification) error {
	label := "channel " + channel.Name
	return d.sendWithRetry(ctx, label, func(ctx context.Context) error {
		return d.webhooks.Send(ctx, channel, notification)
	})
}

// sendWithRetry runs one delivery function under the retry policy.
// Params: context, log label, and delivery function.
// Returns: nil on any successful attempt, final error otherwise.
func (d *Dispatcher) sendWithRetry(ctx context.Context, label string, send func(context.Context) error) error {
	if !d.retry.Enabled {
		return send(ctx)
	}

	attempt := 0
	backoff := time.Duration(d.retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(d.retry.MaxMS) * time.Millisecond
	var timer *time.Timer
	stopTimer := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	for {
		attempt++
		err := send(ctx)
		if err == nil {
			stopTimer()
			if d.retry.LogEachAttempt && attempt > 1 {
				d.logger.Info("notify send recovered after retries", "target", label, "attempt", attempt)
			}
			return nil
		}
		if d.retry.LogEachAttempt {
			d.logger.Warn("notify send attempt failed", "target", label, "attempt", attempt, "error", err.Error())
		}

		if permanent.Is(err) {
			stopTimer()
			return fmt.Errorf("%s failed permanently: %w", label, err)
		}

		if d.retry.MaxAttempts > 0 && attempt >= d.retry.MaxAttempts {
			stopTimer()
			return fmt.Errorf("%s failed after %d attempts: %w", label, attempt, err)
		}

		if timer == nil {
			timer = time.NewTimer(backoff)
		} else {
			stopTimer()
			timer.Reset(backoff)
		}
		select {
		case <-ctx.Done():
			stopTimer()
			return ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(d.retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Subject builds the email subject line for one notification.
// Params: notification payload.
// Returns: subject such as "[nodewatch] node edge is DOWN".
func Subject(n domain.Notification) string {
	switch n.Type {
	case domain.AlertLost:
		return fmt.Sprintf("[nodewatch] node %s is DOWN", n.NodeName)
	case domain.AlertRestored:
		return fmt.Sprintf("[nodewatch] node %s is UP", n.NodeName)
	case domain.AlertEscalation:
		return fmt.Sprintf("[nodewatch] node %s is DOWN (escalation level %d)", n.NodeName, n.Level)
	}
	if n.Metric != "" {
		if strings.HasSuffix(string(n.Type), "_recovered") {
			return fmt.Sprintf("[nodewatch] node %s %s usage recovered", n.NodeName, n.Metric)
		}
		return fmt.Sprintf("[nodewatch] node %s %s usage high", n.NodeName, n.Metric)
	}
	return fmt.Sprintf("[nodewatch] node %s: %s", n.NodeName, n.Type)
}

// EmailBody renders the plain-text email body for one notification.
// Params: notification payload.
// Returns: multi-line body with node identity and alert context.
func EmailBody(n domain.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", n.Message)
	fmt.Fprintf(&b, "Node:    %s\n", n.NodeName)
	fmt.Fprintf(&b, "Address: %s:%d\n", n.Host, n.Port)
	if n.Error != "" {
		fmt.Fprintf(&b, "Error:   %s\n", n.Error)
	}
	if n.Metric != "" {
		fmt.Fprintf(&b, "Metric:  %s %.1f%% (threshold %.1f%%)\n", n.Metric, n.Value, n.Threshold)
	}
	if n.StartedAt != nil {
		fmt.Fprintf(&b, "Since:   %s (%s)\n",
			n.StartedAt.Format(time.RFC3339),
			templatefmt.FormatDuration(n.Timestamp.Sub(*n.StartedAt)))
	}
	fmt.Fprintf(&b, "Time:    %s\n", n.Timestamp.Format(time.RFC3339))
	return b.String()
}
