package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nodewatch/internal/domain"
	"nodewatch/internal/permanent"
)

type flakyMailer struct {
	fails int
	calls int
	to    []string
}

func (m *flakyMailer) Send(_ context.Context, to []string, _, _ string) error {
	m.calls++
	m.to = to
	if m.calls <= m.fails {
		return errors.New("temporary error")
	}
	return nil
}

type captureWebhook struct {
	calls    int
	channels []domain.Channel
	err      error
}

func (w *captureWebhook) Send(_ context.Context, channel domain.Channel, _ domain.Notification) error {
	w.calls++
	w.channels = append(w.channels, channel)
	return w.err
}

func TestDispatcherRetriesEmailUntilSuccess(t *testing.T) {
	t.Parallel()

	mailer := &flakyMailer{fails: 2}
	dispatcher := NewDispatcher(mailer, &captureWebhook{}, RetryPolicy{
		Enabled:   true,
		Backoff:   "exponential",
		InitialMS: 1,
		MaxMS:     2,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := dispatcher.SendEmail(ctx, []string{"ops@example.com"}, domain.Notification{
		Type:     domain.AlertLost,
		NodeName: "edge",
		Message:  "node edge is unreachable",
	})
	if err != nil {
		t.Fatalf("expected retry success, got %v", err)
	}
	if mailer.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", mailer.calls)
	}
}

func TestDispatcherStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	webhook := &captureWebhook{err: errors.New("status=500")}
	dispatcher := NewDispatcher(nil, webhook, RetryPolicy{
		Enabled:     true,
		InitialMS:   1,
		MaxMS:       1,
		MaxAttempts: 3,
	}, nil)

	err := dispatcher.SendChannel(context.Background(), domain.Channel{Name: "hook"}, domain.Notification{})
	if err == nil {
		t.Fatal("expected final error after retry budget")
	}
	if webhook.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", webhook.calls)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("error should name attempt count: %v", err)
	}
}

func TestDispatcherSkipsRetryOnPermanentError(t *testing.T) {
	t.Parallel()

	webhook := &captureWebhook{err: permanent.Mark(errors.New("status=404"))}
	dispatcher := NewDispatcher(nil, webhook, RetryPolicy{
		Enabled:     true,
		InitialMS:   1,
		MaxMS:       1,
		MaxAttempts: 5,
	}, nil)

	err := dispatcher.SendChannel(context.Background(), domain.Channel{Name: "hook"}, domain.Notification{})
	if err == nil {
		t.Fatal("expected permanent failure")
	}
	if webhook.calls != 1 {
		t.Fatalf("expected single attempt for permanent error, got %d", webhook.calls)
	}
	if !strings.Contains(err.Error(), "failed permanently") {
		t.Fatalf("error should mark permanent failure: %v", err)
	}
}

func TestWebhookClient4xxIsPermanent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewWebhookClient(time.Second, nil)
	err := client.Send(context.Background(), domain.Channel{Name: "hook", URL: server.URL}, domain.Notification{})
	if !permanent.Is(err) {
		t.Fatalf("404 should be permanent, got %v", err)
	}
}

func TestDispatcherRetryCancelled(t *testing.T) {
	t.Parallel()

	webhook := &captureWebhook{err: errors.New("down")}
	dispatcher := NewDispatcher(nil, webhook, RetryPolicy{
		Enabled:   true,
		InitialMS: 50,
		MaxMS:     50,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := dispatcher.SendChannel(ctx, domain.Channel{Name: "hook"}, domain.Notification{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSendEmailNoRecipients(t *testing.T) {
	t.Parallel()

	mailer := &flakyMailer{}
	dispatcher := NewDispatcher(mailer, &captureWebhook{}, RetryPolicy{}, nil)
	if err := dispatcher.SendEmail(context.Background(), nil, domain.Notification{}); err != nil {
		t.Fatalf("empty recipient list must be a no-op: %v", err)
	}
	if mailer.calls != 0 {
		t.Fatalf("mailer called %d times for empty recipients", mailer.calls)
	}
}

func TestWebhookClientPostsJSONPayload(t *testing.T) {
	t.Parallel()

	var gotMethod, gotContentType, gotHeader string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotHeader = r.Header.Get("X-Token")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewWebhookClient(time.Second, nil)
	channel := domain.Channel{
		Name:    "ops hook",
		URL:     server.URL,
		Headers: map[string]string{"X-Token": "s3cret"},
	}
	notification := domain.Notification{
		Type:     domain.AlertLost,
		NodeID:   4,
		NodeName: "edge",
		Host:     "10.0.0.1",
		Port:     443,
		Message:  "node edge is unreachable",
	}
	if err := client.Send(context.Background(), channel, notification); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("method = %s, want POST", gotMethod)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type = %s", gotContentType)
	}
	if gotHeader != "s3cret" {
		t.Fatalf("custom header = %q", gotHeader)
	}
	var decoded domain.Notification
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if decoded.NodeID != 4 || decoded.Type != domain.AlertLost {
		t.Fatalf("decoded payload = %+v", decoded)
	}
}

func TestWebhookClientBodyTemplate(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	client := NewWebhookClient(time.Second, nil)
	channel := domain.Channel{
		Name:         "chat",
		URL:          server.URL,
		Method:       "PUT",
		BodyTemplate: `{"text": {{ json .Message }}}`,
	}
	err := client.Send(context.Background(), channel, domain.Notification{Message: `edge is "down"`})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("rendered body not JSON: %v (%s)", err, gotBody)
	}
	if decoded.Text != `edge is "down"` {
		t.Fatalf("rendered text = %q", decoded.Text)
	}
}

func TestWebhookClientNon2xx(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad channel", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewWebhookClient(time.Second, nil)
	err := client.Send(context.Background(), domain.Channel{Name: "hook", URL: server.URL}, domain.Notification{})
	if err == nil {
		t.Fatal("expected error on 502")
	}
	if !strings.Contains(err.Error(), "status=502") {
		t.Fatalf("error should carry status: %v", err)
	}
}

func TestSubjectByAlertType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		n    domain.Notification
		want string
	}{
		{
			name: "lost",
			n:    domain.Notification{Type: domain.AlertLost, NodeName: "edge"},
			want: "[nodewatch] node edge is DOWN",
		},
		{
			name: "restored",
			n:    domain.Notification{Type: domain.AlertRestored, NodeName: "edge"},
			want: "[nodewatch] node edge is UP",
		},
		{
			name: "escalation",
			n:    domain.Notification{Type: domain.AlertEscalation, NodeName: "edge", Level: 2},
			want: "[nodewatch] node edge is DOWN (escalation level 2)",
		},
		{
			name: "metric high",
			n: domain.Notification{
				Type:     domain.MetricAlertType(domain.MetricCPU, domain.MetricHigh),
				NodeName: "edge", Metric: domain.MetricCPU,
			},
			want: "[nodewatch] node edge cpu usage high",
		},
		{
			name: "metric recovered",
			n: domain.Notification{
				Type:     domain.MetricAlertType(domain.MetricDisk, domain.MetricRecovered),
				NodeName: "edge", Metric: domain.MetricDisk,
			},
			want: "[nodewatch] node edge disk usage recovered",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Subject(tc.n); got != tc.want {
				t.Fatalf("Subject = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEmailBodyIncludesContext(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)
	body := EmailBody(domain.Notification{
		Type:      domain.AlertRestored,
		NodeName:  "edge",
		Host:      "10.0.0.1",
		Port:      443,
		Message:   "node edge recovered",
		StartedAt: &started,
		Timestamp: started.Add(30 * time.Minute),
	})
	for _, want := range []string{"node edge recovered", "10.0.0.1:443", "30.0m", "Since:"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}
