package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"nodewatch/internal/config"
	"nodewatch/internal/domain"
	"nodewatch/test/testutil"

	"github.com/nats-io/nats.go"
)

type natsTestSink struct {
	mu      sync.Mutex
	samples []domain.MetricSample
}

func (s *natsTestSink) HandleSample(_ context.Context, sample domain.MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *natsTestSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func TestNATSSubscriberDeliversSamples(t *testing.T) {
	url, stop := testutil.StartLocalNATSServer(t)
	defer stop()

	cfg := config.NATSIngestConfig{
		Enabled:       true,
		URL:           []string{url},
		Subject:       "nodewatch.samples",
		Stream:        "NODEWATCH_SAMPLES",
		ConsumerName:  "nodewatch-ingest",
		DeliverGroup:  "nodewatch-workers",
		AckWaitSec:    5,
		NackDelayMS:   100,
		MaxDeliver:    3,
		MaxAckPending: 64,
	}
	testutil.EnsureStream(t, url, cfg.Stream, cfg.Subject)

	sink := &natsTestSink{}
	subscriber, err := NewNATSSubscriber(cfg, sink, nil)
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	defer subscriber.Close()

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}

	// Malformed payload is acked without reaching the sink.
	if _, err := js.Publish(cfg.Subject, []byte(`{"node_id":0}`)); err != nil {
		t.Fatalf("publish invalid: %v", err)
	}
	if _, err := js.Publish(cfg.Subject, []byte(`{"node_id":9,"mem_pct":77.5}`)); err != nil {
		t.Fatalf("publish valid: %v", err)
	}

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) && sink.count() == 0 {
		time.Sleep(50 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected 1 delivered sample, got %d", sink.count())
	}
	sink.mu.Lock()
	sample := sink.samples[0]
	sink.mu.Unlock()
	if sample.NodeID != 9 || sample.MemPct == nil || *sample.MemPct != 77.5 {
		t.Fatalf("unexpected sample %+v", sample)
	}
}
