package domain

import (
	"strings"
	"testing"
)

func floatPtr(v float64) *float64 {
	return &v
}

func TestDecodeSampleValid(t *testing.T) {
	t.Parallel()

	sample, err := DecodeSample([]byte(`{"node_id":7,"cpu_pct":91.5,"disk_pct":40}`))
	if err != nil {
		t.Fatalf("decode valid sample: %v", err)
	}
	if sample.NodeID != 7 {
		t.Fatalf("expected node 7, got %d", sample.NodeID)
	}
	metrics := sample.Metrics()
	if len(metrics) != 2 {
		t.Fatalf("expected 2 present metrics, got %d", len(metrics))
	}
	if metrics[0].Kind != MetricCPU || metrics[0].Value != 91.5 {
		t.Fatalf("unexpected first metric %+v", metrics[0])
	}
	if metrics[1].Kind != MetricDisk {
		t.Fatalf("unexpected second metric %+v", metrics[1])
	}
}

func TestDecodeSampleRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"missing node", `{"cpu_pct":10}`, "node_id"},
		{"no metrics", `{"node_id":3}`, "at least one"},
		{"out of range", `{"node_id":3,"mem_pct":120}`, "mem_pct"},
		{"negative", `{"node_id":3,"disk_pct":-1}`, "disk_pct"},
		{"not json", `{`, "decode sample"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeSample([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected error for %q", tc.raw)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestMetricAlertType(t *testing.T) {
	t.Parallel()

	if got := MetricAlertType(MetricCPU, MetricHigh); got != "cpu_high" {
		t.Fatalf("expected cpu_high, got %s", got)
	}
	if got := MetricAlertType(MetricDisk, MetricRecovered); got != "disk_recovered" {
		t.Fatalf("expected disk_recovered, got %s", got)
	}
}

func TestSilenceMatching(t *testing.T) {
	t.Parallel()

	nodeID := int64(4)
	cases := []struct {
		name    string
		silence Silence
		want    bool
	}{
		{"node scope hit", Silence{NodeID: &nodeID}, true},
		{"area scope hit", Silence{Area: "eu-west"}, true},
		{"group miss", Silence{Group: "databases"}, false},
		{"tag hit", Silence{Tag: "edge"}, true},
		{"criticality hit", Silence{Criticality: "high"}, true},
		{"global", Silence{}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := tc.silence.Matches(4, "eu-west", "web", "high", []string{"edge", "public"})
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestMetricSampleFloatHelper(t *testing.T) {
	t.Parallel()

	sample := MetricSample{NodeID: 1, MemPct: floatPtr(55)}
	if err := sample.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
