package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MetricSample is one agent-reported resource usage report.
// Params: node id and optional cpu/mem/disk usage percents.
// Returns: validated sample payload for the metric alert path.
type MetricSample struct {
	NodeID  int64    `json:"node_id"`
	CPUPct  *float64 `json:"cpu_pct,omitempty"`
	MemPct  *float64 `json:"mem_pct,omitempty"`
	DiskPct *float64 `json:"disk_pct,omitempty"`
}

// DecodeSample decodes and validates one metric sample payload.
// Params: JSON document bytes.
// Returns: validated sample or decode/validation error.
func DecodeSample(raw []byte) (MetricSample, error) {
	var sample MetricSample
	if err := json.Unmarshal(raw, &sample); err != nil {
		return MetricSample{}, fmt.Errorf("decode sample: %w", err)
	}
	if err := sample.Validate(); err != nil {
		return MetricSample{}, err
	}
	return sample, nil
}

// Validate validates one sample against the ingestion contract.
// Params: sample fields parsed from transport.
// Returns: validation error when the payload is unusable.
func (s MetricSample) Validate() error {
	if s.NodeID <= 0 {
		return errors.New("node_id must be >0")
	}
	if s.CPUPct == nil && s.MemPct == nil && s.DiskPct == nil {
		return errors.New("at least one of cpu_pct/mem_pct/disk_pct is required")
	}
	for _, entry := range []struct {
		name  string
		value *float64
	}{
		{"cpu_pct", s.CPUPct},
		{"mem_pct", s.MemPct},
		{"disk_pct", s.DiskPct},
	} {
		if entry.value == nil {
			continue
		}
		if *entry.value < 0 || *entry.value > 100 {
			return fmt.Errorf("%s must be within [0,100]", entry.name)
		}
	}
	return nil
}

// Metrics returns the present metric values keyed by kind.
// Params: none.
// Returns: kind/value pairs in cpu, mem, disk order.
func (s MetricSample) Metrics() []MetricValue {
	out := make([]MetricValue, 0, 3)
	if s.CPUPct != nil {
		out = append(out, MetricValue{Kind: MetricCPU, Value: *s.CPUPct})
	}
	if s.MemPct != nil {
		out = append(out, MetricValue{Kind: MetricMem, Value: *s.MemPct})
	}
	if s.DiskPct != nil {
		out = append(out, MetricValue{Kind: MetricDisk, Value: *s.DiskPct})
	}
	return out
}

// MetricValue pairs one metric kind with its reported percent.
// Params: kind selector and usage value.
// Returns: one sample component for threshold evaluation.
type MetricValue struct {
	Kind  MetricKind
	Value float64
}
