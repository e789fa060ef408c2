package domain

import "time"

// Incident is one continuous failure span for a node.
// Params: open/close timestamps, acknowledgement, and check pointers.
// Returns: incident row; at most one open incident exists per node.
type Incident struct {
	ID           int64      `gorm:"column:id;primaryKey"`
	NodeID       int64      `gorm:"column:node_id;index"`
	StartAt      time.Time  `gorm:"column:start_at"`
	EndAt        *time.Time `gorm:"column:end_at"`
	AckBy        string     `gorm:"column:ack_by"`
	AckAt        *time.Time `gorm:"column:ack_at"`
	AckNote      string     `gorm:"column:ack_note"`
	Owner        string     `gorm:"column:owner"`
	FirstCheckID int64      `gorm:"column:first_check_id"`
	LastCheckID  int64      `gorm:"column:last_check_id"`
}

// TableName maps Incident onto the incidents table.
// Params: none.
// Returns: table name.
func (Incident) TableName() string {
	return "incidents"
}

// Open reports whether the incident has no end timestamp yet.
// Params: none.
// Returns: true while the node is still considered down.
func (i Incident) Open() bool {
	return i.EndAt == nil
}

// Duration computes incident length against a reference time for open spans.
// Params: now used as the end bound while the incident is open.
// Returns: elapsed downtime.
func (i Incident) Duration(now time.Time) time.Duration {
	end := now
	if i.EndAt != nil {
		end = *i.EndAt
	}
	if end.Before(i.StartAt) {
		return 0
	}
	return end.Sub(i.StartAt)
}
