package domain

import "time"

// Silence is one maintenance window suppressing alert dispatch.
// Params: time range, enabled flag, and at most one scope filter.
// Returns: silence row; all scope fields empty means global.
type Silence struct {
	ID      int64      `gorm:"column:id;primaryKey"`
	Enabled bool       `gorm:"column:enabled"`
	StartAt time.Time  `gorm:"column:start_at"`
	EndAt   *time.Time `gorm:"column:end_at"`

	NodeID      *int64 `gorm:"column:node_id"`
	Area        string `gorm:"column:area"`
	Group       string `gorm:"column:node_group"`
	Tag         string `gorm:"column:tag"`
	Criticality string `gorm:"column:criticality"`
}

// TableName maps Silence onto the silences table.
// Params: none.
// Returns: table name.
func (Silence) TableName() string {
	return "silences"
}

// Active reports whether the silence window contains the given instant.
// Params: evaluation time.
// Returns: true for an enabled silence whose range covers now.
func (s Silence) Active(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if now.Before(s.StartAt) {
		return false
	}
	if s.EndAt != nil && !now.Before(*s.EndAt) {
		return false
	}
	return true
}

// Matches reports whether the silence scope covers a node.
// Params: node identity and classification attributes.
// Returns: true on node/area/group/criticality/tag match or global scope.
func (s Silence) Matches(nodeID int64, area, group, criticality string, tags []string) bool {
	if s.NodeID != nil {
		return *s.NodeID == nodeID
	}
	if s.Area != "" {
		return s.Area == area
	}
	if s.Group != "" {
		return s.Group == group
	}
	if s.Criticality != "" {
		return s.Criticality == criticality
	}
	if s.Tag != "" {
		for _, tag := range tags {
			if tag == s.Tag {
				return true
			}
		}
		return false
	}
	// Fully unscoped silence covers every node.
	return true
}
