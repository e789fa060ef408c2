package domain

// EscalationLevel is one delay-gated notification tier.
// Params: unique level number, delay from incident start, and extra targets.
// Returns: level definition evaluated by the escalation engine.
type EscalationLevel struct {
	ID                    int64    `gorm:"column:id;primaryKey"`
	PolicyID              int64    `gorm:"column:policy_id;index"`
	Level                 int      `gorm:"column:level"`
	DelayMin              int      `gorm:"column:delay_min"`
	IncludeNodeRecipients bool     `gorm:"column:include_node_recipients"`
	ChannelIDs            []int64  `gorm:"column:channel_ids;serializer:json"`
	Emails                []string `gorm:"column:emails;serializer:json"`
}

// TableName maps EscalationLevel onto the escalation_levels table.
// Params: none.
// Returns: table name.
func (EscalationLevel) TableName() string {
	return "escalation_levels"
}

// EscalationPolicy is an ordered set of escalation levels.
// Params: identity, enablement, and level list sorted ascending by level.
// Returns: policy consumed by the escalation engine.
type EscalationPolicy struct {
	ID      int64             `gorm:"column:id;primaryKey"`
	Name    string            `gorm:"column:name"`
	Enabled bool              `gorm:"column:enabled"`
	Levels  []EscalationLevel `gorm:"foreignKey:PolicyID"`
}

// TableName maps EscalationPolicy onto the escalation_policies table.
// Params: none.
// Returns: table name.
func (EscalationPolicy) TableName() string {
	return "escalation_policies"
}

// DefaultEscalationPolicy synthesizes the fallback policy used when none exist.
// Params: none.
// Returns: enabled single-level zero-delay policy with node recipients.
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		Name:    "default",
		Enabled: true,
		Levels: []EscalationLevel{{
			Level:                 1,
			DelayMin:              0,
			IncludeNodeRecipients: true,
		}},
	}
}
