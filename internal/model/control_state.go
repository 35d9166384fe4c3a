package model

import "time"

// ControlState is the single-row record of the global operator switches.
// Keeping these flags in the store rather than in process memory means a
// restarted orchestrator observes the same pause/freeze state.
type ControlState struct {
	ID             int  `gorm:"primaryKey"` // always 1
	Paused         bool `gorm:"not null;default:false"`
	ScheduleFrozen bool `gorm:"not null;default:false"`
	UpdatedAt      time.Time
	UpdatedBy      string `gorm:"size:256"`
}
