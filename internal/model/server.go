package model

import "time"

// Server represents one managed host in the patching fleet.
type Server struct {
	Name           string `gorm:"primaryKey;size:128"`
	PrimaryOwner   string `gorm:"size:256;not null"`
	SecondaryOwner string `gorm:"size:256"`
	HostGroup      string `gorm:"size:128;index;not null"`
	Environment    string `gorm:"size:64"`
	Timezone       string `gorm:"size:64"`
	IncidentTicket string `gorm:"size:128"`
	PatcherEmail   string `gorm:"size:256"`
	Active         bool   `gorm:"not null;default:true"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
