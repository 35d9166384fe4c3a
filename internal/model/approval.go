package model

import "time"

// ApprovalStatus enumerates the lifecycle states of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
	ApprovalRejected     ApprovalStatus = "rejected"
)

// Resolved reports whether the status is a terminal resolution.
func (s ApprovalStatus) Resolved() bool {
	return s == ApprovalApproved || s == ApprovalAutoApproved || s == ApprovalRejected
}

// Eligible reports whether the status admits the server into the quarter's
// eligibility set.
func (s ApprovalStatus) Eligible() bool {
	return s == ApprovalApproved || s == ApprovalAutoApproved
}

// ApprovalRequest tracks one (server, quarter) approval through its
// escalation timeline. One row exists per server per quarter cycle.
type ApprovalRequest struct {
	ServerName string         `gorm:"primaryKey;size:128"`
	QuarterID  string         `gorm:"primaryKey;size:8"`
	Year       int            `gorm:"primaryKey"`
	Status     ApprovalStatus `gorm:"size:32;not null;default:pending"`

	InitialNoticeAt *time.Time
	FollowupAt      *time.Time
	EscalationAt    *time.Time
	ResolvedAt      *time.Time
	ResolvedBy      string `gorm:"size:256"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QuarterSchedule holds the chosen patch date/time for a (server, quarter)
// cycle. The timestamp is stored in UTC; window checks convert to the
// server's local timezone.
type QuarterSchedule struct {
	ServerName string    `gorm:"primaryKey;size:128"`
	QuarterID  string    `gorm:"primaryKey;size:8"`
	Year       int       `gorm:"primaryKey"`
	PatchAt    time.Time `gorm:"not null"`
	SetBy      string    `gorm:"size:256"`
	UpdatedAt  time.Time
}
