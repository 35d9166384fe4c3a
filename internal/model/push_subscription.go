package model

import "time"

// PushSubscription holds the information for an operator's browser push
// subscription.
type PushSubscription struct {
	Endpoint  string `gorm:"primaryKey"`
	P256DH    string `gorm:"column:p256dh;not null"`
	Auth      string `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`

	// Associations
	Scopes []SubscriptionScope `gorm:"foreignKey:Endpoint;references:Endpoint"`
}

// SubscriptionScope restricts a subscription to one host group. A
// subscription with no scopes receives notifications for every group.
type SubscriptionScope struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Endpoint  string `gorm:"size:512;not null;index"`
	HostGroup string `gorm:"size:128;not null;index"`
}
