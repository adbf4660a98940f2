package model

import "time"

// Subscriber is a recipient of a tenant's bot
type Subscriber struct {
	TenantID    string    `db:"tenant_id" json:"tenant_id"`
	RecipientID string    `db:"recipient_id" json:"recipient_id"`
	Address     string    `db:"address" json:"address"`
	Active      bool      `db:"active" json:"active"`
	Blocked     bool      `db:"blocked" json:"blocked"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Eligible reports whether the subscriber may receive messages
func (s *Subscriber) Eligible() bool {
	return s.Active && !s.Blocked && s.Address != ""
}

// SubscriberSpec is the input for upserting a subscriber
type SubscriberSpec struct {
	TenantID    string `json:"tenant_id" validate:"required,max=64"`
	RecipientID string `json:"recipient_id" validate:"required,max=128"`
	Address     string `json:"address" validate:"max=256"`
	Active      bool   `json:"active"`
}
