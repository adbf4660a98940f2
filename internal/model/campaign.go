package model

import "time"

// CampaignKind distinguishes instant and scheduled campaigns
type CampaignKind string

const (
	CampaignInstant   CampaignKind = "instant"
	CampaignScheduled CampaignKind = "scheduled"
)

// CampaignStatus represents the lifecycle of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignSending   CampaignStatus = "sending"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Campaign is a mass broadcast to a tenant's subscribers
type Campaign struct {
	ID             string         `db:"id" json:"id"`
	TenantID       string         `db:"tenant_id" json:"tenant_id"`
	Text           string         `db:"text" json:"text"`
	Media          string         `db:"media" json:"media,omitempty"`
	ButtonText     string         `db:"button_text" json:"button_text,omitempty"`
	ButtonURL      string         `db:"button_url" json:"button_url,omitempty"`
	Kind           CampaignKind   `db:"kind" json:"kind"`
	ScheduledAt    *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	Status         CampaignStatus `db:"status" json:"status"`
	RecipientCount int            `db:"recipient_count" json:"recipient_count"`
	SentCount      int            `db:"sent_count" json:"sent_count"`
	DeliveredCount int            `db:"delivered_count" json:"delivered_count"`
	FailedCount    int            `db:"failed_count" json:"failed_count"`
	BlockedCount   int            `db:"blocked_count" json:"blocked_count"`
	CreatedBy      string         `db:"created_by" json:"created_by"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	StartedAt      *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
}

// Message returns the content to send for this campaign
func (c *Campaign) Message() Message {
	m := Message{Text: c.Text, Media: c.Media}
	if c.ButtonText != "" && c.ButtonURL != "" {
		m.Buttons = []Button{{Text: c.ButtonText, URL: c.ButtonURL}}
	}
	return m
}

// CampaignSpec is the input for creating a campaign
type CampaignSpec struct {
	TenantID    string       `json:"tenant_id" validate:"required,max=64"`
	Text        string       `json:"text" validate:"required_without=Media,max=4096"`
	Media       string       `json:"media" validate:"max=2048"`
	Button      *Button      `json:"button"`
	Kind        CampaignKind `json:"kind" validate:"required,oneof=instant scheduled"`
	ScheduledAt *time.Time   `json:"scheduled_at" validate:"required_if=Kind scheduled"`
	CreatedBy   string       `json:"created_by" validate:"max=128"`
}

// DeliveryStatus represents the per-recipient state of a campaign
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryInFlight  DeliveryStatus = "in_flight"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryBlocked   DeliveryStatus = "blocked"
)

// Terminal reports whether the status is immutable history
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliverySent, DeliveryDelivered, DeliveryFailed, DeliveryBlocked:
		return true
	}
	return false
}

// DeliveryRecord tracks one campaign message to one recipient
type DeliveryRecord struct {
	ID                string         `db:"id" json:"id"`
	CampaignID        string         `db:"campaign_id" json:"campaign_id"`
	TenantID          string         `db:"tenant_id" json:"tenant_id"`
	RecipientID       string         `db:"recipient_id" json:"recipient_id"`
	Address           string         `db:"address" json:"address"`
	Status            DeliveryStatus `db:"status" json:"status"`
	ClaimedAt         *time.Time     `db:"claimed_at" json:"claimed_at,omitempty"`
	SentAt            *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `db:"delivered_at" json:"delivered_at,omitempty"`
	Error             string         `db:"error" json:"error,omitempty"`
	ProviderMessageID string         `db:"provider_message_id" json:"provider_message_id,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}

// DeliveryOutcome is the terminal result recorded for a delivery
type DeliveryOutcome struct {
	Status            DeliveryStatus
	ProviderMessageID string
	Reason            string
}

// DeliverySentOutcome records a message accepted by the provider
func DeliverySentOutcome(providerMessageID string) DeliveryOutcome {
	return DeliveryOutcome{Status: DeliverySent, ProviderMessageID: providerMessageID}
}

// DeliveryDeliveredOutcome records a message confirmed delivered
func DeliveryDeliveredOutcome(providerMessageID string) DeliveryOutcome {
	return DeliveryOutcome{Status: DeliveryDelivered, ProviderMessageID: providerMessageID}
}

// DeliveryFailedOutcome records a failed attempt
func DeliveryFailedOutcome(reason string) DeliveryOutcome {
	return DeliveryOutcome{Status: DeliveryFailed, Reason: reason}
}

// DeliveryBlockedOutcome records a recipient that blocked the bot
func DeliveryBlockedOutcome(reason string) DeliveryOutcome {
	return DeliveryOutcome{Status: DeliveryBlocked, Reason: reason}
}

// DeliveryCounts are per-status record totals for a campaign
type DeliveryCounts struct {
	Pending   int `db:"pending" json:"pending"`
	InFlight  int `db:"in_flight" json:"in_flight"`
	Sent      int `db:"sent" json:"sent"`
	Delivered int `db:"delivered" json:"delivered"`
	Failed    int `db:"failed" json:"failed"`
	Blocked   int `db:"blocked" json:"blocked"`
}

// Outstanding is the number of records without a terminal status
func (c DeliveryCounts) Outstanding() int {
	return c.Pending + c.InFlight
}

// Total is the number of records
func (c DeliveryCounts) Total() int {
	return c.Pending + c.InFlight + c.Sent + c.Delivered + c.Failed + c.Blocked
}
