// Package model holds the funnel and campaign entities shared by the store,
// the scheduling services and the API.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Sequence is a tenant's funnel. A tenant has at most one.
type Sequence struct {
	ID        string    `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	Enabled   bool      `db:"enabled" json:"enabled"`
	CreatedBy string    `db:"created_by" json:"created_by"`
	UpdatedBy string    `db:"updated_by" json:"updated_by"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SequenceSpec is the input for creating or updating a tenant's sequence
type SequenceSpec struct {
	TenantID string `json:"tenant_id" validate:"required,max=64"`
	Enabled  bool   `json:"enabled"`
	Actor    string `json:"actor" validate:"max=128"`
}

// Button is an inline action button
type Button struct {
	Text string `json:"text" validate:"required,max=64"`
	URL  string `json:"url" validate:"required,url"`
}

// Buttons is stored as a JSON array
type Buttons []Button

// Value implements driver.Valuer
func (b Buttons) Value() (driver.Value, error) {
	if len(b) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal([]Button(b))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (b *Buttons) Scan(src any) error {
	return scanJSON(src, (*[]Button)(b))
}

// Metadata holds unstructured operator key/value pairs
type Metadata map[string]string

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src any) error {
	return scanJSON(src, (*map[string]string)(m))
}

func scanJSON(src any, dst any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// Step is one message of a sequence
type Step struct {
	ID          string    `db:"id" json:"id"`
	SequenceID  string    `db:"sequence_id" json:"sequence_id"`
	StepNumber  int       `db:"step_number" json:"step_number"`
	Body        string    `db:"body" json:"body"`
	Media       string    `db:"media" json:"media,omitempty"`
	Buttons     Buttons   `db:"buttons" json:"buttons,omitempty"`
	Delay       string    `db:"delay" json:"delay"` // decimal hours
	Active      bool      `db:"active" json:"active"`
	CampaignTag string    `db:"campaign_tag" json:"campaign_tag,omitempty"`
	Extra       Metadata  `db:"extra" json:"extra,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Message returns the content to send for this step
func (s *Step) Message() Message {
	return Message{Text: s.Body, Media: s.Media, Buttons: s.Buttons}
}

// StepSpec is the input for creating a step
type StepSpec struct {
	SequenceID  string            `json:"sequence_id" validate:"required"`
	StepNumber  int               `json:"step_number" validate:"min=1"`
	Body        string            `json:"body" validate:"required_without=Media,max=4096"`
	Media       string            `json:"media" validate:"max=2048"`
	Buttons     []Button          `json:"buttons" validate:"dive"`
	Delay       string            `json:"delay" validate:"required"`
	Active      bool              `json:"active"`
	CampaignTag string            `json:"campaign_tag" validate:"max=64"`
	Extra       map[string]string `json:"extra"`
}

// Enrollment anchors a recipient's funnel start
type Enrollment struct {
	ID          string    `db:"id" json:"id"`
	TenantID    string    `db:"tenant_id" json:"tenant_id"`
	RecipientID string    `db:"recipient_id" json:"recipient_id"`
	SequenceID  string    `db:"sequence_id" json:"sequence_id"`
	AnchorAt    time.Time `db:"anchor_at" json:"anchor_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Message is the transport-level content of a step or campaign
type Message struct {
	Text    string   `json:"text"`
	Media   string   `json:"media,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}
