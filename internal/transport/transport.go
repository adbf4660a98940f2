// Package transport delivers rendered messages to recipients through a chat
// provider. Every failure is reported as a *model.TransportError so the
// worker can tell retryable errors and blocked recipients apart.
package transport

import (
	"context"

	"github.com/foxzi/dripline/internal/model"
)

// Recipient identifies one addressable end user of a tenant's bot
type Recipient struct {
	TenantID string
	ID       string
	Address  string // provider chat address
}

// Sender delivers a message and returns the provider message ID
type Sender interface {
	Send(ctx context.Context, to Recipient, msg model.Message) (string, error)
}

func temporary(reason string, err error) error {
	return &model.TransportError{Reason: reason, Temporary: true, Err: err}
}

func permanent(reason string, err error) error {
	return &model.TransportError{Reason: reason, Err: err}
}

func blocked(reason string, err error) error {
	return &model.TransportError{Reason: reason, Blocked: true, Err: err}
}
