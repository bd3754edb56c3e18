// Package email implements the outbound email channel: the quota-aware send
// scheduler and the leased queue worker, with Amazon SES as the provider.
package email

import (
	"context"

	"github.com/joshuapaschall/listhit/internal/models"
)

// SendRequest is one outbound email handed to the provider.
type SendRequest struct {
	To             string
	Subject        string
	HTML           string
	Tags           map[string]string
	UnsubscribeURL string
}

// Provider delivers a single email. Implementations must return errors
// already classified with the sendfault taxonomy so the worker can decide
// between retry and dead-letter.
type Provider interface {
	Send(ctx context.Context, req SendRequest) (providerMessageID string, err error)
}

// QuotaOracle reports the provider's current sending capacity. The
// scheduler consults it on every scheduling run; it never caches or owns
// the quota.
type QuotaOracle interface {
	GetQuota(ctx context.Context) (models.SendQuota, error)
}
