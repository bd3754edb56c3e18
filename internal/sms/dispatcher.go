package sms

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joshuapaschall/listhit/internal/models"
	"github.com/joshuapaschall/listhit/internal/sendfault"
	"github.com/joshuapaschall/listhit/internal/store"
)

// DefaultCarrierBucket paces numbers whose carrier could not be resolved.
const DefaultCarrierBucket = "default"

// DispatcherConfig carries the dispatcher's tuning knobs.
type DispatcherConfig struct {
	DefaultBucket string
}

func (c *DispatcherConfig) applyDefaults() {
	if c.DefaultBucket == "" {
		c.DefaultBucket = DefaultCarrierBucket
	}
}

// SendRequest is one dispatch invocation: a message fanned out to every
// number on file for a contact. CampaignID associates the sends with a
// campaign blast; empty means a one-to-one message.
type SendRequest struct {
	ContactID  string   `json:"contact_id"`
	Numbers    []string `json:"numbers"`
	Body       string   `json:"body"`
	CampaignID string   `json:"campaign_id,omitempty"`
	MediaURLs  []string `json:"media_urls,omitempty"`
	DryRun     bool     `json:"dry_run,omitempty"`
}

// SendResult is the per-number outcome of a dispatch. One bad number never
// blocks the rest; its failure is recorded here and the loop continues.
type SendResult struct {
	Number     string `json:"number"`
	Normalized string `json:"normalized,omitempty"`
	Carrier    string `json:"carrier,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	From       string `json:"from,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
	Sent       bool   `json:"sent"`
	Error      string `json:"error,omitempty"`
}

// Dispatcher fans one message out to a contact's phone numbers through the
// carrier gateway, pinning the contact's sticky sender on first success and
// recording every accepted send on a conversation thread.
type Dispatcher struct {
	store    store.Store
	gateway  Gateway
	carriers CarrierLookup
	limiter  Limiter
	cfg      DispatcherConfig
}

// NewDispatcher creates a Dispatcher. carriers may be nil, in which case
// every send paces through the default bucket.
func NewDispatcher(st store.Store, gw Gateway, carriers CarrierLookup, limiter Limiter, cfg DispatcherConfig) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{store: st, gateway: gw, carriers: carriers, limiter: limiter, cfg: cfg}
}

// Send dispatches the message to each number in turn. Gateway failures are
// isolated per number; only datastore failures abort the invocation. The
// returned error never reflects a carrier rejection.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) ([]SendResult, error) {
	if req.ContactID == "" {
		return nil, sendfault.Invalid(fmt.Errorf("send request has no contact id"))
	}
	if len(req.Numbers) == 0 {
		return nil, sendfault.Invalid(fmt.Errorf("send request for contact %s has no numbers", req.ContactID))
	}
	if req.Body == "" && len(req.MediaURLs) == 0 {
		return nil, sendfault.Invalid(fmt.Errorf("send request for contact %s has no body or media", req.ContactID))
	}

	// The sticky from-number is read once up front; every number in this
	// fan-out uses the same sender.
	stickyFrom := ""
	sticky, err := d.store.GetStickySender(req.ContactID)
	if err != nil {
		return nil, fmt.Errorf("sticky sender lookup failed: %w", err)
	}
	if sticky != nil {
		stickyFrom = sticky.FromNumber
	}

	results := make([]SendResult, 0, len(req.Numbers))
	anySent := false
	lastError := ""
	for _, number := range req.Numbers {
		res := SendResult{Number: number}

		normalized, err := NormalizeNumber(number)
		if err != nil {
			res.Error = err.Error()
			lastError = res.Error
			results = append(results, res)
			slog.Warn("Dispatcher.Send: number rejected", "contactID", req.ContactID, "number", number, "error", err)
			continue
		}
		res.Normalized = normalized

		if req.DryRun {
			results = append(results, res)
			continue
		}

		bucket := d.cfg.DefaultBucket
		if d.carriers != nil {
			carrier, err := d.carriers.Carrier(ctx, normalized)
			if err != nil {
				slog.Warn("Dispatcher.Send: carrier lookup failed, using default bucket",
					"contactID", req.ContactID, "number", normalized, "error", err)
			} else {
				bucket = carrier
				res.Carrier = carrier
			}
		}

		var gres GatewayResult
		sendErr := d.limiter.Do(bucket, func() error {
			var err error
			gres, err = d.gateway.Send(ctx, GatewayRequest{
				To:        normalized,
				From:      stickyFrom,
				Body:      req.Body,
				MediaURLs: req.MediaURLs,
			})
			return err
		})
		if sendErr != nil {
			res.Error = sendErr.Error()
			lastError = res.Error
			results = append(results, res)
			slog.Warn("Dispatcher.Send: gateway rejected send",
				"contactID", req.ContactID, "number", normalized,
				"class", sendfault.Classify(sendErr).String(), "error", sendErr)
			continue
		}

		res.Sent = true
		res.MessageID = gres.MessageID
		res.From = gres.From
		anySent = true

		// First success pins the sender; concurrent dispatches race through
		// the store's conditional insert and everyone converges on the winner.
		if stickyFrom == "" && gres.From != "" {
			won, err := d.store.SetStickySenderIfAbsent(req.ContactID, gres.From)
			if err != nil {
				return results, fmt.Errorf("pin sticky sender failed: %w", err)
			}
			stickyFrom = won
			res.From = won
		}

		threadID, err := d.store.UpsertThread(req.ContactID, normalized, req.CampaignID)
		if err != nil {
			return results, fmt.Errorf("thread upsert failed: %w", err)
		}
		res.ThreadID = threadID

		if err := d.store.InsertMessage(&models.Message{
			ThreadID:          threadID,
			Direction:         models.DirectionOutbound,
			Body:              req.Body,
			MediaURLs:         req.MediaURLs,
			Bulk:              req.CampaignID != "",
			ProviderMessageID: gres.MessageID,
		}); err != nil {
			return results, fmt.Errorf("record message failed: %w", err)
		}

		results = append(results, res)
	}

	if req.CampaignID != "" && !req.DryRun {
		status := models.JobStatusSent
		if !anySent {
			status = models.JobStatusError
		} else {
			lastError = ""
		}
		if err := d.store.SetRecipientStatus(req.CampaignID, req.ContactID, status, lastError); err != nil {
			return results, fmt.Errorf("mirror recipient status failed: %w", err)
		}
		if _, err := d.store.RecomputeCampaignStatus(req.CampaignID); err != nil {
			return results, fmt.Errorf("campaign rollup failed: %w", err)
		}
	}

	slog.Info("Dispatcher.Send: dispatch complete",
		"contactID", req.ContactID, "numbers", len(req.Numbers), "sent", anySent, "dryRun", req.DryRun)
	return results, nil
}
