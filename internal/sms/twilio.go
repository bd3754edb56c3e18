package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	lookups "github.com/twilio/twilio-go/rest/lookups/v1"

	"github.com/joshuapaschall/listhit/internal/sendfault"
)

// Opts holds configuration options for the Twilio gateway.
type Opts struct {
	AccountSID          string
	AuthToken           string
	MessagingServiceSID string
}

// Option defines a configuration option for the Twilio gateway.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithMessagingServiceSID sets the messaging service used when a send has
// no explicit from-number.
func WithMessagingServiceSID(sid string) Option {
	return func(o *Opts) { o.MessagingServiceSID = sid }
}

// TwilioGateway implements Gateway and CarrierLookup against the Twilio
// REST API.
type TwilioGateway struct {
	client     *twilio.RestClient
	serviceSID string
}

// Compile-time checks.
var (
	_ Gateway       = (*TwilioGateway)(nil)
	_ CarrierLookup = (*TwilioGateway)(nil)
)

// NewTwilioGateway creates the Twilio-backed SMS gateway. Missing
// credentials are a configuration error detected before any send.
func NewTwilioGateway(opts ...Option) (*TwilioGateway, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.MessagingServiceSID == "" {
		cfg.MessagingServiceSID = os.Getenv("TWILIO_MESSAGING_SERVICE_SID")
	}
	slog.Debug("Twilio gateway config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"MessagingServiceSID_set", cfg.MessagingServiceSID != "")

	if cfg.AccountSID == "" {
		return nil, sendfault.NewConfigError("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		return nil, sendfault.NewConfigError("TWILIO_AUTH_TOKEN")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioGateway{
		client:     client,
		serviceSID: cfg.MessagingServiceSID,
	}, nil
}

// Send submits one message. A sticky from-number takes precedence; without
// one the messaging service picks a sender from its pool, and the number it
// chose is returned so callers can pin it.
func (g *TwilioGateway) Send(ctx context.Context, req GatewayRequest) (GatewayResult, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(req.To)
	params.SetBody(req.Body)
	if req.From != "" {
		params.SetFrom(req.From)
	} else {
		if g.serviceSID == "" {
			return GatewayResult{}, sendfault.NewConfigError("TWILIO_MESSAGING_SERVICE_SID")
		}
		params.SetMessagingServiceSid(g.serviceSID)
	}
	if len(req.MediaURLs) > 0 {
		params.SetMediaUrl(req.MediaURLs)
	}

	resp, err := g.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioGateway.Send failed", "to", req.To, "error", err)
		return GatewayResult{}, classifyTwilioError(err)
	}

	result := GatewayResult{From: req.From}
	if resp.Sid != nil {
		result.MessageID = *resp.Sid
	}
	if result.From == "" && resp.From != nil {
		result.From = *resp.From
	}
	slog.Debug("TwilioGateway.Send accepted", "to", req.To, "messageID", result.MessageID, "from", result.From)
	return result, nil
}

// Carrier resolves the serving carrier name via the Twilio Lookup API.
func (g *TwilioGateway) Carrier(ctx context.Context, number string) (string, error) {
	params := &lookups.FetchPhoneNumberParams{}
	params.SetType([]string{"carrier"})

	resp, err := g.client.LookupsV1.FetchPhoneNumber(number, params)
	if err != nil {
		return "", fmt.Errorf("carrier lookup for %s failed: %w", number, err)
	}
	if resp.Carrier == nil {
		return "", fmt.Errorf("carrier lookup for %s returned no carrier block", number)
	}
	carrier, _ := (*resp.Carrier).(map[string]interface{})
	name, _ := carrier["name"].(string)
	if name == "" {
		return "", fmt.Errorf("carrier lookup for %s returned no carrier name", number)
	}
	return name, nil
}

// classifyTwilioError maps Twilio REST failures onto the shared taxonomy
// by HTTP status: 429 throttled, other 4xx permanent, 5xx transient.
func classifyTwilioError(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		switch sendfault.ClassifyStatus(restErr.Status) {
		case sendfault.ClassThrottled:
			return sendfault.Throttled(err)
		case sendfault.ClassValidation:
			return sendfault.Invalid(err)
		}
		return sendfault.Transient(err)
	}
	return sendfault.Transient(err)
}
