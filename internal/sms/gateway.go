// Package sms implements the outbound SMS/MMS channel: number
// normalization, sticky sender selection, per-carrier pacing, and the
// dispatch service that fans one message out to a contact's numbers.
package sms

import "context"

// GatewayRequest is one outbound SMS/MMS handed to the carrier gateway.
// An empty From lets the gateway's messaging service pick the sender.
type GatewayRequest struct {
	To        string
	From      string
	Body      string
	MediaURLs []string
}

// GatewayResult reports the provider's acceptance of a send. From is the
// number the message actually left on, which may have been picked by the
// provider's number pool.
type GatewayResult struct {
	MessageID string
	From      string
}

// Gateway submits messages to the SMS provider. Implementations must
// return errors classified with the sendfault taxonomy.
type Gateway interface {
	Send(ctx context.Context, req GatewayRequest) (GatewayResult, error)
}

// CarrierLookup resolves the serving carrier for a number, used to pick
// the pacing bucket. Lookup failures are advisory; callers fall back to a
// shared bucket.
type CarrierLookup interface {
	Carrier(ctx context.Context, number string) (string, error)
}
