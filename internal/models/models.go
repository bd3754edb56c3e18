// Package models defines the core domain types for the ListHit outbound
// campaign dispatch engine: campaigns, queue jobs, sticky senders, and
// conversation threads.
package models

import "time"

// CampaignStatus represents the aggregate lifecycle state of a campaign.
// It is a projection of per-recipient job state, recomputed after every
// terminal job outcome; it is never hand-maintained alongside the jobs.
type CampaignStatus string

const (
	CampaignStatusDraft               CampaignStatus = "draft"
	CampaignStatusProcessing          CampaignStatus = "processing"
	CampaignStatusSent                CampaignStatus = "sent"
	CampaignStatusCompletedWithErrors CampaignStatus = "completed_with_errors"
)

// Campaign is an outbound blast to a set of contacts on one channel.
type Campaign struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Channel   string         `json:"channel"` // "email" or "sms"
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Status    CampaignStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Contact is the slice of the CRM contact record the dispatch engine needs.
// Contact management itself lives outside this service.
type Contact struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// QueueJobStatus represents the lifecycle state of an email queue job.
type QueueJobStatus string

const (
	JobStatusPending    QueueJobStatus = "pending"
	JobStatusProcessing QueueJobStatus = "processing"
	JobStatusSent       QueueJobStatus = "sent"
	// JobStatusError is terminal: the provider rejected the send permanently
	// (validation / configuration failure).
	JobStatusError QueueJobStatus = "error"
	// JobStatusDead is terminal: a retryable failure exhausted max_attempts.
	JobStatusDead QueueJobStatus = "dead"
)

// Terminal reports whether the status is a final state.
func (s QueueJobStatus) Terminal() bool {
	return s == JobStatusSent || s == JobStatusError || s == JobStatusDead
}

// QueueJob is one promised email send. Uniqueness is composite on
// (campaign_id, contact_id); re-scheduling the same pair is a no-op.
type QueueJob struct {
	ID                string         `json:"id"`
	CampaignID        string         `json:"campaign_id"`
	ContactID         string         `json:"contact_id"`
	Email             string         `json:"email"`
	FirstName         string         `json:"first_name"`
	LastName          string         `json:"last_name"`
	Subject           string         `json:"subject"`
	Body              string         `json:"body"`
	ScheduledFor      time.Time      `json:"scheduled_for"`
	Status            QueueJobStatus `json:"status"`
	Attempts          int            `json:"attempts"`
	MaxAttempts       int            `json:"max_attempts"`
	LockedBy          string         `json:"locked_by"`
	LockExpiresAt     *time.Time     `json:"lock_expires_at"`
	LastError         string         `json:"last_error"`
	LastErrorAt       *time.Time     `json:"last_error_at"`
	ProviderMessageID string         `json:"provider_message_id"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// StickySender pins a contact to the provider-assigned outbound number that
// first succeeded for them, so replies land in the same conversation.
// At most one mapping exists per contact and it is never overwritten.
type StickySender struct {
	ContactID  string    `json:"contact_id"`
	FromNumber string    `json:"from_number"`
	CreatedAt  time.Time `json:"created_at"`
}

// ConversationThread groups messages exchanged with one contact on one
// phone number. Keyed by (contact_id, phone_number); sends upsert rather
// than duplicate.
type ConversationThread struct {
	ID          string    `json:"id"`
	ContactID   string    `json:"contact_id"`
	PhoneNumber string    `json:"phone_number"`
	CampaignID  string    `json:"campaign_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MessageDirection distinguishes outbound sends from inbound replies.
type MessageDirection string

const (
	DirectionOutbound MessageDirection = "outbound"
	DirectionInbound  MessageDirection = "inbound"
)

// Message is one dispatched or received SMS/MMS recorded on a thread.
// Bulk marks campaign blasts as opposed to one-to-one replies.
type Message struct {
	ID                string           `json:"id"`
	ThreadID          string           `json:"thread_id"`
	Direction         MessageDirection `json:"direction"`
	Body              string           `json:"body"`
	MediaURLs         []string         `json:"media_urls,omitempty"`
	Bulk              bool             `json:"bulk"`
	ProviderMessageID string           `json:"provider_message_id"`
	CreatedAt         time.Time        `json:"created_at"`
}

// SendQuota is the provider-reported sending capacity consulted by the
// email scheduler. Max24HourSend < 0 means the rolling-window budget is
// unlimited.
type SendQuota struct {
	MaxSendRate     float64 `json:"max_send_rate"`
	Max24HourSend   float64 `json:"max_24_hour_send"`
	SentLast24Hours float64 `json:"sent_last_24_hours"`
}

// Unlimited24h reports whether the provider imposes no rolling-window budget.
func (q SendQuota) Unlimited24h() bool {
	return q.Max24HourSend < 0
}
