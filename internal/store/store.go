// Package store provides the persistence layer for the ListHit dispatch
// engine: the durable email queue with its atomic claim primitive, campaign
// status rollups, sticky sender mappings, and conversation threads.
//
// Three backends implement the same Store interface: PostgreSQL, SQLite,
// and an in-memory store used by tests.
package store

import (
	"strings"
	"time"

	"github.com/joshuapaschall/listhit/internal/models"
)

// QueueRepo is the durable email queue. Correctness under concurrent
// workers rests entirely on ClaimDueJobs being atomic: two overlapping
// claim calls must never return the same job.
type QueueRepo interface {
	// EnqueueJobs bulk-inserts queue jobs with insert-ignore semantics on
	// the (campaign_id, contact_id) conflict key, and mirrors a pending
	// recipient record per inserted job. Returns the number of jobs
	// actually inserted; re-submission is a no-op.
	EnqueueJobs(jobs []models.QueueJob) (int, error)

	// ClaimDueJobs atomically leases up to limit jobs that are due
	// (pending with scheduled_for <= now, or processing with an expired
	// lease) to workerID for the lease duration and returns them.
	ClaimDueJobs(now time.Time, limit int, workerID string, lease time.Duration) ([]models.QueueJob, error)

	// MarkJobSent records a successful dispatch: terminal sent status,
	// provider message id, lease cleared. Only valid from processing;
	// a job already terminal is left untouched.
	MarkJobSent(id, providerMessageID string) error

	// FailJob records a retryable failure: bumps attempts, stores the
	// error, and either requeues the job as pending at nextRunAt or, when
	// attempts are exhausted, dead-letters it. The lease is cleared either
	// way. Returns the resulting status.
	FailJob(id, errMsg string, nextRunAt time.Time) (models.QueueJobStatus, error)

	// MarkJobError records a fatal failure: terminal error status, bumped
	// attempts, stored error, lease cleared.
	MarkJobError(id, errMsg string) error

	// GetJob retrieves a single job by ID, or nil if absent.
	GetJob(id string) (*models.QueueJob, error)

	// CampaignJobStats returns per-status job counts for a campaign.
	CampaignJobStats(campaignID string) (map[models.QueueJobStatus]int, error)
}

// CampaignRepo stores campaigns and the per-recipient status mirror that
// the campaign rollup is projected from.
type CampaignRepo interface {
	CreateCampaign(c *models.Campaign) error
	GetCampaign(id string) (*models.Campaign, error)
	UpdateCampaignStatus(id string, status models.CampaignStatus) error

	// SetRecipientStatus upserts the recipient-level status mirror for a
	// campaign member.
	SetRecipientStatus(campaignID, contactID string, status models.QueueJobStatus, lastError string) error

	// RecomputeCampaignStatus projects the campaign status from recipient
	// state and persists it: processing while any recipient is pending or
	// processing, sent when every recipient sent, completed_with_errors
	// otherwise. Returns the computed status.
	RecomputeCampaignStatus(campaignID string) (models.CampaignStatus, error)
}

// MessagingRepo stores the SMS-channel conversation state.
type MessagingRepo interface {
	// GetStickySender returns the pinned from-number mapping for a
	// contact, or nil if none exists.
	GetStickySender(contactID string) (*models.StickySender, error)

	// SetStickySenderIfAbsent conditionally inserts a sticky mapping and
	// returns the number that won: the existing one if a mapping was
	// already present, otherwise fromNumber.
	SetStickySenderIfAbsent(contactID, fromNumber string) (string, error)

	// UpsertThread inserts or refreshes the conversation thread keyed by
	// (contact_id, phone_number) and returns its id. The conflict path
	// updates updated_at and the campaign association instead of erroring.
	UpsertThread(contactID, phoneNumber, campaignID string) (string, error)

	// InsertMessage records one dispatched or received message on a thread.
	InsertMessage(m *models.Message) error
}

// Store is the full persistence surface consumed by the dispatch engine.
type Store interface {
	QueueRepo
	CampaignRepo
	MessagingRepo
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else, which is treated as a file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
