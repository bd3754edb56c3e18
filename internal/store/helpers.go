package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/joshuapaschall/listhit/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// queueJobColumns is the canonical column order used by every job query.
const queueJobColumns = `id, campaign_id, contact_id, email, first_name, last_name, subject, body,
	scheduled_for, status, attempts, max_attempts, locked_by, lock_expires_at,
	last_error, last_error_at, provider_message_id, created_at, updated_at`

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanQueueJob scans a QueueJob in queueJobColumns order.
func scanQueueJob(row rowScanner) (models.QueueJob, error) {
	var j models.QueueJob
	var lockedBy, lastError, providerMessageID sql.NullString
	var lockExpiresAt, lastErrorAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.CampaignID, &j.ContactID, &j.Email, &j.FirstName, &j.LastName,
		&j.Subject, &j.Body, &j.ScheduledFor, &j.Status, &j.Attempts, &j.MaxAttempts,
		&lockedBy, &lockExpiresAt, &lastError, &lastErrorAt, &providerMessageID,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.LockedBy = lockedBy.String
	j.LastError = lastError.String
	j.ProviderMessageID = providerMessageID.String
	if lockExpiresAt.Valid {
		j.LockExpiresAt = &lockExpiresAt.Time
	}
	if lastErrorAt.Valid {
		j.LastErrorAt = &lastErrorAt.Time
	}
	return j, nil
}

// marshalMediaURLs encodes media references for the media_urls column.
func marshalMediaURLs(urls []string) (string, error) {
	if len(urls) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(urls)
	if err != nil {
		return "", fmt.Errorf("marshal media urls failed: %w", err)
	}
	return string(b), nil
}

// projectCampaignStatus derives the campaign rollup from recipient counts.
// Processing while any recipient is still in flight; sent only when every
// recipient sent; completed_with_errors otherwise.
func projectCampaignStatus(counts map[models.QueueJobStatus]int) models.CampaignStatus {
	if counts[models.JobStatusPending] > 0 || counts[models.JobStatusProcessing] > 0 {
		return models.CampaignStatusProcessing
	}
	if counts[models.JobStatusError] > 0 || counts[models.JobStatusDead] > 0 {
		return models.CampaignStatusCompletedWithErrors
	}
	return models.CampaignStatusSent
}
