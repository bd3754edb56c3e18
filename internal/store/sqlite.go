// Package store provides storage backends for the ListHit dispatch engine.
//
// This file implements the SQLite-backed store, used for single-node
// deployments and local development. Claim atomicity relies on SQLite's
// database-level write lock: the select-and-lease runs in one transaction.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/joshuapaschall/listhit/internal/models"
	"github.com/joshuapaschall/listhit/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnqueueJobs(jobs []models.QueueJob) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("enqueue jobs begin failed: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	now := time.Now()
	for i := range jobs {
		j := &jobs[i]
		if j.ID == "" {
			j.ID = util.GenerateJobID()
		}
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO email_queue_jobs
			 (id, campaign_id, contact_id, email, first_name, last_name, subject, body,
			  scheduled_for, status, attempts, max_attempts, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)`,
			j.ID, j.CampaignID, j.ContactID, j.Email, j.FirstName, j.LastName,
			j.Subject, j.Body, j.ScheduledFor, j.MaxAttempts, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("enqueue job for contact %s failed: %w", j.ContactID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		inserted++
		_, err = tx.Exec(
			`INSERT OR IGNORE INTO campaign_recipients (campaign_id, contact_id, status, updated_at)
			 VALUES (?, ?, 'pending', ?)`,
			j.CampaignID, j.ContactID, now,
		)
		if err != nil {
			return 0, fmt.Errorf("mirror recipient for contact %s failed: %w", j.ContactID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("enqueue jobs commit failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueJobs", "requested", len(jobs), "inserted", inserted)
	return inserted, nil
}

func (s *SQLiteStore) ClaimDueJobs(now time.Time, limit int, workerID string, lease time.Duration) ([]models.QueueJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim due jobs begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT `+queueJobColumns+`
		 FROM email_queue_jobs
		 WHERE (status = 'pending' AND scheduled_for <= ?)
		    OR (status = 'processing' AND lock_expires_at IS NOT NULL AND lock_expires_at <= ?)
		 ORDER BY scheduled_for ASC LIMIT ?`,
		now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}

	var candidates []models.QueueJob
	for rows.Next() {
		j, err := scanQueueJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed job failed: %w", err)
		}
		candidates = append(candidates, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}
	rows.Close()

	expiry := now.Add(lease)
	var claimed []models.QueueJob
	for i := range candidates {
		j := candidates[i]
		res, err := tx.Exec(
			`UPDATE email_queue_jobs
			 SET status = 'processing', locked_by = ?, lock_expires_at = ?, updated_at = ?
			 WHERE id = ?
			   AND ((status = 'pending' AND scheduled_for <= ?)
			     OR (status = 'processing' AND lock_expires_at IS NOT NULL AND lock_expires_at <= ?))`,
			workerID, expiry, now, j.ID, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("mark job processing failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		j.Status = models.JobStatusProcessing
		j.LockedBy = workerID
		j.LockExpiresAt = &expiry
		claimed = append(claimed, j)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due jobs commit failed: %w", err)
	}
	slog.Debug("SQLiteStore.ClaimDueJobs", "workerID", workerID, "claimed", len(claimed))
	return claimed, nil
}

func (s *SQLiteStore) MarkJobSent(id, providerMessageID string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE email_queue_jobs
		 SET status = 'sent', provider_message_id = ?, locked_by = NULL,
		     lock_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		providerMessageID, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark job sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(id, errMsg string, nextRunAt time.Time) (models.QueueJobStatus, error) {
	now := time.Now()

	var attempts, maxAttempts int
	err := s.db.QueryRow(`SELECT attempts, max_attempts FROM email_queue_jobs WHERE id = ?`, id).
		Scan(&attempts, &maxAttempts)
	if err != nil {
		return "", fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempts++
	status := models.JobStatusPending
	if attempts >= maxAttempts {
		status = models.JobStatusDead
		_, err = s.db.Exec(
			`UPDATE email_queue_jobs
			 SET status = 'dead', attempts = ?, last_error = ?, last_error_at = ?,
			     locked_by = NULL, lock_expires_at = NULL, updated_at = ?
			 WHERE id = ? AND status = 'processing'`,
			attempts, errMsg, now, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE email_queue_jobs
			 SET status = 'pending', attempts = ?, last_error = ?, last_error_at = ?,
			     scheduled_for = ?, locked_by = NULL, lock_expires_at = NULL, updated_at = ?
			 WHERE id = ? AND status = 'processing'`,
			attempts, errMsg, now, nextRunAt, now, id,
		)
	}
	if err != nil {
		return "", fmt.Errorf("fail job update failed: %w", err)
	}
	return status, nil
}

func (s *SQLiteStore) MarkJobError(id, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE email_queue_jobs
		 SET status = 'error', attempts = attempts + 1, last_error = ?, last_error_at = ?,
		     locked_by = NULL, lock_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		errMsg, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark job error failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(id string) (*models.QueueJob, error) {
	row := s.db.QueryRow(
		`SELECT `+queueJobColumns+` FROM email_queue_jobs WHERE id = ?`, id,
	)
	j, err := scanQueueJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *SQLiteStore) CampaignJobStats(campaignID string) (map[models.QueueJobStatus]int, error) {
	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM email_queue_jobs WHERE campaign_id = ? GROUP BY status`,
		campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("campaign job stats failed: %w", err)
	}
	defer rows.Close()

	stats := make(map[models.QueueJobStatus]int)
	for rows.Next() {
		var status models.QueueJobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job stats failed: %w", err)
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job stats iteration failed: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) CreateCampaign(c *models.Campaign) error {
	if c.ID == "" {
		c.ID = util.GenerateCampaignID()
	}
	if c.Status == "" {
		c.Status = models.CampaignStatusDraft
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO campaigns (id, name, channel, subject, body, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Channel, c.Subject, c.Body, c.Status, now, now,
	)
	if err != nil {
		return fmt.Errorf("create campaign failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateCampaign", "id", c.ID, "name", c.Name)
	return nil
}

func (s *SQLiteStore) GetCampaign(id string) (*models.Campaign, error) {
	var c models.Campaign
	err := s.db.QueryRow(
		`SELECT id, name, channel, subject, body, status, created_at, updated_at
		 FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Channel, &c.Subject, &c.Body, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign failed: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) UpdateCampaignStatus(id string, status models.CampaignStatus) error {
	_, err := s.db.Exec(
		`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("update campaign status failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetRecipientStatus(campaignID, contactID string, status models.QueueJobStatus, lastError string) error {
	_, err := s.db.Exec(
		`INSERT INTO campaign_recipients (campaign_id, contact_id, status, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (campaign_id, contact_id)
		 DO UPDATE SET status = excluded.status, last_error = excluded.last_error, updated_at = excluded.updated_at`,
		campaignID, contactID, status, nilIfEmpty(lastError), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("set recipient status failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecomputeCampaignStatus(campaignID string) (models.CampaignStatus, error) {
	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM campaign_recipients WHERE campaign_id = ? GROUP BY status`,
		campaignID,
	)
	if err != nil {
		return "", fmt.Errorf("recipient stats failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.QueueJobStatus]int)
	for rows.Next() {
		var status models.QueueJobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return "", fmt.Errorf("scan recipient stats failed: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("recipient stats iteration failed: %w", err)
	}

	status := projectCampaignStatus(counts)
	if err := s.UpdateCampaignStatus(campaignID, status); err != nil {
		return "", err
	}
	slog.Debug("SQLiteStore.RecomputeCampaignStatus", "campaignID", campaignID, "status", status)
	return status, nil
}

func (s *SQLiteStore) GetStickySender(contactID string) (*models.StickySender, error) {
	var ss models.StickySender
	err := s.db.QueryRow(
		`SELECT contact_id, from_number, created_at FROM sticky_senders WHERE contact_id = ?`,
		contactID,
	).Scan(&ss.ContactID, &ss.FromNumber, &ss.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sticky sender failed: %w", err)
	}
	return &ss, nil
}

func (s *SQLiteStore) SetStickySenderIfAbsent(contactID, fromNumber string) (string, error) {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sticky_senders (contact_id, from_number, created_at)
		 VALUES (?, ?, ?)`,
		contactID, fromNumber, time.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("insert sticky sender failed: %w", err)
	}

	var winner string
	err = s.db.QueryRow(
		`SELECT from_number FROM sticky_senders WHERE contact_id = ?`, contactID,
	).Scan(&winner)
	if err != nil {
		return "", fmt.Errorf("read back sticky sender failed: %w", err)
	}
	return winner, nil
}

func (s *SQLiteStore) UpsertThread(contactID, phoneNumber, campaignID string) (string, error) {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO conversation_threads (id, contact_id, phone_number, campaign_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (contact_id, phone_number)
		 DO UPDATE SET updated_at = excluded.updated_at,
		               campaign_id = CASE WHEN excluded.campaign_id <> '' THEN excluded.campaign_id
		                                  ELSE conversation_threads.campaign_id END`,
		util.GenerateThreadID(), contactID, phoneNumber, campaignID, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("upsert thread failed: %w", err)
	}

	var threadID string
	err = s.db.QueryRow(
		`SELECT id FROM conversation_threads WHERE contact_id = ? AND phone_number = ?`,
		contactID, phoneNumber,
	).Scan(&threadID)
	if err != nil {
		return "", fmt.Errorf("read back thread failed: %w", err)
	}
	return threadID, nil
}

func (s *SQLiteStore) InsertMessage(m *models.Message) error {
	if m.ID == "" {
		m.ID = util.GenerateMessageID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	media, err := marshalMediaURLs(m.MediaURLs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO thread_messages (id, thread_id, direction, body, media_urls, bulk, provider_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Direction, m.Body, media, m.Bulk, m.ProviderMessageID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message failed: %w", err)
	}
	return nil
}
