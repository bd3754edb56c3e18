// Package store provides storage backends for the ListHit dispatch engine.
//
// This file implements the PostgreSQL-backed store. The claim primitive uses
// FOR UPDATE SKIP LOCKED so that concurrent workers never lease the same job.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/joshuapaschall/listhit/internal/models"
	"github.com/joshuapaschall/listhit/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) EnqueueJobs(jobs []models.QueueJob) (int, error) {
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
			`INSERT INTO email_queue_jobs
			 (id, campaign_id, contact_id, email, first_name, last_name, subject, body,
			  scheduled_for, status, attempts, max_attempts, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', 0, $10, $11, $11)
			 ON CONFLICT (campaign_id, contact_id) DO NOTHING`,
			j.ID, j.CampaignID, j.ContactID, j.Email, j.FirstName, j.LastName,
			j.Subject, j.Body, j.ScheduledFor, j.MaxAttempts, now,
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
			`INSERT INTO campaign_recipients (campaign_id, contact_id, status, updated_at)
			 VALUES ($1, $2, 'pending', $3)
			 ON CONFLICT (campaign_id, contact_id) DO NOTHING`,
			j.CampaignID, j.ContactID, now,
		)
		if err != nil {
			return 0, fmt.Errorf("mirror recipient for contact %s failed: %w", j.ContactID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("enqueue jobs commit failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueJobs", "requested", len(jobs), "inserted", inserted)
	return inserted, nil
}

func (s *PostgresStore) ClaimDueJobs(now time.Time, limit int, workerID string, lease time.Duration) ([]models.QueueJob, error) {
	expiry := now.Add(lease)
	rows, err := s.db.Query(
		`UPDATE email_queue_jobs
		 SET status = 'processing', locked_by = $2, lock_expires_at = $3, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM email_queue_jobs
		   WHERE (status = 'pending' AND scheduled_for <= $1)
		      OR (status = 'processing' AND lock_expires_at IS NOT NULL AND lock_expires_at <= $1)
		   ORDER BY scheduled_for ASC LIMIT $4
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+queueJobColumns,
		now, workerID, expiry, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}
	defer rows.Close()

	var jobs []models.QueueJob
	for rows.Next() {
		j, err := scanQueueJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}
	slog.Debug("PostgresStore.ClaimDueJobs", "workerID", workerID, "claimed", len(jobs))
	return jobs, nil
}

func (s *PostgresStore) MarkJobSent(id, providerMessageID string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE email_queue_jobs
		 SET status = 'sent', provider_message_id = $1, locked_by = NULL,
		     lock_expires_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = 'processing'`,
		providerMessageID, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark job sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailJob(id, errMsg string, nextRunAt time.Time) (models.QueueJobStatus, error) {
	now := time.Now()

	var attempts, maxAttempts int
	err := s.db.QueryRow(`SELECT attempts, max_attempts FROM email_queue_jobs WHERE id = $1`, id).
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
			 SET status = 'dead', attempts = $1, last_error = $2, last_error_at = $3,
			     locked_by = NULL, lock_expires_at = NULL, updated_at = $3
			 WHERE id = $4 AND status = 'processing'`,
			attempts, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE email_queue_jobs
			 SET status = 'pending', attempts = $1, last_error = $2, last_error_at = $3,
			     scheduled_for = $4, locked_by = NULL, lock_expires_at = NULL, updated_at = $3
			 WHERE id = $5 AND status = 'processing'`,
			attempts, errMsg, now, nextRunAt, id,
		)
	}
	if err != nil {
		return "", fmt.Errorf("fail job update failed: %w", err)
	}
	return status, nil
}

func (s *PostgresStore) MarkJobError(id, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE email_queue_jobs
		 SET status = 'error', attempts = attempts + 1, last_error = $1, last_error_at = $2,
		     locked_by = NULL, lock_expires_at = NULL, updated_at = $2
		 WHERE id = $3 AND status = 'processing'`,
		errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark job error failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(id string) (*models.QueueJob, error) {
	row := s.db.QueryRow(
		`SELECT `+queueJobColumns+` FROM email_queue_jobs WHERE id = $1`, id,
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

func (s *PostgresStore) CampaignJobStats(campaignID string) (map[models.QueueJobStatus]int, error) {
	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM email_queue_jobs WHERE campaign_id = $1 GROUP BY status`,
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

func (s *PostgresStore) CreateCampaign(c *models.Campaign) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		c.ID, c.Name, c.Channel, c.Subject, c.Body, c.Status, now,
	)
	if err != nil {
		return fmt.Errorf("create campaign failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateCampaign", "id", c.ID, "name", c.Name)
	return nil
}

func (s *PostgresStore) GetCampaign(id string) (*models.Campaign, error) {
	var c models.Campaign
	err := s.db.QueryRow(
		`SELECT id, name, channel, subject, body, status, created_at, updated_at
		 FROM campaigns WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Channel, &c.Subject, &c.Body, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign failed: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) UpdateCampaignStatus(id string, status models.CampaignStatus) error {
	_, err := s.db.Exec(
		`UPDATE campaigns SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("update campaign status failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetRecipientStatus(campaignID, contactID string, status models.QueueJobStatus, lastError string) error {
	_, err := s.db.Exec(
		`INSERT INTO campaign_recipients (campaign_id, contact_id, status, last_error, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (campaign_id, contact_id)
		 DO UPDATE SET status = EXCLUDED.status, last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at`,
		campaignID, contactID, status, nilIfEmpty(lastError), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("set recipient status failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecomputeCampaignStatus(campaignID string) (models.CampaignStatus, error) {
	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM campaign_recipients WHERE campaign_id = $1 GROUP BY status`,
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
	slog.Debug("PostgresStore.RecomputeCampaignStatus", "campaignID", campaignID, "status", status)
	return status, nil
}

func (s *PostgresStore) GetStickySender(contactID string) (*models.StickySender, error) {
	var ss models.StickySender
	err := s.db.QueryRow(
		`SELECT contact_id, from_number, created_at FROM sticky_senders WHERE contact_id = $1`,
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

func (s *PostgresStore) SetStickySenderIfAbsent(contactID, fromNumber string) (string, error) {
	// Conditional insert: first success wins, later writers read back the
	// stored number instead of overwriting.
	_, err := s.db.Exec(
		`INSERT INTO sticky_senders (contact_id, from_number, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (contact_id) DO NOTHING`,
		contactID, fromNumber, time.Now(),
	)
	if err != nil {
		return "", fmt.Errorf("insert sticky sender failed: %w", err)
	}

	var winner string
	err = s.db.QueryRow(
		`SELECT from_number FROM sticky_senders WHERE contact_id = $1`, contactID,
	).Scan(&winner)
	if err != nil {
		return "", fmt.Errorf("read back sticky sender failed: %w", err)
	}
	return winner, nil
}

func (s *PostgresStore) UpsertThread(contactID, phoneNumber, campaignID string) (string, error) {
	id := util.GenerateThreadID()
	now := time.Now()
	var threadID string
	err := s.db.QueryRow(
		`INSERT INTO conversation_threads (id, contact_id, phone_number, campaign_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (contact_id, phone_number)
		 DO UPDATE SET updated_at = EXCLUDED.updated_at,
		               campaign_id = CASE WHEN EXCLUDED.campaign_id <> '' THEN EXCLUDED.campaign_id
		                                  ELSE conversation_threads.campaign_id END
		 RETURNING id`,
		id, contactID, phoneNumber, campaignID, now,
	).Scan(&threadID)
	if err != nil {
		return "", fmt.Errorf("upsert thread failed: %w", err)
	}
	return threadID, nil
}

func (s *PostgresStore) InsertMessage(m *models.Message) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ThreadID, m.Direction, m.Body, media, m.Bulk, m.ProviderMessageID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message failed: %w", err)
	}
	return nil
}
