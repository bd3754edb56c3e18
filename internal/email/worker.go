package email

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joshuapaschall/listhit/internal/models"
	"github.com/joshuapaschall/listhit/internal/sendfault"
	"github.com/joshuapaschall/listhit/internal/store"
)

// Worker tuning defaults.
const (
	// DefaultClaimLimit bounds one ProcessQueue invocation.
	DefaultClaimLimit = 25
	// DefaultLease is how long a claimed job stays invisible to other workers.
	DefaultLease = 2 * time.Minute
	// DefaultRetryBase seeds the exponential requeue backoff.
	DefaultRetryBase = 30 * time.Second
	// DefaultInterSendDelay is the fixed pause between consecutive sends,
	// additional pacing on top of the scheduler's spacing.
	DefaultInterSendDelay = 150 * time.Millisecond
	// DefaultThrottleRetries is the inline retry count when the provider
	// signals throttling, before the failure surfaces to the outer handler.
	DefaultThrottleRetries = 3
	// DefaultThrottleDelay is the linear backoff unit for inline retries.
	DefaultThrottleDelay = time.Second
	// DefaultConcurrency processes claimed jobs sequentially.
	DefaultConcurrency = 1
)

// WorkerConfig carries the worker's tuning knobs and identity.
type WorkerConfig struct {
	WorkerID        string
	BaseURL         string
	ClaimLimit      int
	Lease           time.Duration
	RetryBase       time.Duration
	InterSendDelay  time.Duration
	ThrottleRetries int
	ThrottleDelay   time.Duration
	Concurrency     int
}

func (c *WorkerConfig) applyDefaults() {
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = DefaultClaimLimit
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	// Zero means default; a negative value disables the pause.
	if c.InterSendDelay == 0 {
		c.InterSendDelay = DefaultInterSendDelay
	} else if c.InterSendDelay < 0 {
		c.InterSendDelay = 0
	}
	if c.ThrottleRetries <= 0 {
		c.ThrottleRetries = DefaultThrottleRetries
	}
	if c.ThrottleDelay <= 0 {
		c.ThrottleDelay = DefaultThrottleDelay
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
}

// Worker drains the email queue: it claims due jobs under a lease,
// dispatches them through the provider, and records outcomes. Multiple
// worker instances may run concurrently; exclusivity comes from the store's
// atomic claim, not from in-process locking.
type Worker struct {
	store    store.Store
	provider Provider
	cfg      WorkerConfig
}

// NewWorker creates a Worker. Zero-valued config fields take defaults.
func NewWorker(st store.Store, provider Provider, cfg WorkerConfig) *Worker {
	cfg.applyDefaults()
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-unknown"
	}
	return &Worker{store: st, provider: provider, cfg: cfg}
}

// ProcessResult summarizes one ProcessQueue invocation.
type ProcessResult struct {
	mu sync.Mutex

	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Requeued int `json:"requeued"`
	Dead     int `json:"dead"`
	Errored  int `json:"errored"`
}

// ProcessQueue claims up to limit due jobs (the configured claim limit when
// limit <= 0) and attempts each. Retryable send failures are contained
// here, requeued with backoff or dead-lettered; only datastore failures
// propagate to the caller.
func (w *Worker) ProcessQueue(ctx context.Context, limit int) (*ProcessResult, error) {
	if limit <= 0 {
		limit = w.cfg.ClaimLimit
	}

	jobs, err := w.store.ClaimDueJobs(time.Now(), limit, w.cfg.WorkerID, w.cfg.Lease)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}

	result := &ProcessResult{Claimed: len(jobs)}
	if len(jobs) == 0 {
		return result, nil
	}
	slog.Info("Worker.ProcessQueue: claimed jobs", "workerID", w.cfg.WorkerID, "count", len(jobs))

	if w.cfg.Concurrency == 1 {
		for i := range jobs {
			if err := w.handleJob(ctx, &jobs[i], result); err != nil {
				return result, err
			}
			if err := w.pause(ctx, w.cfg.InterSendDelay); err != nil {
				return result, nil
			}
		}
		return result, nil
	}

	// Bounded worker pool: suspension points are exactly the provider calls,
	// so the semaphore caps in-flight sends.
	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for i := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(job *models.QueueJob) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.handleJob(ctx, job, result); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(&jobs[i])
	}
	wg.Wait()
	return result, firstErr
}

// handleJob runs one job to a terminal or requeued state. The returned
// error is a datastore failure only; send failures are absorbed into the
// job's status.
func (w *Worker) handleJob(ctx context.Context, job *models.QueueJob, result *ProcessResult) error {
	if err := w.preflight(job); err != nil {
		slog.Error("Worker.handleJob: fatal precondition", "jobID", job.ID, "error", err)
		return w.finishFatal(job, result, err)
	}

	subject, html, unsubscribeURL := renderJob(job, w.cfg.BaseURL)
	req := SendRequest{
		To:      job.Email,
		Subject: subject,
		HTML:    html,
		Tags: map[string]string{
			"campaign_id": job.CampaignID,
			"job_id":      job.ID,
		},
		UnsubscribeURL: unsubscribeURL,
	}

	messageID, err := w.sendWithThrottleRetry(ctx, req)
	if err == nil {
		if err := w.store.MarkJobSent(job.ID, messageID); err != nil {
			return fmt.Errorf("mark job sent failed: %w", err)
		}
		result.addSent()
		slog.Debug("Worker.handleJob: job sent", "jobID", job.ID, "messageID", messageID)
		return w.mirrorAndRollup(job, models.JobStatusSent, "")
	}

	class := sendfault.Classify(err)
	if class.Retryable() {
		nextRun := time.Now().Add(sendfault.RetryDelay(w.cfg.RetryBase, job.Attempts+1))
		status, failErr := w.store.FailJob(job.ID, err.Error(), nextRun)
		if failErr != nil {
			return fmt.Errorf("fail job failed: %w", failErr)
		}
		if status == models.JobStatusDead {
			result.addDead()
			slog.Warn("Worker.handleJob: job dead-lettered", "jobID", job.ID, "attempts", job.Attempts+1, "error", err)
			return w.mirrorAndRollup(job, models.JobStatusDead, err.Error())
		}
		result.addRequeued()
		slog.Debug("Worker.handleJob: job requeued", "jobID", job.ID, "class", class.String(), "nextRun", nextRun)
		return nil
	}

	slog.Error("Worker.handleJob: fatal send failure", "jobID", job.ID, "class", class.String(), "error", err)
	return w.finishFatal(job, result, err)
}

// preflight checks the configuration preconditions that make a job
// undeliverable regardless of the provider: these are fatal, not retryable.
func (w *Worker) preflight(job *models.QueueJob) error {
	if w.cfg.BaseURL == "" {
		return sendfault.NewConfigError("BASE_URL")
	}
	if job.ContactID == "" {
		return sendfault.Invalid(fmt.Errorf("job %s has no contact id", job.ID))
	}
	if job.Email == "" {
		return sendfault.Invalid(fmt.Errorf("job %s has no recipient address", job.ID))
	}
	return nil
}

// sendWithThrottleRetry performs the provider call, retrying inline with
// linear backoff while the provider signals throttling. Any other failure
// surfaces immediately to the outer classification.
func (w *Worker) sendWithThrottleRetry(ctx context.Context, req SendRequest) (string, error) {
	var messageID string
	var err error
	for attempt := 0; ; attempt++ {
		messageID, err = w.provider.Send(ctx, req)
		if err == nil {
			return messageID, nil
		}
		if sendfault.Classify(err) != sendfault.ClassThrottled || attempt >= w.cfg.ThrottleRetries {
			return "", err
		}
		slog.Debug("Worker.sendWithThrottleRetry: throttled, retrying inline",
			"to", req.To, "attempt", attempt+1)
		if pauseErr := w.pause(ctx, time.Duration(attempt+1)*w.cfg.ThrottleDelay); pauseErr != nil {
			return "", err
		}
	}
}

func (w *Worker) finishFatal(job *models.QueueJob, result *ProcessResult, cause error) error {
	if err := w.store.MarkJobError(job.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark job error failed: %w", err)
	}
	result.addErrored()
	return w.mirrorAndRollup(job, models.JobStatusError, cause.Error())
}

// mirrorAndRollup mirrors the terminal status onto the campaign's recipient
// record and recomputes the campaign projection.
func (w *Worker) mirrorAndRollup(job *models.QueueJob, status models.QueueJobStatus, lastError string) error {
	if err := w.store.SetRecipientStatus(job.CampaignID, job.ContactID, status, lastError); err != nil {
		return fmt.Errorf("mirror recipient status failed: %w", err)
	}
	if _, err := w.store.RecomputeCampaignStatus(job.CampaignID); err != nil {
		return fmt.Errorf("campaign rollup failed: %w", err)
	}
	return nil
}

func (w *Worker) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (r *ProcessResult) addSent()     { r.mu.Lock(); r.Sent++; r.mu.Unlock() }
func (r *ProcessResult) addRequeued() { r.mu.Lock(); r.Requeued++; r.mu.Unlock() }
func (r *ProcessResult) addDead()     { r.mu.Lock(); r.Dead++; r.mu.Unlock() }
func (r *ProcessResult) addErrored()  { r.mu.Lock(); r.Errored++; r.mu.Unlock() }
