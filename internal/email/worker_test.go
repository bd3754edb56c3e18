package email

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/joshuapaschall/listhit/internal/models"
	"github.com/joshuapaschall/listhit/internal/sendfault"
	"github.com/joshuapaschall/listhit/internal/store"
)

// scriptedProvider returns the queued errors in order, then succeeds.
type scriptedProvider struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (p *scriptedProvider) Send(ctx context.Context, req SendRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("ses-msg-%d", p.calls), nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func seedJob(t *testing.T, st store.Store, campaign *models.Campaign, contactID, email string, maxAttempts int) {
	t.Helper()
	inserted, err := st.EnqueueJobs([]models.QueueJob{{
		CampaignID:   campaign.ID,
		ContactID:    contactID,
		Email:        email,
		FirstName:    "Ada",
		Subject:      campaign.Subject,
		Body:         campaign.Body,
		ScheduledFor: time.Now().Add(-time.Minute),
		MaxAttempts:  maxAttempts,
	}})
	if err != nil {
		t.Fatalf("EnqueueJobs failed: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("expected 1 job inserted, got %d", inserted)
	}
}

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		WorkerID:       "test-worker",
		BaseURL:        "https://app.listhit.example.com",
		InterSendDelay: -1, // no pacing in tests
		ThrottleDelay:  time.Millisecond,
	}
}

func TestProcessQueueSendsAndRollsUp(t *testing.T) {
	st := store.NewInMemoryStore()
	campaign := newTestCampaign(t, st)
	seedJob(t, st, campaign, "ct_1", "ada@example.com", 3)

	provider := &scriptedProvider{}
	w := NewWorker(st, provider, testWorkerConfig())

	res, err := w.ProcessQueue(context.Background(), 0)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if res.Claimed != 1 || res.Sent != 1 {
		t.Errorf("expected 1 claimed and 1 sent, got %+v", res)
	}

	stats, err := st.CampaignJobStats(campaign.ID)
	if err != nil {
		t.Fatalf("CampaignJobStats failed: %v", err)
	}
	if stats[models.JobStatusSent] != 1 {
		t.Errorf("expected job marked sent, stats: %v", stats)
	}

	c, err := st.GetCampaign(campaign.ID)
	if err != nil || c == nil {
		t.Fatalf("GetCampaign failed: %v", err)
	}
	if c.Status != models.CampaignStatusSent {
		t.Errorf("expected campaign sent after last recipient delivered, got %s", c.Status)
	}
}

func TestProcessQueueRequeuesTransientFailure(t *testing.T) {
	st := store.NewInMemoryStore()
	campaign := newTestCampaign(t, st)
	seedJob(t, st, campaign, "ct_1", "ada@example.com", 3)

	provider := &scriptedProvider{errs: []error{sendfault.Transient(errors.New("connection reset"))}}
	w := NewWorker(st, provider, testWorkerConfig())

	res, err := w.ProcessQueue(context.Background(), 0)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if res.Requeued != 1 {
		t.Errorf("expected 1 requeued, got %+v", res)
	}

	// Job is pending again with backoff; nothing is due right now.
	jobs, err := st.ClaimDueJobs(time.Now(), 10, "other-worker", time.Minute)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("requeued job should not be due immediately, claimed %d", len(jobs))
	}

	// The campaign stays processing while a retry is outstanding.
	c, _ := st.GetCampaign(campaign.ID)
	if c.Status != models.CampaignStatusProcessing {
		t.Errorf("expected campaign still processing, got %s", c.Status)
	}
}

func TestProcessQueueDeadLettersAfterMaxAttempts(t *testing.T) {
	st := store.NewInMemoryStore()
	campaign := newTestCampaign(t, st)
	seedJob(t, st, campaign, "ct_1", "ada@example.com", 1)

	provider := &scriptedProvider{errs: []error{sendfault.Transient(errors.New("timeout"))}}
	w := NewWorker(st, provider, testWorkerConfig())

	res, err := w.ProcessQueue(context.Background(), 0)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if res.Dead != 1 {
		t.Errorf("expected 1 dead-lettered job, got %+v", res)
	}

	stats, _ := st.CampaignJobStats(campaign.ID)
	if stats[models.JobStatusDead] != 1 {
		t.Errorf("expected job dead, stats: %v", stats)
	}

	c, _ := st.GetCampaign(campaign.ID)
	if c.Status != models.CampaignStatusCompletedWithErrors {
		t.Errorf("expected campaign completed_with_errors, got %s", c.Status)
	}
}

func TestProcessQueueFatalValidationFailure(t *testing.T) {
	st := store.NewInMemoryStore()
	campaign := newTestCampaign(t, st)
	seedJob(t, st, campaign, "ct_1", "bad@example.com", 3)

	provider := &scriptedProvider{errs: []error{sendfault.Invalid(errors.New("address suppressed"))}}
	w := NewWorker(st, provider, testWorkerConfig())

	res, err := w.ProcessQueue(context.Background(), 0)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if res.Errored != 1 {
		t.Errorf("expected 1 errored job, got %+v", res)
	}
	if provider.callCount() != 1 {
		t.Errorf("validation failure must not be retried, provider called %d times", provider.callCount())
	}

	stats, _ := st.CampaignJobStats(campaign.ID)
	if stats[models.JobStatusError] != 1 {
		t.Errorf("expected job in error, stats: %v", stats)
	}
}

func TestProcessQueueMissingBaseURLIsFatal(t *testing.T) {
	st := store.NewInMemoryStore()
	campaign := newTestCampaign(t, st)
	seedJob(t, st, campaign, "ct_1", "ada@example.com", 3)

	provider := &scriptedProvider{}
	cfg := testWorkerConfig()
	cfg.BaseURL = ""
	w := NewWorker(st, provider, cfg)

	res, err := w.ProcessQueue(context.Background(), 0)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if res.Errored != 1 {
		t.Errorf("expected 1 errored job, got %+v", res)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider must not be called when config preflight fails, called %d times", provider.callCount())
	}
}

func TestProcessQueueThrottleRetriesInline(t *testing.T) {
	st := store.NewInMemoryStore()
	campaign := newTestCampaign(t, st)
	seedJob(t, st, campaign, "ct_1", "ada@example.com", 3)

	provider := &scriptedProvider{errs: []error{
		sendfault.Throttled(errors.New("rate exceeded")),
		sendfault.Throttled(errors.New("rate exceeded")),
	}}
	w := NewWorker(st, provider, testWorkerConfig())

	res, err := w.ProcessQueue(context.Background(), 0)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if res.Sent != 1 {
		t.Errorf("expected throttled send to succeed after inline retries, got %+v", res)
	}
	if provider.callCount() != 3 {
		t.Errorf("expected 3 provider calls (2 throttled + 1 success), got %d", provider.callCount())
	}
}

func TestProcessQueueThrottleExhaustionRequeues(t *testing.T) {
	st := store.NewInMemoryStore()
	campaign := newTestCampaign(t, st)
	seedJob(t, st, campaign, "ct_1", "ada@example.com", 3)

	throttled := sendfault.Throttled(errors.New("rate exceeded"))
	provider := &scriptedProvider{errs: []error{throttled, throttled, throttled, throttled}}
	cfg := testWorkerConfig()
	cfg.ThrottleRetries = 3
	w := NewWorker(st, provider, cfg)

	res, err := w.ProcessQueue(context.Background(), 0)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if res.Requeued != 1 {
		t.Errorf("expected exhausted throttle to requeue, got %+v", res)
	}
	if provider.callCount() != 4 {
		t.Errorf("expected 4 provider calls (1 + 3 retries), got %d", provider.callCount())
	}
}

func TestProcessQueueConcurrentWorkersSplitJobs(t *testing.T) {
	st := store.NewInMemoryStore()
	campaign := newTestCampaign(t, st)
	for i := 0; i < 6; i++ {
		seedJob(t, st, campaign, fmt.Sprintf("ct_%d", i), fmt.Sprintf("c%d@example.com", i), 3)
	}

	cfgA := testWorkerConfig()
	cfgA.WorkerID = "worker-a"
	cfgB := testWorkerConfig()
	cfgB.WorkerID = "worker-b"
	wa := NewWorker(st, &scriptedProvider{}, cfgA)
	wb := NewWorker(st, &scriptedProvider{}, cfgB)

	var wg sync.WaitGroup
	results := make([]*ProcessResult, 2)
	for i, w := range []*Worker{wa, wb} {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			res, err := w.ProcessQueue(context.Background(), 3)
			if err != nil {
				t.Errorf("ProcessQueue failed: %v", err)
				return
			}
			results[i] = res
		}(i, w)
	}
	wg.Wait()

	totalSent := results[0].Sent + results[1].Sent
	if totalSent != 6 {
		t.Errorf("expected every job sent exactly once across workers, got %d", totalSent)
	}

	stats, _ := st.CampaignJobStats(campaign.ID)
	if stats[models.JobStatusSent] != 6 {
		t.Errorf("expected 6 sent jobs, stats: %v", stats)
	}
}

func TestProcessQueueBoundedConcurrency(t *testing.T) {
	st := store.NewInMemoryStore()
	campaign := newTestCampaign(t, st)
	for i := 0; i < 8; i++ {
		seedJob(t, st, campaign, fmt.Sprintf("ct_%d", i), fmt.Sprintf("c%d@example.com", i), 3)
	}

	cfg := testWorkerConfig()
	cfg.Concurrency = 4
	w := NewWorker(st, &scriptedProvider{}, cfg)

	res, err := w.ProcessQueue(context.Background(), 0)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if res.Sent != 8 {
		t.Errorf("expected all 8 jobs sent, got %+v", res)
	}

	c, _ := st.GetCampaign(campaign.ID)
	if c.Status != models.CampaignStatusSent {
		t.Errorf("expected campaign sent, got %s", c.Status)
	}
}
