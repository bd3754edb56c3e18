package store

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/joshuapaschall/listhit/internal/models"
)

func testJob(campaignID, contactID string, due time.Time) models.QueueJob {
	return models.QueueJob{
		CampaignID:   campaignID,
		ContactID:    contactID,
		Email:        contactID + "@example.com",
		Subject:      "New listings",
		Body:         "<p>Hi</p>",
		ScheduledFor: due,
		MaxAttempts:  3,
	}
}

func TestInMemoryEnqueueIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	due := time.Now()

	jobs := []models.QueueJob{
		testJob("cmp_1", "ct_a", due),
		testJob("cmp_1", "ct_b", due),
	}
	n, err := s.EnqueueJobs(jobs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted, got %d", n)
	}

	// Re-submitting the same campaign/contact set is a no-op.
	n, err = s.EnqueueJobs([]models.QueueJob{
		testJob("cmp_1", "ct_a", due),
		testJob("cmp_1", "ct_b", due),
		testJob("cmp_1", "ct_c", due),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the new contact inserted, got %d", n)
	}

	stats, _ := s.CampaignJobStats("cmp_1")
	if stats[models.JobStatusPending] != 3 {
		t.Errorf("expected 3 pending jobs, got %d", stats[models.JobStatusPending])
	}
}

func TestInMemoryClaimLeaseExclusivity(t *testing.T) {
	s := NewInMemoryStore()
	due := time.Now().Add(-time.Minute)
	var jobs []models.QueueJob
	for _, ct := range []string{"a", "b", "c", "d", "e", "f"} {
		jobs = append(jobs, testJob("cmp_1", "ct_"+ct, due))
	}
	if _, err := s.EnqueueJobs(jobs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Now()
	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for _, worker := range []string{"w1", "w2"} {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			claimed, err := s.ClaimDueJobs(now, 4, workerID, time.Minute)
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, j := range claimed {
				if prev, dup := seen[j.ID]; dup {
					t.Errorf("job %s claimed by both %s and %s", j.ID, prev, workerID)
				}
				seen[j.ID] = workerID
			}
		}(worker)
	}
	wg.Wait()

	if len(seen) != 6 {
		t.Errorf("expected all 6 jobs claimed exactly once, got %d", len(seen))
	}
}

func TestInMemoryClaimSkipsHeldLease(t *testing.T) {
	s := NewInMemoryStore()
	due := time.Now().Add(-time.Minute)
	if _, err := s.EnqueueJobs([]models.QueueJob{testJob("cmp_1", "ct_a", due)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Now()
	first, _ := s.ClaimDueJobs(now, 10, "w1", time.Minute)
	if len(first) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(first))
	}

	// An unexpired lease hides the job from other workers.
	second, _ := s.ClaimDueJobs(now, 10, "w2", time.Minute)
	if len(second) != 0 {
		t.Fatalf("expected 0 claimed while lease held, got %d", len(second))
	}

	// After expiry the job becomes claimable again.
	later := now.Add(2 * time.Minute)
	third, _ := s.ClaimDueJobs(later, 10, "w2", time.Minute)
	if len(third) != 1 {
		t.Fatalf("expected 1 reclaimed after lease expiry, got %d", len(third))
	}
	if third[0].LockedBy != "w2" {
		t.Errorf("expected lease owner w2, got %s", third[0].LockedBy)
	}
}

func TestInMemoryTerminalImmutability(t *testing.T) {
	s := NewInMemoryStore()
	due := time.Now().Add(-time.Minute)
	if _, err := s.EnqueueJobs([]models.QueueJob{testJob("cmp_1", "ct_a", due)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	claimed, _ := s.ClaimDueJobs(time.Now(), 1, "w1", time.Minute)
	id := claimed[0].ID

	if err := s.MarkJobSent(id, "prov-123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A sent job never transitions to any other status.
	if _, err := s.FailJob(id, "late failure", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.MarkJobError(id, "late fatal"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j, _ := s.GetJob(id)
	if j.Status != models.JobStatusSent {
		t.Errorf("expected status sent, got %s", j.Status)
	}
	if j.ProviderMessageID != "prov-123" {
		t.Errorf("expected provider message id preserved, got %q", j.ProviderMessageID)
	}
}

func TestInMemoryFailJobDeadLetterThreshold(t *testing.T) {
	s := NewInMemoryStore()
	due := time.Now().Add(-time.Minute)
	if _, err := s.EnqueueJobs([]models.QueueJob{testJob("cmp_1", "ct_a", due)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// MaxAttempts is 3: two retryable failures requeue, the third dead-letters.
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, _ := s.ClaimDueJobs(time.Now().Add(time.Hour), 1, "w1", time.Minute)
		if len(claimed) != 1 {
			t.Fatalf("attempt %d: expected to claim job, got %d", attempt, len(claimed))
		}
		status, err := s.FailJob(claimed[0].ID, "timeout", time.Now())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := models.JobStatusPending
		if attempt == 3 {
			want = models.JobStatusDead
		}
		if status != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, status)
		}
	}

	// A dead job never re-enters pending.
	claimed, _ := s.ClaimDueJobs(time.Now().Add(time.Hour), 1, "w1", time.Minute)
	if len(claimed) != 0 {
		t.Errorf("dead job should not be claimable, got %d", len(claimed))
	}
}

func TestInMemoryStickySenderFirstSuccessWins(t *testing.T) {
	s := NewInMemoryStore()

	winner, err := s.SetStickySenderIfAbsent("ct_a", "+15550001111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner != "+15550001111" {
		t.Errorf("expected first number to win, got %s", winner)
	}

	// A later provider-offered number never overwrites the mapping.
	winner, err = s.SetStickySenderIfAbsent("ct_a", "+17770002222")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner != "+15550001111" {
		t.Errorf("expected original number to win, got %s", winner)
	}

	ss, _ := s.GetStickySender("ct_a")
	if ss == nil || ss.FromNumber != "+15550001111" {
		t.Errorf("expected stored mapping +15550001111, got %+v", ss)
	}
}

func TestInMemoryUpsertThreadNoDuplicates(t *testing.T) {
	s := NewInMemoryStore()

	id1, err := s.UpsertThread("ct_a", "+15550001111", "cmp_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := s.UpsertThread("ct_a", "+15550001111", "cmp_2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected same thread id for repeated sends, got %s and %s", id1, id2)
	}
	if s.ThreadCount() != 1 {
		t.Errorf("expected 1 thread, got %d", s.ThreadCount())
	}

	id3, _ := s.UpsertThread("ct_a", "+15559993333", "")
	if id3 == id1 {
		t.Errorf("different number should create a distinct thread")
	}
	if s.ThreadCount() != 2 {
		t.Errorf("expected 2 threads, got %d", s.ThreadCount())
	}
}

func TestInMemoryCampaignRollup(t *testing.T) {
	s := NewInMemoryStore()
	c := &models.Campaign{Name: "Spring blast", Channel: "email"}
	if err := s.CreateCampaign(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.SetRecipientStatus(c.ID, "ct_a", models.JobStatusPending, "")
	s.SetRecipientStatus(c.ID, "ct_b", models.JobStatusSent, "")
	status, err := s.RecomputeCampaignStatus(c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != models.CampaignStatusProcessing {
		t.Errorf("expected processing while a recipient is pending, got %s", status)
	}

	s.SetRecipientStatus(c.ID, "ct_a", models.JobStatusSent, "")
	status, _ = s.RecomputeCampaignStatus(c.ID)
	if status != models.CampaignStatusSent {
		t.Errorf("expected sent when all recipients sent, got %s", status)
	}

	s.SetRecipientStatus(c.ID, "ct_b", models.JobStatusDead, "timeout")
	status, _ = s.RecomputeCampaignStatus(c.ID)
	if status != models.CampaignStatusCompletedWithErrors {
		t.Errorf("expected completed_with_errors, got %s", status)
	}
}

func TestPostgresStoreIntegration(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	pgStore.db.Exec("DELETE FROM email_queue_jobs")
	pgStore.db.Exec("DELETE FROM campaign_recipients")

	due := time.Now().Add(-time.Minute)
	n, err := pgStore.EnqueueJobs([]models.QueueJob{testJob("cmp_it", "ct_it", due)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 inserted, got %d", n)
	}

	n, err = pgStore.EnqueueJobs([]models.QueueJob{testJob("cmp_it", "ct_it", due)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected duplicate enqueue to be a no-op, got %d", n)
	}

	claimed, err := pgStore.ClaimDueJobs(time.Now(), 10, "it-worker", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(claimed))
	}
	if err := pgStore.MarkJobSent(claimed[0].ID, "prov-it"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j, err := pgStore.GetJob(claimed[0].ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Status != models.JobStatusSent || j.LockExpiresAt != nil {
		t.Errorf("expected sent with cleared lease, got %+v", j)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
