package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/joshuapaschall/listhit/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "listhit_test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteEnqueueClaimLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	due := time.Now().Add(-time.Minute)

	n, err := s.EnqueueJobs([]models.QueueJob{
		testJob("cmp_1", "ct_a", due),
		testJob("cmp_1", "ct_b", due),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted, got %d", n)
	}

	// Duplicate submission is ignored on the (campaign, contact) key.
	n, err = s.EnqueueJobs([]models.QueueJob{testJob("cmp_1", "ct_a", due)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected duplicate to be ignored, got %d", n)
	}

	claimed, err := s.ClaimDueJobs(time.Now(), 10, "w1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(claimed))
	}
	for _, j := range claimed {
		if j.Status != models.JobStatusProcessing || j.LockedBy != "w1" || j.LockExpiresAt == nil {
			t.Errorf("claimed job missing lease fields: %+v", j)
		}
	}

	// Claimed jobs are invisible while the lease holds.
	again, err := s.ClaimDueJobs(time.Now(), 10, "w2", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected 0 while leases held, got %d", len(again))
	}

	if err := s.MarkJobSent(claimed[0].ID, "prov-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j, err := s.GetJob(claimed[0].ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Status != models.JobStatusSent || j.ProviderMessageID != "prov-1" {
		t.Errorf("expected sent with provider id, got %+v", j)
	}
	if j.LockedBy != "" || j.LockExpiresAt != nil {
		t.Errorf("expected lease cleared on sent, got %+v", j)
	}

	status, err := s.FailJob(claimed[1].ID, "i/o timeout", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != models.JobStatusPending {
		t.Errorf("expected requeue to pending, got %s", status)
	}
	j, _ = s.GetJob(claimed[1].ID)
	if j.Attempts != 1 || j.LastError != "i/o timeout" || j.LastErrorAt == nil {
		t.Errorf("expected attempt bump and error recorded, got %+v", j)
	}
}

func TestSQLiteFailJobExhaustsToDead(t *testing.T) {
	s := newTestSQLiteStore(t)
	due := time.Now().Add(-time.Minute)
	if _, err := s.EnqueueJobs([]models.QueueJob{testJob("cmp_1", "ct_a", due)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.ClaimDueJobs(time.Now().Add(time.Hour), 1, "w1", time.Minute)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(claimed) != 1 {
			t.Fatalf("attempt %d: expected claim, got %d jobs", attempt, len(claimed))
		}
		status, err := s.FailJob(claimed[0].ID, "throttled", time.Now())
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

	claimed, _ := s.ClaimDueJobs(time.Now().Add(time.Hour), 1, "w1", time.Minute)
	if len(claimed) != 0 {
		t.Errorf("dead job must not be claimable, got %d", len(claimed))
	}
}

func TestSQLiteStickyAndThreads(t *testing.T) {
	s := newTestSQLiteStore(t)

	winner, err := s.SetStickySenderIfAbsent("ct_a", "+15550001111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner != "+15550001111" {
		t.Errorf("expected inserted number, got %s", winner)
	}
	winner, err = s.SetStickySenderIfAbsent("ct_a", "+17770002222")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner != "+15550001111" {
		t.Errorf("expected first mapping to stick, got %s", winner)
	}

	id1, err := s.UpsertThread("ct_a", "+15550001111", "cmp_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := s.UpsertThread("ct_a", "+15550001111", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("repeated upsert created a second thread: %s vs %s", id1, id2)
	}

	err = s.InsertMessage(&models.Message{
		ThreadID:  id1,
		Direction: models.DirectionOutbound,
		Body:      "New listing on Oak St",
		MediaURLs: []string{"https://cdn.example.com/1.jpg"},
		Bulk:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSQLiteCampaignRollup(t *testing.T) {
	s := newTestSQLiteStore(t)
	c := &models.Campaign{Name: "Open house", Channel: "email"}
	if err := s.CreateCampaign(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.SetRecipientStatus(c.ID, "ct_a", models.JobStatusSent, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SetRecipientStatus(c.ID, "ct_b", models.JobStatusError, "bad address"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, err := s.RecomputeCampaignStatus(c.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != models.CampaignStatusCompletedWithErrors {
		t.Errorf("expected completed_with_errors, got %s", status)
	}

	got, _ := s.GetCampaign(c.ID)
	if got.Status != models.CampaignStatusCompletedWithErrors {
		t.Errorf("expected persisted rollup, got %s", got.Status)
	}
}
