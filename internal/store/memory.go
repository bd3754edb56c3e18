// Package store provides storage backends for the ListHit dispatch engine.
//
// This file implements an in-memory store with the same transition rules as
// the SQL backends. It backs unit tests and local dry runs.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/joshuapaschall/listhit/internal/models"
	"github.com/joshuapaschall/listhit/internal/util"
)

type InMemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]*models.QueueJob
	jobKeys    map[string]string // campaign_id|contact_id -> job id
	campaigns  map[string]*models.Campaign
	recipients map[string]*recipientRecord // campaign_id|contact_id
	sticky     map[string]*models.StickySender
	threads    map[string]*models.ConversationThread // contact_id|phone_number
	messages   []models.Message
}

type recipientRecord struct {
	campaignID string
	contactID  string
	status     models.QueueJobStatus
	lastError  string
	updatedAt  time.Time
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:       make(map[string]*models.QueueJob),
		jobKeys:    make(map[string]string),
		campaigns:  make(map[string]*models.Campaign),
		recipients: make(map[string]*recipientRecord),
		sticky:     make(map[string]*models.StickySender),
		threads:    make(map[string]*models.ConversationThread),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func pairKey(campaignID, contactID string) string {
	return campaignID + "|" + contactID
}

func (s *InMemoryStore) EnqueueJobs(jobs []models.QueueJob) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	now := time.Now()
	for i := range jobs {
		j := jobs[i]
		key := pairKey(j.CampaignID, j.ContactID)
		if _, exists := s.jobKeys[key]; exists {
			continue
		}
		if j.ID == "" {
			j.ID = util.GenerateJobID()
		}
		j.Status = models.JobStatusPending
		j.Attempts = 0
		j.CreatedAt = now
		j.UpdatedAt = now
		s.jobs[j.ID] = &j
		s.jobKeys[key] = j.ID
		if _, exists := s.recipients[key]; !exists {
			s.recipients[key] = &recipientRecord{
				campaignID: j.CampaignID,
				contactID:  j.ContactID,
				status:     models.JobStatusPending,
				updatedAt:  now,
			}
		}
		inserted++
	}
	return inserted, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int, workerID string, lease time.Duration) ([]models.QueueJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.QueueJob
	for _, j := range s.jobs {
		if j.Status == models.JobStatusPending && !j.ScheduledFor.After(now) {
			due = append(due, j)
			continue
		}
		if j.Status == models.JobStatusProcessing && j.LockExpiresAt != nil && !j.LockExpiresAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].ScheduledFor.Before(due[k].ScheduledFor) })
	if len(due) > limit {
		due = due[:limit]
	}

	expiry := now.Add(lease)
	claimed := make([]models.QueueJob, 0, len(due))
	for _, j := range due {
		j.Status = models.JobStatusProcessing
		j.LockedBy = workerID
		exp := expiry
		j.LockExpiresAt = &exp
		j.UpdatedAt = now
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkJobSent(id, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if j.Status != models.JobStatusProcessing {
		return nil
	}
	j.Status = models.JobStatusSent
	j.ProviderMessageID = providerMessageID
	j.LockedBy = ""
	j.LockExpiresAt = nil
	j.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) FailJob(id, errMsg string, nextRunAt time.Time) (models.QueueJobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return "", fmt.Errorf("job %s not found", id)
	}

	attempts := j.Attempts + 1
	status := models.JobStatusPending
	if attempts >= j.MaxAttempts {
		status = models.JobStatusDead
	}

	if j.Status != models.JobStatusProcessing {
		return status, nil
	}

	now := time.Now()
	j.Attempts = attempts
	j.LastError = errMsg
	j.LastErrorAt = &now
	j.LockedBy = ""
	j.LockExpiresAt = nil
	j.UpdatedAt = now
	j.Status = status
	if status == models.JobStatusPending {
		j.ScheduledFor = nextRunAt
	}
	return status, nil
}

func (s *InMemoryStore) MarkJobError(id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if j.Status != models.JobStatusProcessing {
		return nil
	}
	now := time.Now()
	j.Status = models.JobStatusError
	j.Attempts++
	j.LastError = errMsg
	j.LastErrorAt = &now
	j.LockedBy = ""
	j.LockExpiresAt = nil
	j.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) GetJob(id string) (*models.QueueJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *InMemoryStore) CampaignJobStats(campaignID string) (map[models.QueueJobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[models.QueueJobStatus]int)
	for _, j := range s.jobs {
		if j.CampaignID == campaignID {
			stats[j.Status]++
		}
	}
	return stats, nil
}

func (s *InMemoryStore) CreateCampaign(c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = util.GenerateCampaignID()
	}
	if c.Status == "" {
		c.Status = models.CampaignStatusDraft
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetCampaign(id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) UpdateCampaignStatus(id string, status models.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s not found", id)
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) SetRecipientStatus(campaignID, contactID string, status models.QueueJobStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(campaignID, contactID)
	s.recipients[key] = &recipientRecord{
		campaignID: campaignID,
		contactID:  contactID,
		status:     status,
		lastError:  lastError,
		updatedAt:  time.Now(),
	}
	return nil
}

func (s *InMemoryStore) RecomputeCampaignStatus(campaignID string) (models.CampaignStatus, error) {
	s.mu.Lock()
	counts := make(map[models.QueueJobStatus]int)
	for _, r := range s.recipients {
		if r.campaignID == campaignID {
			counts[r.status]++
		}
	}
	status := projectCampaignStatus(counts)
	c, ok := s.campaigns[campaignID]
	if ok {
		c.Status = status
		c.UpdatedAt = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("campaign %s not found", campaignID)
	}
	return status, nil
}

func (s *InMemoryStore) GetStickySender(contactID string) (*models.StickySender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sticky[contactID]
	if !ok {
		return nil, nil
	}
	cp := *ss
	return &cp, nil
}

func (s *InMemoryStore) SetStickySenderIfAbsent(contactID, fromNumber string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sticky[contactID]; ok {
		return existing.FromNumber, nil
	}
	s.sticky[contactID] = &models.StickySender{
		ContactID:  contactID,
		FromNumber: fromNumber,
		CreatedAt:  time.Now(),
	}
	return fromNumber, nil
}

func (s *InMemoryStore) UpsertThread(contactID, phoneNumber, campaignID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := contactID + "|" + phoneNumber
	now := time.Now()
	if t, ok := s.threads[key]; ok {
		t.UpdatedAt = now
		if campaignID != "" {
			t.CampaignID = campaignID
		}
		return t.ID, nil
	}
	t := &models.ConversationThread{
		ID:          util.GenerateThreadID(),
		ContactID:   contactID,
		PhoneNumber: phoneNumber,
		CampaignID:  campaignID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.threads[key] = t
	return t.ID, nil
}

func (s *InMemoryStore) InsertMessage(m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = util.GenerateMessageID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, *m)
	return nil
}

// Messages returns a copy of all recorded messages. Test helper.
func (s *InMemoryStore) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ThreadCount returns the number of distinct conversation threads. Test helper.
func (s *InMemoryStore) ThreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}
