package email

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/joshuapaschall/listhit/internal/models"
	"github.com/joshuapaschall/listhit/internal/store"
)

// Scheduler tuning defaults. All knobs live on SchedulerConfig so tests
// can pin them without touching the process environment.
const (
	// DefaultRateHeadroom discounts the provider's instantaneous rate limit.
	DefaultRateHeadroom = 0.8
	// DefaultBudgetHeadroom discounts the provider's rolling 24-hour budget.
	DefaultBudgetHeadroom = 0.9
	// DefaultMinSpacing and DefaultMaxSpacing clamp the computed inter-send gap.
	DefaultMinSpacing = 50 * time.Millisecond
	DefaultMaxSpacing = 2 * time.Second
	// DefaultMaxAttempts is the per-job retry budget before dead-lettering.
	DefaultMaxAttempts = 5
)

// SchedulerConfig carries the scheduler's tuning knobs.
type SchedulerConfig struct {
	RateHeadroom   float64
	BudgetHeadroom float64
	MinSpacing     time.Duration
	MaxSpacing     time.Duration
	MaxAttempts    int
}

func (c *SchedulerConfig) applyDefaults() {
	if c.RateHeadroom <= 0 || c.RateHeadroom > 1 {
		c.RateHeadroom = DefaultRateHeadroom
	}
	if c.BudgetHeadroom <= 0 || c.BudgetHeadroom > 1 {
		c.BudgetHeadroom = DefaultBudgetHeadroom
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = DefaultMinSpacing
	}
	if c.MaxSpacing <= 0 {
		c.MaxSpacing = DefaultMaxSpacing
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// Scheduler converts a campaign and its contact list into time-sliced queue
// rows that honor the provider's rate and rolling-window quota.
type Scheduler struct {
	store store.Store
	quota QuotaOracle
	cfg   SchedulerConfig
}

// NewScheduler creates a Scheduler. Zero-valued config fields take defaults.
func NewScheduler(st store.Store, quota QuotaOracle, cfg SchedulerConfig) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{store: st, quota: quota, cfg: cfg}
}

// ScheduleResult summarizes one scheduling run.
type ScheduleResult struct {
	CampaignID  string        `json:"campaign_id"`
	JobsCreated int           `json:"jobs_created"`
	Skipped     int           `json:"skipped"`
	Spacing     time.Duration `json:"spacing"`
	Windows     int           `json:"windows"`
}

// Schedule creates one queue job per contact. Jobs are spaced by the
// quota-derived gap; when the 24-hour budget is finite, contacts beyond the
// discounted budget roll into windows one day apart. Insertion is
// insert-ignore on (campaign, contact), so re-invoking for the same set is
// a safe no-op. The campaign is marked processing as a side effect.
func (s *Scheduler) Schedule(ctx context.Context, campaign *models.Campaign, contacts []models.Contact) (*ScheduleResult, error) {
	quota, err := s.quota.GetQuota(ctx)
	if err != nil {
		return nil, fmt.Errorf("quota lookup failed: %w", err)
	}

	spacing := s.spacingFor(quota.MaxSendRate)
	base := time.Now()

	windowSize := 0
	firstWindow := 0
	if !quota.Unlimited24h() {
		windowSize = int(math.Floor(quota.Max24HourSend * s.cfg.BudgetHeadroom))
		if windowSize < 1 {
			return nil, fmt.Errorf("24h budget %.0f leaves no sendable window", quota.Max24HourSend)
		}
		firstWindow = windowSize - int(quota.SentLast24Hours)
		if firstWindow < 0 {
			firstWindow = 0
		}
	}

	jobs := make([]models.QueueJob, 0, len(contacts))
	skipped := 0
	day, slot := 0, 0
	capacity := firstWindow
	for _, ct := range contacts {
		if ct.Email == "" {
			skipped++
			continue
		}
		scheduledFor := base.Add(time.Duration(len(jobs)) * spacing)
		if windowSize > 0 {
			for capacity == 0 {
				day++
				slot = 0
				capacity = windowSize
			}
			scheduledFor = base.Add(time.Duration(day)*24*time.Hour + time.Duration(slot)*spacing)
			slot++
			capacity--
		}
		jobs = append(jobs, models.QueueJob{
			CampaignID:   campaign.ID,
			ContactID:    ct.ID,
			Email:        ct.Email,
			FirstName:    ct.FirstName,
			LastName:     ct.LastName,
			Subject:      campaign.Subject,
			Body:         campaign.Body,
			ScheduledFor: scheduledFor,
			MaxAttempts:  s.cfg.MaxAttempts,
		})
	}

	inserted, err := s.store.EnqueueJobs(jobs)
	if err != nil {
		return nil, fmt.Errorf("enqueue jobs failed: %w", err)
	}

	if err := s.store.UpdateCampaignStatus(campaign.ID, models.CampaignStatusProcessing); err != nil {
		return nil, fmt.Errorf("mark campaign processing failed: %w", err)
	}

	windows := 1
	if windowSize > 0 {
		windows = day + 1
	}
	slog.Info("Scheduler.Schedule: campaign scheduled",
		"campaignID", campaign.ID, "contacts", len(contacts), "inserted", inserted,
		"skipped", skipped, "spacing", spacing, "windows", windows)
	return &ScheduleResult{
		CampaignID:  campaign.ID,
		JobsCreated: inserted,
		Skipped:     skipped,
		Spacing:     spacing,
		Windows:     windows,
	}, nil
}

// spacingFor derives the inter-send gap from the provider's instantaneous
// rate limit discounted by the configured headroom, clamped to the
// [MinSpacing, MaxSpacing] range. An unknown rate gets the maximum gap.
func (s *Scheduler) spacingFor(maxRate float64) time.Duration {
	if maxRate <= 0 {
		return s.cfg.MaxSpacing
	}
	ms := math.Ceil(1000.0 / (maxRate * s.cfg.RateHeadroom))
	spacing := time.Duration(ms) * time.Millisecond
	if spacing < s.cfg.MinSpacing {
		spacing = s.cfg.MinSpacing
	}
	if spacing > s.cfg.MaxSpacing {
		spacing = s.cfg.MaxSpacing
	}
	return spacing
}
