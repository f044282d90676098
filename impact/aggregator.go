// Package impact maintains per-user cumulative impact statistics. Counters
// are updated inside the same transaction as the enrollment change that
// produced them, so stats never drift from the participation records.
package impact

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rezrewards/models"
)

// ErrUnknownMetric indicates a leaderboard request named a metric the service
// does not track.
var ErrUnknownMetric = errors.New("impact: unknown metric")

// streakWindow is the maximum gap between completions that keeps a streak
// alive.
const streakWindow = 30 * 24 * time.Hour

// Aggregator applies enrollment lifecycle events to user stats rows.
type Aggregator struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

// Option customises aggregator construction.
type Option func(*Aggregator)

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger overrides the aggregator logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Aggregator) {
		if log != nil {
			a.log = log
		}
	}
}

// NewAggregator constructs an aggregator over the supplied database handle.
func NewAggregator(db *gorm.DB, opts ...Option) *Aggregator {
	agg := &Aggregator{
		db:  db,
		log: slog.Default(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(agg)
	}
	return agg
}

// Completion carries everything ApplyCompletion folds into a user's stats.
type Completion struct {
	EventType  string
	Metric     string
	Value      float64
	RezCoins   int64
	BrandCoins int64
	SponsorID  *uuid.UUID
}

// Stats returns the user's stats row, or a zero-valued row if the user has
// no activity yet.
func (a *Aggregator) Stats(ctx context.Context, userID uuid.UUID) (*models.UserImpactStats, error) {
	var stats models.UserImpactStats
	err := a.db.WithContext(ctx).First(&stats, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.UserImpactStats{UserID: userID}, nil
		}
		return nil, err
	}
	return &stats, nil
}

// RecordRegistration bumps the registration counter inside the caller's
// transaction, creating the stats row on first touch.
func (a *Aggregator) RecordRegistration(tx *gorm.DB, userID uuid.UUID) error {
	stats, err := a.lockStats(tx, userID)
	if err != nil {
		return err
	}
	stats.EventsRegistered++
	return tx.Save(stats).Error
}

// RecordCancellation bumps the cancellation counter inside the caller's
// transaction.
func (a *Aggregator) RecordCancellation(tx *gorm.DB, userID uuid.UUID) error {
	stats, err := a.lockStats(tx, userID)
	if err != nil {
		return err
	}
	stats.EventsCancelled++
	return tx.Save(stats).Error
}

// ApplyCompletion folds a completed event into the user's stats: lifetime
// counters, the metric counter the program tracks, coin totals, streak state
// and the engaged sponsor set. Unrecognised metrics are dropped with a
// warning rather than failing the completion.
func (a *Aggregator) ApplyCompletion(tx *gorm.DB, userID uuid.UUID, completion Completion) error {
	stats, err := a.lockStats(tx, userID)
	if err != nil {
		return err
	}

	stats.EventsCompleted++
	stats.EventsAttended++
	stats.TotalRezCoinsEarned += completion.RezCoins
	stats.TotalBrandCoinsEarned += completion.BrandCoins

	if completion.Metric != "" {
		if counter := counterForMetric(stats, completion.Metric); counter != nil {
			*counter += completion.Value
		} else {
			a.log.Warn("dropping unrecognised impact metric",
				"metric", completion.Metric, "user", userID)
		}
	}

	now := a.now().UTC()
	if stats.LastEventCompletedAt != nil && now.Sub(*stats.LastEventCompletedAt) <= streakWindow {
		stats.CurrentStreak++
	} else {
		stats.CurrentStreak = 1
	}
	if stats.CurrentStreak > stats.LongestStreak {
		stats.LongestStreak = stats.CurrentStreak
	}
	stats.LastEventCompletedAt = &now

	if completion.SponsorID != nil {
		stats.AddSponsor(completion.SponsorID.String())
	}

	return tx.Save(stats).Error
}

// Leaderboard returns the top users for a metric, highest first. The metric
// name is resolved through the same normalisation as completions.
func (a *Aggregator) Leaderboard(ctx context.Context, metric string, limit int) ([]models.UserImpactStats, error) {
	column, ok := leaderboardColumns[normaliseMetric(metric)]
	if !ok {
		return nil, ErrUnknownMetric
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	var rows []models.UserImpactStats
	err := a.db.WithContext(ctx).
		Where(column + " > 0").
		Order(column + " DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// lockStats loads the user's stats row under a FOR UPDATE lock, creating it
// when absent.
func (a *Aggregator) lockStats(tx *gorm.DB, userID uuid.UUID) (*models.UserImpactStats, error) {
	var stats models.UserImpactStats
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&stats, "user_id = ?", userID).Error
	if err == nil {
		return &stats, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	stats = models.UserImpactStats{ID: uuid.New(), UserID: userID}
	if err := tx.Create(&stats).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}

// leaderboardColumns maps normalised metric names to their stats columns.
// Restricting ordering to this map keeps caller input out of the SQL.
var leaderboardColumns = map[string]string{
	"lives_impacted":     "lives_impacted",
	"trees_planted":      "trees_planted",
	"hours_contributed":  "hours_contributed",
	"meals_served":       "meals_served",
	"students_educated":  "students_educated",
	"beach_area_cleaned": "beach_area_cleaned",
	"blood_donations":    "blood_donations",
	"events_completed":   "events_completed",
	"rez_coins":          "total_rez_coins_earned",
}

func normaliseMetric(metric string) string {
	normalised := strings.ToLower(strings.TrimSpace(metric))
	normalised = strings.ReplaceAll(normalised, " ", "_")
	normalised = strings.ReplaceAll(normalised, "-", "_")
	switch normalised {
	case "lives", "lives_saved", "lives_touched":
		return "lives_impacted"
	case "trees":
		return "trees_planted"
	case "hours", "volunteer_hours":
		return "hours_contributed"
	case "meals":
		return "meals_served"
	case "students", "children_educated":
		return "students_educated"
	case "sqm_cleaned", "area_cleaned", "beach_cleaned":
		return "beach_area_cleaned"
	case "blood_donated", "donations", "blood_units":
		return "blood_donations"
	}
	return normalised
}

// counterForMetric resolves a program's impact metric to the stats counter it
// accumulates into, or nil when the metric is unknown.
func counterForMetric(stats *models.UserImpactStats, metric string) *float64 {
	switch normaliseMetric(metric) {
	case "lives_impacted":
		return &stats.LivesImpacted
	case "trees_planted":
		return &stats.TreesPlanted
	case "hours_contributed":
		return &stats.HoursContributed
	case "meals_served":
		return &stats.MealsServed
	case "students_educated":
		return &stats.StudentsEducated
	case "beach_area_cleaned":
		return &stats.BeachAreaCleaned
	case "blood_donations":
		return &stats.BloodDonations
	default:
		return nil
	}
}
