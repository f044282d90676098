package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rezrewards/models"
	"rezrewards/observability"
)

const (
	// Anomaly kinds emitted by the reconciler.
	AnomalyBalanceDrift    = "balance_drift"
	AnomalySequenceGap     = "sequence_gap"
	AnomalyNegativeBudget  = "negative_budget"
	AnomalyOrphanedReward  = "orphaned_reward"
	AnomalyUnpaidComplete  = "unpaid_completion"
	AnomalyNegativeBalance = "negative_balance"
)

// AlertFunc is invoked for every anomaly detected during a sweep.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB      *gorm.DB
	Now     func() time.Time
	Alert   AlertFunc
	Logger  *slog.Logger
	Metrics *observability.ReconMetrics
}

// Reconciler sweeps the budget ledger looking for drift between the
// append-only entries and the cached aggregates, and for disbursements that
// do not line up with a completed enrollment.
type Reconciler struct {
	db      *gorm.DB
	now     func() time.Time
	alert   AlertFunc
	log     *slog.Logger
	metrics *observability.ReconMetrics
}

// Anomaly captures a ledger inconsistency requiring operator review.
type Anomaly struct {
	Kind         string     `json:"kind"`
	SponsorID    *uuid.UUID `json:"sponsorId,omitempty"`
	ProgramID    *uuid.UUID `json:"programId,omitempty"`
	EnrollmentID *uuid.UUID `json:"enrollmentId,omitempty"`
	Details      string     `json:"details"`
}

// Result summarises a reconciliation sweep.
type Result struct {
	RanAt           time.Time `json:"ranAt"`
	SponsorsChecked int       `json:"sponsorsChecked"`
	ProgramsChecked int       `json:"programsChecked"`
	Anomalies       []Anomaly `json:"anomalies"`
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(ctx context.Context, anomaly Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Reconciler{
		db:      cfg.DB,
		now:     nowFn,
		alert:   alert,
		log:     logger.With(slog.String("component", "recon")),
		metrics: cfg.Metrics,
	}, nil
}

// Run executes a full sweep over every sponsor and program.
func (r *Reconciler) Run(ctx context.Context) (result *Result, err error) {
	started := r.now().UTC()
	defer func() { r.metrics.RecordRun(started, err) }()

	result = &Result{RanAt: started, Anomalies: []Anomaly{}}

	var sponsors []models.Sponsor
	if err = r.db.WithContext(ctx).Find(&sponsors).Error; err != nil {
		return nil, fmt.Errorf("recon: load sponsors: %w", err)
	}
	for i := range sponsors {
		if err = r.checkSponsor(ctx, &sponsors[i], result); err != nil {
			return nil, err
		}
	}
	result.SponsorsChecked = len(sponsors)

	if err = r.checkProgramBudgets(ctx, result); err != nil {
		return nil, err
	}
	if err = r.checkRewardLinkage(ctx, result); err != nil {
		return nil, err
	}

	r.log.InfoContext(ctx, "sweep finished",
		slog.Int("sponsors", result.SponsorsChecked),
		slog.Int("programs", result.ProgramsChecked),
		slog.Int("anomalies", len(result.Anomalies)))
	return result, nil
}

// checkSponsor verifies the cached balance against the ledger tail and the
// sequence numbering for gaps.
func (r *Reconciler) checkSponsor(ctx context.Context, sponsor *models.Sponsor, result *Result) error {
	var tail models.AllocationEntry
	err := r.db.WithContext(ctx).
		Where("sponsor_id = ?", sponsor.ID).
		Order("sequence DESC").
		First(&tail).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if sponsor.CurrentBalance != 0 {
			r.raise(ctx, result, Anomaly{
				Kind:      AnomalyBalanceDrift,
				SponsorID: ptr(sponsor.ID),
				Details:   fmt.Sprintf("cached balance %d with an empty ledger", sponsor.CurrentBalance),
			})
		}
		return nil
	case err != nil:
		return fmt.Errorf("recon: load ledger tail: %w", err)
	}

	if tail.BalanceAfter != sponsor.CurrentBalance {
		r.raise(ctx, result, Anomaly{
			Kind:      AnomalyBalanceDrift,
			SponsorID: ptr(sponsor.ID),
			Details:   fmt.Sprintf("cached balance %d, ledger tail %d at sequence %d", sponsor.CurrentBalance, tail.BalanceAfter, tail.Sequence),
		})
	}
	if tail.BalanceAfter < 0 {
		r.raise(ctx, result, Anomaly{
			Kind:      AnomalyNegativeBalance,
			SponsorID: ptr(sponsor.ID),
			Details:   fmt.Sprintf("ledger tail balance %d is negative", tail.BalanceAfter),
		})
	}

	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.AllocationEntry{}).
		Where("sponsor_id = ?", sponsor.ID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("recon: count entries: %w", err)
	}
	// Sequences start at 1 and are dense, so the count must equal the tail.
	if uint64(count) != tail.Sequence {
		r.raise(ctx, result, Anomaly{
			Kind:      AnomalySequenceGap,
			SponsorID: ptr(sponsor.ID),
			Details:   fmt.Sprintf("%d entries but tail sequence %d", count, tail.Sequence),
		})
	}
	return nil
}

type programBudgetRow struct {
	ProgramID uuid.UUID
	SponsorID uuid.UUID
	Remaining int64
}

// checkProgramBudgets flags programs whose allocations no longer cover their
// disbursements and refunds.
func (r *Reconciler) checkProgramBudgets(ctx context.Context, result *Result) error {
	var rows []programBudgetRow
	err := r.db.WithContext(ctx).
		Model(&models.AllocationEntry{}).
		Select(`program_id,
			sponsor_id,
			SUM(CASE WHEN type = ? THEN amount ELSE 0 END) -
			SUM(CASE WHEN type = ? THEN amount ELSE 0 END) -
			SUM(CASE WHEN type = ? THEN amount ELSE 0 END) AS remaining`,
			models.EntryAllocate, models.EntryDisburse, models.EntryRefund).
		Where("program_id IS NOT NULL").
		Group("program_id, sponsor_id").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("recon: load program budgets: %w", err)
	}
	result.ProgramsChecked = len(rows)
	for _, row := range rows {
		if row.Remaining >= 0 {
			continue
		}
		r.raise(ctx, result, Anomaly{
			Kind:      AnomalyNegativeBudget,
			SponsorID: ptr(row.SponsorID),
			ProgramID: ptr(row.ProgramID),
			Details:   fmt.Sprintf("event budget overdrawn by %d", -row.Remaining),
		})
	}
	return nil
}

// checkRewardLinkage cross-checks disburse entries against enrollments: every
// disbursement must reference a completed, rewarded enrollment, and every
// completed enrollment with brand coins must have a matching entry.
func (r *Reconciler) checkRewardLinkage(ctx context.Context, result *Result) error {
	var entries []models.AllocationEntry
	if err := r.db.WithContext(ctx).
		Where("type = ? AND enrollment_id IS NOT NULL", models.EntryDisburse).
		Find(&entries).Error; err != nil {
		return fmt.Errorf("recon: load disbursements: %w", err)
	}
	disbursed := make(map[uuid.UUID]int64, len(entries))
	for _, entry := range entries {
		disbursed[*entry.EnrollmentID] += entry.Amount
	}

	for _, entry := range entries {
		var enr models.Enrollment
		err := r.db.WithContext(ctx).First(&enr, "id = ?", *entry.EnrollmentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			r.raise(ctx, result, Anomaly{
				Kind:         AnomalyOrphanedReward,
				SponsorID:    ptr(entry.SponsorID),
				EnrollmentID: entry.EnrollmentID,
				Details:      fmt.Sprintf("disbursement of %d references a missing enrollment", entry.Amount),
			})
			continue
		}
		if err != nil {
			return fmt.Errorf("recon: load enrollment: %w", err)
		}
		if enr.Status != models.StatusCompleted || enr.RewardKey == nil {
			r.raise(ctx, result, Anomaly{
				Kind:         AnomalyOrphanedReward,
				SponsorID:    ptr(entry.SponsorID),
				ProgramID:    ptr(enr.ProgramID),
				EnrollmentID: entry.EnrollmentID,
				Details:      fmt.Sprintf("disbursement of %d against enrollment in status %s", entry.Amount, enr.Status),
			})
		}
	}

	var rewarded []models.Enrollment
	if err := r.db.WithContext(ctx).
		Where("status = ? AND coins_brand > 0", models.StatusCompleted).
		Find(&rewarded).Error; err != nil {
		return fmt.Errorf("recon: load rewarded enrollments: %w", err)
	}
	for _, enr := range rewarded {
		if disbursed[enr.ID] == enr.CoinsBrand {
			continue
		}
		r.raise(ctx, result, Anomaly{
			Kind:         AnomalyUnpaidComplete,
			ProgramID:    ptr(enr.ProgramID),
			EnrollmentID: ptr(enr.ID),
			Details:      fmt.Sprintf("enrollment recorded %d brand coins but ledger shows %d", enr.CoinsBrand, disbursed[enr.ID]),
		})
	}
	return nil
}

func (r *Reconciler) raise(ctx context.Context, result *Result, anomaly Anomaly) {
	result.Anomalies = append(result.Anomalies, anomaly)
	r.metrics.RecordAnomaly(anomaly.Kind)
	r.log.WarnContext(ctx, "anomaly detected",
		slog.String("kind", anomaly.Kind),
		slog.String("details", anomaly.Details))
	if err := r.alert(ctx, anomaly); err != nil {
		r.log.ErrorContext(ctx, "alert delivery failed", slog.String("error", err.Error()))
	}
}

func ptr(id uuid.UUID) *uuid.UUID {
	v := id
	return &v
}
