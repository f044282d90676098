// Package enrollment drives the participation lifecycle for impact events:
// registration against capacity, verified check-in, completion with reward
// disbursement, cancellation and no-show handling. Every transition runs
// under the enrollment row lock so concurrent requests serialise instead of
// corrupting state.
package enrollment

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rezrewards/impact"
	"rezrewards/models"
	"rezrewards/observability"
	"rezrewards/rewards"
)

// Service owns enrollment state transitions and their side effects.
type Service struct {
	db      *gorm.DB
	rewards *rewards.Coordinator
	stats   *impact.Aggregator
	log     *slog.Logger
	metrics *observability.EnrollmentMetrics
	now     func() time.Time

	otpTTL         time.Duration
	qrTTL          time.Duration
	defaultRadiusM float64
}

// Option customises service construction.
type Option func(*Service)

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics attaches a metrics registry.
func WithMetrics(m *observability.EnrollmentMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithOTPTTL sets the validity window for issued verification codes.
func WithOTPTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.otpTTL = ttl
		}
	}
}

// WithQRTTL sets the validity window for issued QR tokens. Zero means tokens
// stay valid until the enrollment leaves the registered state.
func WithQRTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.qrTTL = ttl
	}
}

// WithDefaultCheckInRadius sets the geofence radius in metres used when a
// program does not define its own. Zero leaves geofence check-in disabled for
// such programs.
func WithDefaultCheckInRadius(metres float64) Option {
	return func(s *Service) {
		if metres > 0 {
			s.defaultRadiusM = metres
		}
	}
}

// NewService wires the enrollment workflow together.
func NewService(db *gorm.DB, coordinator *rewards.Coordinator, stats *impact.Aggregator, opts ...Option) *Service {
	service := &Service{
		db:      db,
		rewards: coordinator,
		stats:   stats,
		log:     slog.Default(),
		now:     time.Now,
		otpTTL:  10 * time.Minute,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Register creates a registered enrollment for the user, or revives a
// cancelled one. Registration counts against the program's capacity goal.
func (s *Service) Register(ctx context.Context, userID, programID uuid.UUID) (enr *models.Enrollment, err error) {
	defer func() { s.metrics.RecordTransition(string(models.StatusRegistered), err) }()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		program, txErr := s.lockProgram(tx, programID)
		if txErr != nil {
			return txErr
		}
		if !program.AcceptsRegistrations() {
			return ErrEventClosed
		}
		if program.CapacityGoal > 0 && program.CapacityEnrolled >= program.CapacityGoal {
			return ErrEventFull
		}

		now := s.now().UTC()
		var existing models.Enrollment
		lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&existing, "user_id = ? AND program_id = ?", userID, programID).Error
		switch {
		case lookupErr == nil:
			// Only a cancelled enrollment can be revived.
			if ValidateTransition(existing.Status, models.StatusRegistered) != nil {
				return ErrAlreadyRegistered
			}
			existing.Status = models.StatusRegistered
			existing.RegisteredAt = now
			existing.CancelledAt = nil
			existing.CancellationReason = ""
			existing.CheckedInAt = nil
			existing.CheckedInBy = nil
			existing.ClearVerification()
			if txErr := tx.Save(&existing).Error; txErr != nil {
				return txErr
			}
			enr = &existing
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			fresh := models.Enrollment{
				ID:           uuid.New(),
				UserID:       userID,
				ProgramID:    programID,
				Status:       models.StatusRegistered,
				RegisteredAt: now,
			}
			if txErr := tx.Create(&fresh).Error; txErr != nil {
				if isDuplicate(txErr) {
					return ErrAlreadyRegistered
				}
				return txErr
			}
			enr = &fresh
		default:
			return lookupErr
		}

		program.CapacityEnrolled++
		if txErr := tx.Save(program).Error; txErr != nil {
			return txErr
		}
		return s.stats.RecordRegistration(tx, userID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("enrollment registered", "user", userID, "program", programID)
	return enr, nil
}

// CheckIn marks attendance without cryptographic verification, recording the
// staff member who vouched for it.
func (s *Service) CheckIn(ctx context.Context, userID, programID, verifiedBy uuid.UUID) (enr *models.Enrollment, err error) {
	defer func() { s.metrics.RecordTransition(string(models.StatusCheckedIn), err) }()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, txErr := s.lockEnrollment(tx, userID, programID)
		if txErr != nil {
			return txErr
		}
		if txErr := s.markCheckedIn(tx, e, models.VerifyManual, &verifiedBy); txErr != nil {
			return txErr
		}
		enr = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordCheckIn(string(models.VerifyManual))
	return enr, nil
}

// Complete transitions an enrollment to completed and disburses the
// program's rewards atomically with it. If the transaction fails after the
// external wallet was credited, the credit is reversed.
func (s *Service) Complete(ctx context.Context, userID, programID, actorID uuid.UUID, impactValue float64) (enr *models.Enrollment, err error) {
	defer func() { s.metrics.RecordTransition(string(models.StatusCompleted), err) }()
	if impactValue <= 0 {
		impactValue = 1
	}
	var rewardKey string
	var credited bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, txErr := s.lockEnrollment(tx, userID, programID)
		if txErr != nil {
			return txErr
		}
		if e.Status == models.StatusCompleted {
			return ErrAlreadyCompleted
		}
		if txErr := ValidateTransition(e.Status, models.StatusCompleted); txErr != nil {
			return txErr
		}
		var program models.Program
		if txErr := tx.First(&program, "id = ?", programID).Error; txErr != nil {
			if errors.Is(txErr, gorm.ErrRecordNotFound) {
				return ErrProgramNotFound
			}
			return txErr
		}

		rewardKey, credited, txErr = s.rewards.Award(ctx, tx, e, &program, impactValue)
		if txErr != nil {
			if errors.Is(txErr, rewards.ErrAlreadyAwarded) {
				return ErrAlreadyCompleted
			}
			return txErr
		}

		now := s.now().UTC()
		e.Status = models.StatusCompleted
		e.CompletedAt = &now
		e.CompletedBy = &actorID
		e.ImpactValue = impactValue
		if txErr := tx.Save(e).Error; txErr != nil {
			return txErr
		}
		if txErr := tx.Model(&models.Program{}).Where("id = ?", programID).
			UpdateColumn("impact_current", gorm.Expr("impact_current + ?", impactValue)).Error; txErr != nil {
			return txErr
		}
		enr = e
		return nil
	})
	if err != nil {
		if credited {
			s.rewards.Compensate(ctx, rewardKey)
		}
		return nil, err
	}
	s.log.Info("enrollment completed",
		"user", userID, "program", programID, "impact", impactValue)
	return enr, nil
}

// Cancel withdraws a registration, freeing its capacity slot.
func (s *Service) Cancel(ctx context.Context, userID, programID uuid.UUID, reason string) (enr *models.Enrollment, err error) {
	defer func() { s.metrics.RecordTransition(string(models.StatusCancelled), err) }()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, txErr := s.lockEnrollment(tx, userID, programID)
		if txErr != nil {
			return txErr
		}
		if txErr := ValidateTransition(e.Status, models.StatusCancelled); txErr != nil {
			return txErr
		}
		now := s.now().UTC()
		e.Status = models.StatusCancelled
		e.CancelledAt = &now
		e.CancellationReason = strings.TrimSpace(reason)
		e.ClearVerification()
		if txErr := tx.Save(e).Error; txErr != nil {
			return txErr
		}
		if txErr := tx.Model(&models.Program{}).
			Where("id = ? AND capacity_enrolled > 0", programID).
			UpdateColumn("capacity_enrolled", gorm.Expr("capacity_enrolled - 1")).Error; txErr != nil {
			return txErr
		}
		enr = e
		return s.stats.RecordCancellation(tx, userID)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("enrollment cancelled", "user", userID, "program", programID)
	return enr, nil
}

// MarkNoShow moves an enrollment to the terminal no_show state after the
// event has passed without the participant completing it.
func (s *Service) MarkNoShow(ctx context.Context, userID, programID uuid.UUID) (enr *models.Enrollment, err error) {
	defer func() { s.metrics.RecordTransition(string(models.StatusNoShow), err) }()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, txErr := s.lockEnrollment(tx, userID, programID)
		if txErr != nil {
			return txErr
		}
		if txErr := ValidateTransition(e.Status, models.StatusNoShow); txErr != nil {
			return txErr
		}
		e.Status = models.StatusNoShow
		if txErr := tx.Save(e).Error; txErr != nil {
			return txErr
		}
		enr = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return enr, nil
}

// BulkFailure reports one failed item from a bulk completion.
type BulkFailure struct {
	UserID uuid.UUID `json:"userId"`
	Reason string    `json:"reason"`
}

// BulkResult summarises a bulk completion request.
type BulkResult struct {
	Succeeded []uuid.UUID   `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// BulkComplete completes many participants at once. Items are independent:
// one participant's failure never rolls back another's reward.
func (s *Service) BulkComplete(ctx context.Context, programID uuid.UUID, userIDs []uuid.UUID, actorID uuid.UUID, impactValue float64) BulkResult {
	result := BulkResult{Succeeded: make([]uuid.UUID, 0, len(userIDs))}
	for _, userID := range userIDs {
		if _, err := s.Complete(ctx, userID, programID, actorID, impactValue); err != nil {
			result.Failed = append(result.Failed, BulkFailure{UserID: userID, Reason: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, userID)
	}
	s.log.Info("bulk completion finished",
		"program", programID, "succeeded", len(result.Succeeded), "failed", len(result.Failed))
	return result
}

// Get returns the user's enrollment for a program.
func (s *Service) Get(ctx context.Context, userID, programID uuid.UUID) (*models.Enrollment, error) {
	var enr models.Enrollment
	err := s.db.WithContext(ctx).First(&enr, "user_id = ? AND program_id = ?", userID, programID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, err
	}
	return &enr, nil
}

// ForUser lists a user's enrollments newest first, optionally filtered by
// status.
func (s *Service) ForUser(ctx context.Context, userID uuid.UUID, status models.EnrollmentStatus) ([]models.Enrollment, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var enrollments []models.Enrollment
	if err := query.Order("registered_at DESC").Find(&enrollments).Error; err != nil {
		return nil, err
	}
	return enrollments, nil
}

// Participants lists a program's enrollments, optionally filtered by status.
func (s *Service) Participants(ctx context.Context, programID uuid.UUID, status models.EnrollmentStatus) ([]models.Enrollment, error) {
	db := s.db.WithContext(ctx)
	var program models.Program
	if err := db.First(&program, "id = ?", programID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgramNotFound
		}
		return nil, err
	}
	query := db.Where("program_id = ?", programID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var enrollments []models.Enrollment
	if err := query.Order("registered_at ASC").Find(&enrollments).Error; err != nil {
		return nil, err
	}
	return enrollments, nil
}

// markCheckedIn applies the checked_in transition with the supplied method.
// The caller must hold the enrollment row lock.
func (s *Service) markCheckedIn(tx *gorm.DB, enr *models.Enrollment, method models.VerificationMethod, verifiedBy *uuid.UUID) error {
	if err := ValidateTransition(enr.Status, models.StatusCheckedIn); err != nil {
		return err
	}
	now := s.now().UTC()
	enr.Status = models.StatusCheckedIn
	enr.CheckedInAt = &now
	enr.CheckedInBy = verifiedBy
	enr.Method = method
	if method != models.VerifyManual {
		enr.VerifiedAt = &now
	}
	return tx.Save(enr).Error
}

func (s *Service) lockProgram(tx *gorm.DB, programID uuid.UUID) (*models.Program, error) {
	var program models.Program
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&program, "id = ?", programID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgramNotFound
		}
		return nil, err
	}
	return &program, nil
}

func (s *Service) lockEnrollment(tx *gorm.DB, userID, programID uuid.UUID) (*models.Enrollment, error) {
	var enr models.Enrollment
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&enr, "user_id = ? AND program_id = ?", userID, programID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, err
	}
	return &enr, nil
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
