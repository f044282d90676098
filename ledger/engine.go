// Package ledger maintains the append-only budget ledger for sponsors. Every
// balance-affecting operation appends exactly one immutable entry inside a
// transaction that also refreshes the sponsor's cached balance, so the cached
// value and the entry chain can never drift under a single writer.
package ledger

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
	"rezrewards/observability"
)

// Engine appends entries and answers balance queries. All writes serialise on
// the sponsor row lock; the unique (sponsor_id, sequence) index converts any
// race that slips past the lock into ErrConflict.
type Engine struct {
	db      *gorm.DB
	log     *slog.Logger
	metrics *observability.LedgerMetrics
	now     func() time.Time
}

// Option customises engine construction.
type Option func(*Engine)

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger overrides the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics attaches a metrics registry.
func WithMetrics(m *observability.LedgerMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine constructs a ledger engine over the supplied database handle.
func NewEngine(db *gorm.DB, opts ...Option) *Engine {
	engine := &Engine{
		db:  db,
		log: slog.Default(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Budget summarises a program's allocation position.
type Budget struct {
	Allocated int64 `json:"allocated"`
	Disbursed int64 `json:"disbursed"`
	Refunded  int64 `json:"refunded"`
	Remaining int64 `json:"remaining"`
}

// EntryFilter narrows Entries listings.
type EntryFilter struct {
	Type      models.EntryType
	ProgramID *uuid.UUID
	Page      int
	Limit     int
}

// Fund credits a sponsor with freshly purchased budget.
func (e *Engine) Fund(ctx context.Context, sponsorID uuid.UUID, amount int64, actorID uuid.UUID, description string) (entry *models.AllocationEntry, err error) {
	done := e.observe(models.EntryFund, amount)
	defer func() { done(err) }()
	if amount <= 0 {
		err = ErrInvalidAmount
		return nil, err
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sponsor, lockErr := e.lockSponsor(tx, sponsorID)
		if lockErr != nil {
			return lockErr
		}
		entry = &models.AllocationEntry{
			Type:         models.EntryFund,
			Amount:       amount,
			BalanceAfter: sponsor.CurrentBalance + amount,
			ActorID:      &actorID,
			Description:  description,
		}
		if appendErr := e.append(tx, sponsor, entry); appendErr != nil {
			return appendErr
		}
		sponsor.CurrentBalance += amount
		sponsor.TotalBudgetFunded += amount
		return tx.Save(sponsor).Error
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordBalance(sponsorID.String(), entry.BalanceAfter)
	e.log.Info("ledger entry appended",
		"type", models.EntryFund, "sponsor", sponsorID, "amount", amount, "sequence", entry.Sequence)
	return entry, nil
}

// Allocate moves budget from the sponsor's unallocated pool to a program.
// The sponsor balance decreases; the program gains spendable event budget.
func (e *Engine) Allocate(ctx context.Context, sponsorID, programID uuid.UUID, amount int64, actorID uuid.UUID, description string) (entry *models.AllocationEntry, err error) {
	done := e.observe(models.EntryAllocate, amount)
	defer func() { done(err) }()
	if amount <= 0 {
		err = ErrInvalidAmount
		return nil, err
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sponsor, lockErr := e.lockSponsor(tx, sponsorID)
		if lockErr != nil {
			return lockErr
		}
		if !sponsor.IsActive {
			return ErrSponsorInactive
		}
		if _, progErr := e.sponsorProgram(tx, sponsorID, programID); progErr != nil {
			return progErr
		}
		if amount > sponsor.CurrentBalance {
			return ErrInsufficientBalance
		}
		entry = &models.AllocationEntry{
			Type:         models.EntryAllocate,
			ProgramID:    &programID,
			Amount:       amount,
			BalanceAfter: sponsor.CurrentBalance - amount,
			ActorID:      &actorID,
			Description:  description,
		}
		if appendErr := e.append(tx, sponsor, entry); appendErr != nil {
			return appendErr
		}
		sponsor.CurrentBalance -= amount
		return tx.Save(sponsor).Error
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordBalance(sponsorID.String(), entry.BalanceAfter)
	e.log.Info("ledger entry appended",
		"type", models.EntryAllocate, "sponsor", sponsorID, "program", programID, "amount", amount, "sequence", entry.Sequence)
	return entry, nil
}

// Refund returns unused event budget from a program to the sponsor's
// unallocated pool. The amount may not exceed what the program still holds.
func (e *Engine) Refund(ctx context.Context, sponsorID, programID uuid.UUID, amount int64, actorID uuid.UUID, description string) (entry *models.AllocationEntry, err error) {
	done := e.observe(models.EntryRefund, amount)
	defer func() { done(err) }()
	if amount <= 0 {
		err = ErrInvalidAmount
		return nil, err
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sponsor, lockErr := e.lockSponsor(tx, sponsorID)
		if lockErr != nil {
			return lockErr
		}
		if _, progErr := e.sponsorProgram(tx, sponsorID, programID); progErr != nil {
			return progErr
		}
		budget, budgetErr := e.programBudget(tx, sponsorID, programID)
		if budgetErr != nil {
			return budgetErr
		}
		if amount > budget.Remaining {
			return ErrInsufficientEventBudget
		}
		entry = &models.AllocationEntry{
			Type:         models.EntryRefund,
			ProgramID:    &programID,
			Amount:       amount,
			BalanceAfter: sponsor.CurrentBalance + amount,
			ActorID:      &actorID,
			Description:  description,
		}
		if appendErr := e.append(tx, sponsor, entry); appendErr != nil {
			return appendErr
		}
		sponsor.CurrentBalance += amount
		return tx.Save(sponsor).Error
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordBalance(sponsorID.String(), entry.BalanceAfter)
	e.log.Info("ledger entry appended",
		"type", models.EntryRefund, "sponsor", sponsorID, "program", programID, "amount", amount, "sequence", entry.Sequence)
	return entry, nil
}

// Disburse records a reward payout from a program's budget in its own
// transaction. Most callers should prefer DisburseTx so the payout commits
// atomically with the enrollment state change that earned it.
func (e *Engine) Disburse(ctx context.Context, sponsorID, programID uuid.UUID, amount int64, enrollmentID, userID uuid.UUID, description string) (*models.AllocationEntry, error) {
	var entry *models.AllocationEntry
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = e.DisburseTx(tx, sponsorID, programID, amount, enrollmentID, userID, description)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DisburseTx appends a disbursement entry inside the caller's transaction.
// The sponsor balance is unchanged; the program's remaining budget shrinks
// and the sponsor's distribution total grows.
func (e *Engine) DisburseTx(tx *gorm.DB, sponsorID, programID uuid.UUID, amount int64, enrollmentID, userID uuid.UUID, description string) (entry *models.AllocationEntry, err error) {
	done := e.observe(models.EntryDisburse, amount)
	defer func() { done(err) }()
	if amount <= 0 {
		err = ErrInvalidAmount
		return nil, err
	}
	sponsor, err := e.lockSponsor(tx, sponsorID)
	if err != nil {
		return nil, err
	}
	if _, err = e.sponsorProgram(tx, sponsorID, programID); err != nil {
		return nil, err
	}
	budget, err := e.programBudget(tx, sponsorID, programID)
	if err != nil {
		return nil, err
	}
	if amount > budget.Remaining {
		err = ErrInsufficientEventBudget
		return nil, err
	}
	entry = &models.AllocationEntry{
		Type:         models.EntryDisburse,
		ProgramID:    &programID,
		Amount:       amount,
		BalanceAfter: sponsor.CurrentBalance,
		EnrollmentID: &enrollmentID,
		UserID:       &userID,
		Description:  description,
	}
	if err = e.append(tx, sponsor, entry); err != nil {
		return nil, err
	}
	sponsor.TotalCoinsDistributed += amount
	if err = tx.Save(sponsor).Error; err != nil {
		return nil, err
	}
	e.log.Info("ledger entry appended",
		"type", models.EntryDisburse, "sponsor", sponsorID, "program", programID, "amount", amount, "sequence", entry.Sequence)
	return entry, nil
}

// SponsorBalance returns the sponsor's unallocated balance as derived from
// the last ledger entry. A sponsor with no entries has a zero balance.
func (e *Engine) SponsorBalance(ctx context.Context, sponsorID uuid.UUID) (int64, error) {
	db := e.db.WithContext(ctx)
	var sponsor models.Sponsor
	if err := db.First(&sponsor, "id = ?", sponsorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrSponsorNotFound
		}
		return 0, err
	}
	var last models.AllocationEntry
	err := db.Where("sponsor_id = ?", sponsorID).Order("sequence DESC").First(&last).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return last.BalanceAfter, nil
}

// EventBudget reports a program's allocation position.
func (e *Engine) EventBudget(ctx context.Context, sponsorID, programID uuid.UUID) (Budget, error) {
	db := e.db.WithContext(ctx)
	if _, err := e.sponsorProgram(db, sponsorID, programID); err != nil {
		return Budget{}, err
	}
	return e.programBudget(db, sponsorID, programID)
}

// Entries lists a sponsor's ledger entries newest first, with the total count
// for pagination.
func (e *Engine) Entries(ctx context.Context, sponsorID uuid.UUID, filter EntryFilter) ([]models.AllocationEntry, int64, error) {
	db := e.db.WithContext(ctx)
	var sponsor models.Sponsor
	if err := db.First(&sponsor, "id = ?", sponsorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrSponsorNotFound
		}
		return nil, 0, err
	}

	query := db.Model(&models.AllocationEntry{}).Where("sponsor_id = ?", sponsorID)
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.ProgramID != nil {
		query = query.Where("program_id = ?", *filter.ProgramID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	var entries []models.AllocationEntry
	err := query.Order("sequence DESC").Limit(limit).Offset((page - 1) * limit).Find(&entries).Error
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// lockSponsor loads the sponsor row under a FOR UPDATE lock so concurrent
// appends for the same sponsor serialise.
func (e *Engine) lockSponsor(tx *gorm.DB, sponsorID uuid.UUID) (*models.Sponsor, error) {
	var sponsor models.Sponsor
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sponsor, "id = ?", sponsorID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSponsorNotFound
		}
		return nil, err
	}
	return &sponsor, nil
}

func (e *Engine) sponsorProgram(tx *gorm.DB, sponsorID, programID uuid.UUID) (*models.Program, error) {
	var program models.Program
	err := tx.First(&program, "id = ? AND sponsor_id = ?", programID, sponsorID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgramNotFound
		}
		return nil, err
	}
	return &program, nil
}

func (e *Engine) programBudget(tx *gorm.DB, sponsorID, programID uuid.UUID) (Budget, error) {
	sums := make(map[models.EntryType]int64, 3)
	rows := []struct {
		Type  models.EntryType
		Total int64
	}{}
	err := tx.Model(&models.AllocationEntry{}).
		Select("type, COALESCE(SUM(amount), 0) AS total").
		Where("sponsor_id = ? AND program_id = ?", sponsorID, programID).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return Budget{}, err
	}
	for _, row := range rows {
		sums[row.Type] = row.Total
	}
	budget := Budget{
		Allocated: sums[models.EntryAllocate],
		Disbursed: sums[models.EntryDisburse],
		Refunded:  sums[models.EntryRefund],
	}
	budget.Remaining = budget.Allocated - budget.Disbursed - budget.Refunded
	return budget, nil
}

// append assigns the next sequence for the sponsor and persists the entry.
// The caller must hold the sponsor row lock.
func (e *Engine) append(tx *gorm.DB, sponsor *models.Sponsor, entry *models.AllocationEntry) error {
	var row struct{ Seq uint64 }
	err := tx.Model(&models.AllocationEntry{}).
		Select("COALESCE(MAX(sequence), 0) AS seq").
		Where("sponsor_id = ?", sponsor.ID).
		Scan(&row).Error
	if err != nil {
		return err
	}
	entry.ID = uuid.New()
	entry.SponsorID = sponsor.ID
	entry.Sequence = row.Seq + 1
	entry.CreatedAt = e.now().UTC()
	if err := tx.Create(entry).Error; err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// observe returns a completion callback recording the ledger metric for one
// operation.
func (e *Engine) observe(entryType models.EntryType, amount int64) func(error) {
	start := time.Now()
	return func(err error) {
		e.metrics.Observe(string(entryType), metricReason(err), amount, time.Since(start))
	}
}

// metricReason folds an engine error into the fixed reason set labelling the
// failure counter. Raw driver messages never reach the label.
func metricReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrSponsorNotFound), errors.Is(err, ErrProgramNotFound):
		return "not_found"
	case errors.Is(err, ErrSponsorInactive):
		return "inactive"
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientEventBudget):
		return "insufficient"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	default:
		return "internal"
	}
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
