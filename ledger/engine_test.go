package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rezrewards/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func seedSponsor(t *testing.T, db *gorm.DB) *models.Sponsor {
	t.Helper()
	sponsor := &models.Sponsor{
		ID:       uuid.New(),
		Name:     "Evergreen Outfitters",
		Slug:     "evergreen-" + uuid.NewString()[:8],
		IsActive: true,
	}
	require.NoError(t, db.Create(sponsor).Error)
	return sponsor
}

func seedProgram(t *testing.T, db *gorm.DB, sponsorID uuid.UUID) *models.Program {
	t.Helper()
	program := &models.Program{
		ID:        uuid.New(),
		SponsorID: &sponsorID,
		Name:      "Harbour Cleanup",
		Status:    models.ProgramActive,
		EventDate: time.Now().Add(48 * time.Hour),
	}
	require.NoError(t, db.Create(program).Error)
	return program
}

func TestFundAppendsEntryAndUpdatesBalance(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)
	sponsor := seedSponsor(t, db)
	actor := uuid.New()

	entry, err := engine.Fund(context.Background(), sponsor.ID, 10_000, actor, "initial budget purchase")
	require.NoError(t, err)
	require.Equal(t, models.EntryFund, entry.Type)
	require.Equal(t, uint64(1), entry.Sequence)
	require.Equal(t, int64(10_000), entry.BalanceAfter)
	require.NotNil(t, entry.ActorID)

	balance, err := engine.SponsorBalance(context.Background(), sponsor.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10_000), balance)

	var stored models.Sponsor
	require.NoError(t, db.First(&stored, "id = ?", sponsor.ID).Error)
	require.Equal(t, int64(10_000), stored.CurrentBalance)
	require.Equal(t, int64(10_000), stored.TotalBudgetFunded)
}

func TestFundRejectsNonPositiveAmount(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)
	sponsor := seedSponsor(t, db)

	_, err := engine.Fund(context.Background(), sponsor.ID, 0, uuid.New(), "")
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = engine.Fund(context.Background(), sponsor.ID, -5, uuid.New(), "")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFundUnknownSponsor(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)

	_, err := engine.Fund(context.Background(), uuid.New(), 100, uuid.New(), "")
	require.ErrorIs(t, err, ErrSponsorNotFound)
}

func TestAllocateMovesBudgetToProgram(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)
	sponsor := seedSponsor(t, db)
	program := seedProgram(t, db, sponsor.ID)
	actor := uuid.New()
	ctx := context.Background()

	_, err := engine.Fund(ctx, sponsor.ID, 5_000, actor, "")
	require.NoError(t, err)

	entry, err := engine.Allocate(ctx, sponsor.ID, program.ID, 3_000, actor, "cleanup rewards")
	require.NoError(t, err)
	require.Equal(t, uint64(2), entry.Sequence)
	require.Equal(t, int64(2_000), entry.BalanceAfter)

	balance, err := engine.SponsorBalance(ctx, sponsor.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2_000), balance)

	budget, err := engine.EventBudget(ctx, sponsor.ID, program.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3_000), budget.Allocated)
	require.Equal(t, int64(3_000), budget.Remaining)
}

func TestAllocateInsufficientBalance(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)
	sponsor := seedSponsor(t, db)
	program := seedProgram(t, db, sponsor.ID)
	ctx := context.Background()

	_, err := engine.Fund(ctx, sponsor.ID, 100, uuid.New(), "")
	require.NoError(t, err)

	_, err = engine.Allocate(ctx, sponsor.ID, program.ID, 101, uuid.New(), "")
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// The failed allocation must not leave a partial entry behind.
	balance, err := engine.SponsorBalance(ctx, sponsor.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
	entries, total, err := engine.Entries(ctx, sponsor.ID, EntryFilter{})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Len(t, entries, 1)
}

func TestAllocateUnknownProgram(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)
	sponsor := seedSponsor(t, db)
	ctx := context.Background()

	_, err := engine.Fund(ctx, sponsor.ID, 500, uuid.New(), "")
	require.NoError(t, err)

	_, err = engine.Allocate(ctx, sponsor.ID, uuid.New(), 100, uuid.New(), "")
	require.ErrorIs(t, err, ErrProgramNotFound)
}

func TestAllocateInactiveSponsor(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)
	sponsor := seedSponsor(t, db)
	program := seedProgram(t, db, sponsor.ID)
	ctx := context.Background()

	_, err := engine.Fund(ctx, sponsor.ID, 500, uuid.New(), "")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Sponsor{}).Where("id = ?", sponsor.ID).Update("is_active", false).Error)

	_, err = engine.Allocate(ctx, sponsor.ID, program.ID, 100, uuid.New(), "")
	require.ErrorIs(t, err, ErrSponsorInactive)
}

func TestDisburseSpendsEventBudget(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)
	sponsor := seedSponsor(t, db)
	program := seedProgram(t, db, sponsor.ID)
	ctx := context.Background()

	_, err := engine.Fund(ctx, sponsor.ID, 1_000, uuid.New(), "")
	require.NoError(t, err)
	_, err = engine.Allocate(ctx, sponsor.ID, program.ID, 600, uuid.New(), "")
	require.NoError(t, err)

	enrollmentID, userID := uuid.New(), uuid.New()
	entry, err := engine.Disburse(ctx, sponsor.ID, program.ID, 250, enrollmentID, userID, "completion reward")
	require.NoError(t, err)
	require.Equal(t, models.EntryDisburse, entry.Type)
	// Disbursement spends allocated budget, not the unallocated pool.
	require.Equal(t, int64(400), entry.BalanceAfter)
	require.NotNil(t, entry.EnrollmentID)
	require.Equal(t, enrollmentID, *entry.EnrollmentID)

	budget, err := engine.EventBudget(ctx, sponsor.ID, program.ID)
	require.NoError(t, err)
	require.Equal(t, int64(250), budget.Disbursed)
	require.Equal(t, int64(350), budget.Remaining)

	balance, err := engine.SponsorBalance(ctx, sponsor.ID)
	require.NoError(t, err)
	require.Equal(t, int64(400), balance)

	var stored models.Sponsor
	require.NoError(t, db.First(&stored, "id = ?", sponsor.ID).Error)
	require.Equal(t, int64(250), stored.TotalCoinsDistributed)
}

func TestDisburseInsufficientEventBudget(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)
	sponsor := seedSponsor(t, db)
	program := seedProgram(t, db, sponsor.ID)
	ctx := context.Background()

	_, err := engine.Fund(ctx, sponsor.ID, 1_000, uuid.New(), "")
	require.NoError(t, err)
	_, err = engine.Allocate(ctx, sponsor.ID, program.ID, 200, uuid.New(), "")
	require.NoError(t, err)

	_, err = engine.Disburse(ctx, sponsor.ID, program.ID, 201, uuid.New(), uuid.New(), "")
	require.ErrorIs(t, err, ErrInsufficientEventBudget)
}

func TestRefundReturnsBudgetToSponsor(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)
	sponsor := seedSponsor(t, db)
	program := seedProgram(t, db, sponsor.ID)
	ctx := context.Background()

	_, err := engine.Fund(ctx, sponsor.ID, 1_000, uuid.New(), "")
	require.NoError(t, err)
	_, err = engine.Allocate(ctx, sponsor.ID, program.ID, 600, uuid.New(), "")
	require.NoError(t, err)
	_, err = engine.Disburse(ctx, sponsor.ID, program.ID, 100, uuid.New(), uuid.New(), "")
	require.NoError(t, err)

	entry, err := engine.Refund(ctx, sponsor.ID, program.ID, 500, uuid.New(), "event wrapped up")
	require.NoError(t, err)
	require.Equal(t, int64(900), entry.BalanceAfter)

	budget, err := engine.EventBudget(ctx, sponsor.ID, program.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), budget.Remaining)

	// Nothing left for a second refund.
	_, err = engine.Refund(ctx, sponsor.ID, program.ID, 1, uuid.New(), "")
	require.ErrorIs(t, err, ErrInsufficientEventBudget)
}

func TestSequencesAreStrictlyMonotonicPerSponsor(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)
	sponsorA := seedSponsor(t, db)
	sponsorB := seedSponsor(t, db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.Fund(ctx, sponsorA.ID, 10, uuid.New(), "")
		require.NoError(t, err)
	}
	_, err := engine.Fund(ctx, sponsorB.ID, 10, uuid.New(), "")
	require.NoError(t, err)

	entries, total, err := engine.Entries(ctx, sponsorA.ID, EntryFilter{})
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, entries, 3)
	// Newest first; sequences dense with no gaps.
	for i, entry := range entries {
		require.Equal(t, uint64(3-i), entry.Sequence)
	}

	entriesB, _, err := engine.Entries(ctx, sponsorB.ID, EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entriesB, 1)
	require.Equal(t, uint64(1), entriesB[0].Sequence)
}

func TestEntriesFilterByTypeAndProgram(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)
	sponsor := seedSponsor(t, db)
	program := seedProgram(t, db, sponsor.ID)
	other := seedProgram(t, db, sponsor.ID)
	ctx := context.Background()

	_, err := engine.Fund(ctx, sponsor.ID, 1_000, uuid.New(), "")
	require.NoError(t, err)
	_, err = engine.Allocate(ctx, sponsor.ID, program.ID, 300, uuid.New(), "")
	require.NoError(t, err)
	_, err = engine.Allocate(ctx, sponsor.ID, other.ID, 200, uuid.New(), "")
	require.NoError(t, err)

	entries, total, err := engine.Entries(ctx, sponsor.ID, EntryFilter{Type: models.EntryAllocate})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, entries, 2)

	entries, total, err = engine.Entries(ctx, sponsor.ID, EntryFilter{ProgramID: &program.ID})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, int64(300), entries[0].Amount)
}

func TestBalanceAfterChainStaysConsistent(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	engine := NewEngine(db, WithClock(func() time.Time { return now }))
	sponsor := seedSponsor(t, db)
	program := seedProgram(t, db, sponsor.ID)
	ctx := context.Background()

	_, err := engine.Fund(ctx, sponsor.ID, 1_000, uuid.New(), "")
	require.NoError(t, err)
	_, err = engine.Allocate(ctx, sponsor.ID, program.ID, 400, uuid.New(), "")
	require.NoError(t, err)
	_, err = engine.Disburse(ctx, sponsor.ID, program.ID, 150, uuid.New(), uuid.New(), "")
	require.NoError(t, err)
	_, err = engine.Refund(ctx, sponsor.ID, program.ID, 250, uuid.New(), "")
	require.NoError(t, err)

	var entries []models.AllocationEntry
	require.NoError(t, db.Where("sponsor_id = ?", sponsor.ID).Order("sequence ASC").Find(&entries).Error)
	require.Len(t, entries, 4)

	balance := int64(0)
	for _, entry := range entries {
		switch entry.Type {
		case models.EntryFund, models.EntryRefund:
			balance += entry.Amount
		case models.EntryAllocate:
			balance -= entry.Amount
		}
		require.Equal(t, balance, entry.BalanceAfter, "sequence %d", entry.Sequence)
		require.Equal(t, now.UTC(), entry.CreatedAt)
	}

	stored, err := engine.SponsorBalance(ctx, sponsor.ID)
	require.NoError(t, err)
	require.Equal(t, balance, stored)
}

func TestSequenceCollisionReturnsConflict(t *testing.T) {
	db := setupTestDB(t)
	engine := NewEngine(db)
	ctx := context.Background()
	sponsor := seedSponsor(t, db)

	_, err := engine.Fund(ctx, sponsor.ID, 500, uuid.New(), "seed")
	require.NoError(t, err)

	// Simulate a concurrent writer landing on the same sequence by slipping
	// a shadow entry in between the MAX(sequence) read and the insert.
	var raced bool
	err = db.Callback().Create().Before("gorm:create").Register("shadow_writer", func(tx *gorm.DB) {
		entry, ok := tx.Statement.Dest.(*models.AllocationEntry)
		if !ok || raced {
			return
		}
		raced = true
		shadow := models.AllocationEntry{
			ID:           uuid.New(),
			SponsorID:    entry.SponsorID,
			Sequence:     entry.Sequence,
			Type:         models.EntryFund,
			Amount:       1,
			BalanceAfter: 501,
			CreatedAt:    time.Now(),
		}
		require.NoError(t, tx.Session(&gorm.Session{NewDB: true}).Create(&shadow).Error)
	})
	require.NoError(t, err)

	_, err = engine.Fund(ctx, sponsor.ID, 100, uuid.New(), "")
	require.ErrorIs(t, err, ErrConflict)
	require.True(t, raced)
}

func TestMetricReasonsAreBounded(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrConflict, "conflict"},
		{fmt.Errorf("%w: fund", ErrConflict), "conflict"},
		{ErrSponsorNotFound, "not_found"},
		{ErrProgramNotFound, "not_found"},
		{ErrSponsorInactive, "inactive"},
		{ErrInsufficientBalance, "insufficient"},
		{ErrInsufficientEventBudget, "insufficient"},
		{ErrInvalidAmount, "invalid_amount"},
		{errors.New("driver: bad connection SELECT * FROM allocation_entries"), "internal"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, metricReason(tc.err))
	}
}
