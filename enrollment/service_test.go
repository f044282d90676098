package enrollment

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

	"rezrewards/impact"
	"rezrewards/ledger"
	"rezrewards/models"
	"rezrewards/rewards"
)

type recordingWallet struct {
	credits   map[string]int64
	reversals []string
	creditErr error
}

func newRecordingWallet() *recordingWallet {
	return &recordingWallet{credits: make(map[string]int64)}
}

func (w *recordingWallet) Credit(ctx context.Context, userID uuid.UUID, amount int64, key, memo string) error {
	if w.creditErr != nil {
		return w.creditErr
	}
	w.credits[key] = amount
	return nil
}

func (w *recordingWallet) Reverse(ctx context.Context, key string) error {
	w.reversals = append(w.reversals, key)
	return nil
}

type harness struct {
	db      *gorm.DB
	wallet  *recordingWallet
	service *Service
	ledger  *ledger.Engine
	stats   *impact.Aggregator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	wallet := newRecordingWallet()
	engine := ledger.NewEngine(db)
	stats := impact.NewAggregator(db)
	coordinator := rewards.NewCoordinator(engine, stats, wallet)
	return &harness{
		db:      db,
		wallet:  wallet,
		service: NewService(db, coordinator, stats, opts...),
		ledger:  engine,
		stats:   stats,
	}
}

func (h *harness) seedProgram(t *testing.T, mutate func(*models.Program)) *models.Program {
	t.Helper()
	program := &models.Program{
		ID:        uuid.New(),
		Name:      "Community Garden Build",
		EventType: "environment",
		Status:    models.ProgramActive,
		EventDate: time.Now().Add(24 * time.Hour),
	}
	if mutate != nil {
		mutate(program)
	}
	require.NoError(t, h.db.Create(program).Error)
	return program
}

func (h *harness) seedSponsoredProgram(t *testing.T, budget int64, mutate func(*models.Program)) (*models.Sponsor, *models.Program) {
	t.Helper()
	sponsor := &models.Sponsor{ID: uuid.New(), Name: "Kestrel Co", Slug: "kestrel-" + uuid.NewString()[:8], IsActive: true}
	require.NoError(t, h.db.Create(sponsor).Error)
	program := h.seedProgram(t, func(p *models.Program) {
		p.SponsorID = &sponsor.ID
		if mutate != nil {
			mutate(p)
		}
	})
	ctx := context.Background()
	if budget > 0 {
		_, err := h.ledger.Fund(ctx, sponsor.ID, budget, uuid.New(), "")
		require.NoError(t, err)
		_, err = h.ledger.Allocate(ctx, sponsor.ID, program.ID, budget, uuid.New(), "")
		require.NoError(t, err)
	}
	return sponsor, program
}

func TestRegisterCreatesEnrollmentAndShrinksCapacity(t *testing.T) {
	h := newHarness(t)
	program := h.seedProgram(t, func(p *models.Program) { p.CapacityGoal = 2 })
	userID := uuid.New()
	ctx := context.Background()

	enr, err := h.service.Register(ctx, userID, program.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRegistered, enr.Status)

	var stored models.Program
	require.NoError(t, h.db.First(&stored, "id = ?", program.ID).Error)
	require.Equal(t, 1, stored.CapacityEnrolled)

	stats, err := h.stats.Stats(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.EventsRegistered)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	h := newHarness(t)
	program := h.seedProgram(t, nil)
	userID := uuid.New()
	ctx := context.Background()

	_, err := h.service.Register(ctx, userID, program.ID)
	require.NoError(t, err)
	_, err = h.service.Register(ctx, userID, program.ID)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegisterEnforcesCapacity(t *testing.T) {
	h := newHarness(t)
	program := h.seedProgram(t, func(p *models.Program) { p.CapacityGoal = 1 })
	ctx := context.Background()

	_, err := h.service.Register(ctx, uuid.New(), program.ID)
	require.NoError(t, err)
	_, err = h.service.Register(ctx, uuid.New(), program.ID)
	require.ErrorIs(t, err, ErrEventFull)
}

func TestRegisterClosedProgram(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, status := range []models.ProgramStatus{models.ProgramCompleted, models.ProgramCancelled, models.ProgramPendingApproval, models.ProgramRejected} {
		program := h.seedProgram(t, func(p *models.Program) { p.Status = status })
		_, err := h.service.Register(ctx, uuid.New(), program.ID)
		require.ErrorIs(t, err, ErrEventClosed, "status %s", status)
	}
}

func TestRegisterUnknownProgram(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.Register(context.Background(), uuid.New(), uuid.New())
	require.ErrorIs(t, err, ErrProgramNotFound)
}

func TestCancelAndReRegisterResetsEnrollment(t *testing.T) {
	h := newHarness(t)
	program := h.seedProgram(t, func(p *models.Program) { p.CapacityGoal = 5 })
	userID := uuid.New()
	adminID := uuid.New()
	ctx := context.Background()

	_, err := h.service.Register(ctx, userID, program.ID)
	require.NoError(t, err)
	_, err = h.service.CheckIn(ctx, userID, program.ID, adminID)
	require.NoError(t, err)

	cancelled, err := h.service.Cancel(ctx, userID, program.ID, "schedule conflict")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, cancelled.Status)
	require.Equal(t, "schedule conflict", cancelled.CancellationReason)

	var stored models.Program
	require.NoError(t, h.db.First(&stored, "id = ?", program.ID).Error)
	require.Equal(t, 0, stored.CapacityEnrolled)

	revived, err := h.service.Register(ctx, userID, program.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRegistered, revived.Status)
	require.Nil(t, revived.CancelledAt)
	require.Empty(t, revived.CancellationReason)
	require.Nil(t, revived.CheckedInAt)
	require.Equal(t, models.VerificationMethod(""), revived.Method)

	// Same row revived, not a second one.
	var count int64
	require.NoError(t, h.db.Model(&models.Enrollment{}).Where("user_id = ?", userID).Count(&count).Error)
	require.Equal(t, int64(1), count)

	stats, err := h.stats.Stats(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.EventsRegistered)
	require.Equal(t, int64(1), stats.EventsCancelled)
}

func TestCancelCompletedEnrollmentRejected(t *testing.T) {
	h := newHarness(t)
	_, program := h.seedSponsoredProgram(t, 0, nil)
	userID := uuid.New()
	ctx := context.Background()

	_, err := h.service.Register(ctx, userID, program.ID)
	require.NoError(t, err)
	_, err = h.service.Complete(ctx, userID, program.ID, uuid.New(), 1)
	require.NoError(t, err)

	_, err = h.service.Cancel(ctx, userID, program.ID, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCheckInRequiresRegistration(t *testing.T) {
	h := newHarness(t)
	program := h.seedProgram(t, nil)
	_, err := h.service.CheckIn(context.Background(), uuid.New(), program.ID, uuid.New())
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestManualCheckInRecordsVerifier(t *testing.T) {
	h := newHarness(t)
	program := h.seedProgram(t, nil)
	userID, adminID := uuid.New(), uuid.New()
	ctx := context.Background()

	_, err := h.service.Register(ctx, userID, program.ID)
	require.NoError(t, err)
	enr, err := h.service.CheckIn(ctx, userID, program.ID, adminID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCheckedIn, enr.Status)
	require.Equal(t, models.VerifyManual, enr.Method)
	require.Equal(t, adminID, *enr.CheckedInBy)
	require.NotNil(t, enr.CheckedInAt)

	_, err = h.service.CheckIn(ctx, userID, program.ID, adminID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCompleteAwardsRewardsOnce(t *testing.T) {
	h := newHarness(t)
	_, program := h.seedSponsoredProgram(t, 1_000, func(p *models.Program) {
		p.RewardRezCoins = 150
		p.RewardBrandCoins = 40
		p.ImpactMetric = "meals_served"
	})
	userID := uuid.New()
	adminID := uuid.New()
	ctx := context.Background()

	_, err := h.service.Register(ctx, userID, program.ID)
	require.NoError(t, err)
	_, err = h.service.CheckIn(ctx, userID, program.ID, adminID)
	require.NoError(t, err)

	enr, err := h.service.Complete(ctx, userID, program.ID, adminID, 30)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, enr.Status)
	require.Equal(t, int64(150), enr.CoinsRez)
	require.Equal(t, int64(40), enr.CoinsBrand)
	require.NotNil(t, enr.RewardKey)
	require.Equal(t, float64(30), enr.ImpactValue)
	require.Equal(t, int64(150), h.wallet.credits[enr.ID.String()])

	var stored models.Program
	require.NoError(t, h.db.First(&stored, "id = ?", program.ID).Error)
	require.Equal(t, float64(30), stored.ImpactCurrent)

	stats, err := h.stats.Stats(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, float64(30), stats.MealsServed)
	require.Equal(t, int64(150), stats.TotalRezCoinsEarned)

	_, err = h.service.Complete(ctx, userID, program.ID, adminID, 30)
	require.ErrorIs(t, err, ErrAlreadyCompleted)
	require.Len(t, h.wallet.credits, 1)
}

func TestCompleteDefaultsImpactValue(t *testing.T) {
	h := newHarness(t)
	_, program := h.seedSponsoredProgram(t, 0, func(p *models.Program) { p.ImpactMetric = "trees_planted" })
	userID := uuid.New()
	ctx := context.Background()

	_, err := h.service.Register(ctx, userID, program.ID)
	require.NoError(t, err)
	enr, err := h.service.Complete(ctx, userID, program.ID, uuid.New(), 0)
	require.NoError(t, err)
	require.Equal(t, float64(1), enr.ImpactValue)
}

func TestCompleteCompensatesWalletOnLedgerFailure(t *testing.T) {
	h := newHarness(t)
	// The program promises 500 brand coins but only 100 are allocated.
	_, program := h.seedSponsoredProgram(t, 100, func(p *models.Program) {
		p.RewardRezCoins = 50
		p.RewardBrandCoins = 500
	})
	userID := uuid.New()
	ctx := context.Background()

	_, err := h.service.Register(ctx, userID, program.ID)
	require.NoError(t, err)
	_, err = h.service.Complete(ctx, userID, program.ID, uuid.New(), 1)
	require.ErrorIs(t, err, ledger.ErrInsufficientEventBudget)

	// The wallet credit was rolled back by compensation.
	require.Len(t, h.wallet.reversals, 1)

	var stored models.Enrollment
	require.NoError(t, h.db.First(&stored, "user_id = ?", userID).Error)
	require.Equal(t, models.StatusRegistered, stored.Status)
	require.Nil(t, stored.RewardKey)
}

func TestMarkNoShow(t *testing.T) {
	h := newHarness(t)
	program := h.seedProgram(t, nil)
	userID := uuid.New()
	ctx := context.Background()

	_, err := h.service.Register(ctx, userID, program.ID)
	require.NoError(t, err)
	enr, err := h.service.MarkNoShow(ctx, userID, program.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusNoShow, enr.Status)

	_, err = h.service.Register(ctx, userID, program.ID)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestBulkCompleteIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	_, program := h.seedSponsoredProgram(t, 1_000, func(p *models.Program) { p.RewardRezCoins = 10 })
	ctx := context.Background()
	adminID := uuid.New()

	good1, good2, missing := uuid.New(), uuid.New(), uuid.New()
	_, err := h.service.Register(ctx, good1, program.ID)
	require.NoError(t, err)
	_, err = h.service.Register(ctx, good2, program.ID)
	require.NoError(t, err)

	result := h.service.BulkComplete(ctx, program.ID, []uuid.UUID{good1, missing, good2}, adminID, 2)
	require.Len(t, result.Succeeded, 2)
	require.Len(t, result.Failed, 1)
	require.Equal(t, missing, result.Failed[0].UserID)

	for _, userID := range result.Succeeded {
		var stored models.Enrollment
		require.NoError(t, h.db.First(&stored, "user_id = ?", userID).Error)
		require.Equal(t, models.StatusCompleted, stored.Status)
	}
}

func TestForUserAndParticipantsFilters(t *testing.T) {
	h := newHarness(t)
	programA := h.seedProgram(t, nil)
	programB := h.seedProgram(t, nil)
	userID := uuid.New()
	ctx := context.Background()

	_, err := h.service.Register(ctx, userID, programA.ID)
	require.NoError(t, err)
	_, err = h.service.Register(ctx, userID, programB.ID)
	require.NoError(t, err)
	_, err = h.service.Cancel(ctx, userID, programB.ID, "")
	require.NoError(t, err)

	all, err := h.service.ForUser(ctx, userID, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	registered, err := h.service.ForUser(ctx, userID, models.StatusRegistered)
	require.NoError(t, err)
	require.Len(t, registered, 1)
	require.Equal(t, programA.ID, registered[0].ProgramID)

	participants, err := h.service.Participants(ctx, programA.ID, "")
	require.NoError(t, err)
	require.Len(t, participants, 1)

	_, err = h.service.Participants(ctx, uuid.New(), "")
	require.ErrorIs(t, err, ErrProgramNotFound)
}

func TestCompleteWalletOutageLeavesEnrollmentUntouched(t *testing.T) {
	h := newHarness(t)
	_, program := h.seedSponsoredProgram(t, 100, func(p *models.Program) { p.RewardRezCoins = 10 })
	userID := uuid.New()
	ctx := context.Background()

	_, err := h.service.Register(ctx, userID, program.ID)
	require.NoError(t, err)

	h.wallet.creditErr = errors.New("wallet timeout")
	_, err = h.service.Complete(ctx, userID, program.ID, uuid.New(), 1)
	require.Error(t, err)
	require.Empty(t, h.wallet.reversals)

	var stored models.Enrollment
	require.NoError(t, h.db.First(&stored, "user_id = ?", userID).Error)
	require.Equal(t, models.StatusRegistered, stored.Status)
}
