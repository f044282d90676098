package catalog

import (
	"context"
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

func TestCreateSponsorSlugifiesName(t *testing.T) {
	db := setupTestDB(t)
	service := NewService(db)

	sponsor, err := service.CreateSponsor(context.Background(), SponsorInput{
		Name:          "Blue Heron Coffee Co.",
		BrandCoinName: "Heron Beans",
		Industry:      "food",
	})
	require.NoError(t, err)
	require.Equal(t, "blue-heron-coffee-co", sponsor.Slug)
	require.True(t, sponsor.IsActive)
}

func TestCreateSponsorDuplicateSlug(t *testing.T) {
	db := setupTestDB(t)
	service := NewService(db)
	ctx := context.Background()

	_, err := service.CreateSponsor(ctx, SponsorInput{Name: "Acme", Slug: "acme"})
	require.NoError(t, err)
	_, err = service.CreateSponsor(ctx, SponsorInput{Name: "Acme Two", Slug: "acme"})
	require.ErrorIs(t, err, ErrSlugTaken)
}

func TestCreateSponsorRequiresName(t *testing.T) {
	db := setupTestDB(t)
	service := NewService(db)

	_, err := service.CreateSponsor(context.Background(), SponsorInput{})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSponsorsActiveFilter(t *testing.T) {
	db := setupTestDB(t)
	service := NewService(db)
	ctx := context.Background()

	active, err := service.CreateSponsor(ctx, SponsorInput{Name: "Active Co"})
	require.NoError(t, err)
	dormant, err := service.CreateSponsor(ctx, SponsorInput{Name: "Dormant Co"})
	require.NoError(t, err)
	_, err = service.SetSponsorActive(ctx, dormant.ID, false)
	require.NoError(t, err)

	all, err := service.Sponsors(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	onlyActive, err := service.Sponsors(ctx, true)
	require.NoError(t, err)
	require.Len(t, onlyActive, 1)
	require.Equal(t, active.ID, onlyActive[0].ID)
}

func TestCreateProgramStatuses(t *testing.T) {
	db := setupTestDB(t)
	now := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	service := NewService(db, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	today, err := service.CreateProgram(ctx, ProgramInput{Name: "Beach Sweep", EventDate: now.Add(6 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, models.ProgramActive, today.Status)

	future, err := service.CreateProgram(ctx, ProgramInput{Name: "Winter Drive", EventDate: now.Add(72 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, models.ProgramUpcoming, future.Status)

	submitted, err := service.CreateProgram(ctx, ProgramInput{Name: "Partner Walkathon", EventDate: now.Add(72 * time.Hour), NeedsApproval: true})
	require.NoError(t, err)
	require.Equal(t, models.ProgramPendingApproval, submitted.Status)
}

func TestCreateProgramValidation(t *testing.T) {
	db := setupTestDB(t)
	service := NewService(db)
	ctx := context.Background()

	_, err := service.CreateProgram(ctx, ProgramInput{})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = service.CreateProgram(ctx, ProgramInput{Name: "Drive", RewardRezCoins: -1})
	require.ErrorIs(t, err, ErrInvalidInput)

	// Brand coins are disbursed from a sponsor budget, so an unsponsored
	// event cannot promise them.
	_, err = service.CreateProgram(ctx, ProgramInput{Name: "Drive", RewardBrandCoins: 25})
	require.ErrorIs(t, err, ErrInvalidInput)

	missing := uuid.New()
	_, err = service.CreateProgram(ctx, ProgramInput{Name: "Drive", SponsorID: &missing})
	require.ErrorIs(t, err, ErrSponsorNotFound)
}

func TestCreateProgramRejectsInactiveSponsor(t *testing.T) {
	db := setupTestDB(t)
	service := NewService(db)
	ctx := context.Background()

	sponsor, err := service.CreateSponsor(ctx, SponsorInput{Name: "Paused Co"})
	require.NoError(t, err)
	_, err = service.SetSponsorActive(ctx, sponsor.ID, false)
	require.NoError(t, err)

	_, err = service.CreateProgram(ctx, ProgramInput{Name: "Drive", SponsorID: &sponsor.ID})
	require.ErrorIs(t, err, ErrSponsorInactive)
}

func TestApprovalWorkflow(t *testing.T) {
	db := setupTestDB(t)
	service := NewService(db)
	ctx := context.Background()

	pending, err := service.CreateProgram(ctx, ProgramInput{Name: "Partner Event", NeedsApproval: true})
	require.NoError(t, err)

	approved, err := service.ApproveProgram(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProgramActive, approved.Status)

	// Deciding twice is rejected.
	_, err = service.ApproveProgram(ctx, pending.ID)
	require.ErrorIs(t, err, ErrNotPendingApproval)
	_, err = service.RejectProgram(ctx, pending.ID)
	require.ErrorIs(t, err, ErrNotPendingApproval)

	other, err := service.CreateProgram(ctx, ProgramInput{Name: "Another", NeedsApproval: true})
	require.NoError(t, err)
	rejected, err := service.RejectProgram(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProgramRejected, rejected.Status)

	_, err = service.ApproveProgram(ctx, uuid.New())
	require.ErrorIs(t, err, ErrProgramNotFound)
}

func TestProgramsFilterAndPaginate(t *testing.T) {
	db := setupTestDB(t)
	service := NewService(db)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := service.CreateProgram(ctx, ProgramInput{
			Name:      fmt.Sprintf("Cleanup %d", i),
			EventType: "environment",
			City:      "Chennai",
			EventDate: base.Add(time.Duration(i) * 24 * time.Hour),
		})
		require.NoError(t, err)
	}
	_, err := service.CreateProgram(ctx, ProgramInput{
		Name:      "Blood Camp",
		EventType: "health",
		City:      "Mumbai",
		EventDate: base,
	})
	require.NoError(t, err)

	programs, total, err := service.Programs(ctx, ProgramFilter{EventType: "environment"})
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, programs, 3)
	require.True(t, programs[0].EventDate.Before(programs[2].EventDate))

	programs, total, err = service.Programs(ctx, ProgramFilter{City: "Mumbai"})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "Blood Camp", programs[0].Name)

	programs, total, err = service.Programs(ctx, ProgramFilter{EventType: "environment", Limit: 2, Page: 2})
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, programs, 1)
}
