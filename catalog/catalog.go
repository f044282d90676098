// Package catalog manages the sponsor directory and the impact event
// listings, including the approval workflow for partner-submitted events.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"rezrewards/models"
)

var (
	// ErrSponsorNotFound indicates the sponsor does not exist.
	ErrSponsorNotFound = errors.New("catalog: sponsor not found")
	// ErrSponsorInactive indicates the sponsor has been deactivated.
	ErrSponsorInactive = errors.New("catalog: sponsor is inactive")
	// ErrSlugTaken indicates another sponsor already uses the slug.
	ErrSlugTaken = errors.New("catalog: sponsor slug already taken")
	// ErrProgramNotFound indicates the program does not exist.
	ErrProgramNotFound = errors.New("catalog: program not found")
	// ErrNotPendingApproval indicates an approval decision was attempted on
	// a program outside the pending_approval state.
	ErrNotPendingApproval = errors.New("catalog: program is not pending approval")
	// ErrInvalidInput indicates a create or update payload failed
	// validation.
	ErrInvalidInput = errors.New("catalog: invalid input")
)

// Service owns catalog reads and writes.
type Service struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
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

// NewService constructs a catalog service over the supplied database handle.
func NewService(db *gorm.DB, opts ...Option) *Service {
	service := &Service{
		db:  db,
		log: slog.Default(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// SponsorInput carries the writable sponsor fields.
type SponsorInput struct {
	Name          string `json:"name"`
	Slug          string `json:"slug"`
	Logo          string `json:"logo"`
	Description   string `json:"description"`
	BrandCoinName string `json:"brandCoinName"`
	BrandCoinLogo string `json:"brandCoinLogo"`
	Website       string `json:"website"`
	Industry      string `json:"industry"`
}

// CreateSponsor registers a new sponsor. The slug defaults to a slugified
// name when omitted.
func (s *Service) CreateSponsor(ctx context.Context, input SponsorInput) (*models.Sponsor, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	slug := strings.TrimSpace(input.Slug)
	if slug == "" {
		slug = slugify(name)
	}
	sponsor := &models.Sponsor{
		ID:            uuid.New(),
		Name:          name,
		Slug:          slug,
		Logo:          strings.TrimSpace(input.Logo),
		Description:   strings.TrimSpace(input.Description),
		BrandCoinName: strings.TrimSpace(input.BrandCoinName),
		BrandCoinLogo: strings.TrimSpace(input.BrandCoinLogo),
		Website:       strings.TrimSpace(input.Website),
		Industry:      strings.TrimSpace(input.Industry),
		IsActive:      true,
	}
	if err := s.db.WithContext(ctx).Create(sponsor).Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrSlugTaken
		}
		return nil, err
	}
	s.log.Info("sponsor created", "sponsor", sponsor.ID, "slug", sponsor.Slug)
	return sponsor, nil
}

// Sponsor returns a sponsor by id.
func (s *Service) Sponsor(ctx context.Context, id uuid.UUID) (*models.Sponsor, error) {
	var sponsor models.Sponsor
	if err := s.db.WithContext(ctx).First(&sponsor, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSponsorNotFound
		}
		return nil, err
	}
	return &sponsor, nil
}

// Sponsors lists sponsors, optionally restricted to active ones.
func (s *Service) Sponsors(ctx context.Context, activeOnly bool) ([]models.Sponsor, error) {
	query := s.db.WithContext(ctx).Order("name ASC")
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	var sponsors []models.Sponsor
	if err := query.Find(&sponsors).Error; err != nil {
		return nil, err
	}
	return sponsors, nil
}

// SetSponsorActive toggles a sponsor's active flag.
func (s *Service) SetSponsorActive(ctx context.Context, id uuid.UUID, active bool) (*models.Sponsor, error) {
	sponsor, err := s.Sponsor(ctx, id)
	if err != nil {
		return nil, err
	}
	sponsor.IsActive = active
	if err := s.db.WithContext(ctx).Save(sponsor).Error; err != nil {
		return nil, err
	}
	return sponsor, nil
}

// ProgramInput carries the writable program fields.
type ProgramInput struct {
	SponsorID        *uuid.UUID `json:"sponsorId"`
	Name             string     `json:"name"`
	EventType        string     `json:"eventType"`
	EventDate        time.Time  `json:"eventDate"`
	Address          string     `json:"address"`
	City             string     `json:"city"`
	Latitude         float64    `json:"latitude"`
	Longitude        float64    `json:"longitude"`
	CheckInRadiusM   float64    `json:"checkInRadiusM"`
	RewardRezCoins   int64      `json:"rewardRezCoins"`
	RewardBrandCoins int64      `json:"rewardBrandCoins"`
	CapacityGoal     int        `json:"capacityGoal"`
	ImpactMetric     string     `json:"impactMetric"`
	ImpactTarget     float64    `json:"impactTarget"`
	Featured         bool       `json:"featured"`
	// NeedsApproval submits the event for review instead of publishing it
	// immediately. Partner-submitted events always set this.
	NeedsApproval bool `json:"-"`
}

// CreateProgram creates an impact event. Sponsored events require an active
// sponsor.
func (s *Service) CreateProgram(ctx context.Context, input ProgramInput) (*models.Program, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if input.RewardRezCoins < 0 || input.RewardBrandCoins < 0 {
		return nil, fmt.Errorf("%w: reward amounts must not be negative", ErrInvalidInput)
	}
	if input.CapacityGoal < 0 {
		return nil, fmt.Errorf("%w: capacity goal must not be negative", ErrInvalidInput)
	}
	if input.RewardBrandCoins > 0 && input.SponsorID == nil {
		return nil, fmt.Errorf("%w: brand coin rewards require a sponsor", ErrInvalidInput)
	}

	if input.SponsorID != nil {
		var sponsor models.Sponsor
		if err := s.db.WithContext(ctx).First(&sponsor, "id = ?", *input.SponsorID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrSponsorNotFound
			}
			return nil, err
		}
		if !sponsor.IsActive {
			return nil, ErrSponsorInactive
		}
	}

	status := models.ProgramActive
	if input.NeedsApproval {
		status = models.ProgramPendingApproval
	} else if input.EventDate.After(s.now().Add(24 * time.Hour)) {
		status = models.ProgramUpcoming
	}

	program := &models.Program{
		ID:               uuid.New(),
		SponsorID:        input.SponsorID,
		Name:             name,
		EventType:        strings.TrimSpace(input.EventType),
		Status:           status,
		EventDate:        input.EventDate,
		Address:          strings.TrimSpace(input.Address),
		City:             strings.TrimSpace(input.City),
		Latitude:         input.Latitude,
		Longitude:        input.Longitude,
		CheckInRadiusM:   input.CheckInRadiusM,
		RewardRezCoins:   input.RewardRezCoins,
		RewardBrandCoins: input.RewardBrandCoins,
		CapacityGoal:     input.CapacityGoal,
		ImpactMetric:     strings.TrimSpace(input.ImpactMetric),
		ImpactTarget:     input.ImpactTarget,
		Featured:         input.Featured,
	}
	if err := s.db.WithContext(ctx).Create(program).Error; err != nil {
		return nil, err
	}
	s.log.Info("program created", "program", program.ID, "status", program.Status)
	return program, nil
}

// Program returns an event by id.
func (s *Service) Program(ctx context.Context, id uuid.UUID) (*models.Program, error) {
	var program models.Program
	if err := s.db.WithContext(ctx).First(&program, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgramNotFound
		}
		return nil, err
	}
	return &program, nil
}

// ProgramFilter narrows Programs listings.
type ProgramFilter struct {
	Status    models.ProgramStatus
	EventType string
	SponsorID *uuid.UUID
	City      string
	Featured  *bool
	Page      int
	Limit     int
}

// Programs lists events soonest first, with the total count for pagination.
func (s *Service) Programs(ctx context.Context, filter ProgramFilter) ([]models.Program, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Program{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}
	if filter.SponsorID != nil {
		query = query.Where("sponsor_id = ?", *filter.SponsorID)
	}
	if filter.City != "" {
		query = query.Where("city = ?", filter.City)
	}
	if filter.Featured != nil {
		query = query.Where("featured = ?", *filter.Featured)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	var programs []models.Program
	err := query.Order("event_date ASC").Limit(limit).Offset((page - 1) * limit).Find(&programs).Error
	if err != nil {
		return nil, 0, err
	}
	return programs, total, nil
}

// ApproveProgram publishes a pending event.
func (s *Service) ApproveProgram(ctx context.Context, id uuid.UUID) (*models.Program, error) {
	return s.decideProgram(ctx, id, models.ProgramActive)
}

// RejectProgram declines a pending event.
func (s *Service) RejectProgram(ctx context.Context, id uuid.UUID) (*models.Program, error) {
	return s.decideProgram(ctx, id, models.ProgramRejected)
}

func (s *Service) decideProgram(ctx context.Context, id uuid.UUID, decision models.ProgramStatus) (*models.Program, error) {
	var program *models.Program
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Program
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProgramNotFound
			}
			return err
		}
		if row.Status != models.ProgramPendingApproval {
			return ErrNotPendingApproval
		}
		row.Status = decision
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		program = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("program reviewed", "program", id, "decision", decision)
	return program, nil
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugStrip.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
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
