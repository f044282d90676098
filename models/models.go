package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EntryType enumerates the ledger operations recorded against a sponsor.
type EntryType string

// Ledger entry types.
const (
	EntryFund     EntryType = "fund"
	EntryAllocate EntryType = "allocate"
	EntryDisburse EntryType = "disburse"
	EntryRefund   EntryType = "refund"
)

// Valid reports whether the entry type is one of the supported operations.
func (t EntryType) Valid() bool {
	switch t {
	case EntryFund, EntryAllocate, EntryDisburse, EntryRefund:
		return true
	default:
		return false
	}
}

// Sponsor is a brand funding coin rewards for impact events. CurrentBalance is
// a cached materialisation of the ledger and must only be written by the
// ledger engine inside the same transaction that appends the entry.
type Sponsor struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name          string    `gorm:"size:128;not null" json:"name"`
	Slug          string    `gorm:"size:128;uniqueIndex" json:"slug"`
	Logo          string    `gorm:"size:512" json:"logo,omitempty"`
	Description   string    `gorm:"type:text" json:"description,omitempty"`
	BrandCoinName string    `gorm:"size:64" json:"brandCoinName,omitempty"`
	BrandCoinLogo string    `gorm:"size:512" json:"brandCoinLogo,omitempty"`
	Website       string    `gorm:"size:256" json:"website,omitempty"`
	Industry      string    `gorm:"size:64;index" json:"industry,omitempty"`
	IsActive      bool      `gorm:"not null;default:true" json:"isActive"`

	CurrentBalance        int64 `gorm:"not null;default:0" json:"currentBalance"`
	TotalBudgetFunded     int64 `gorm:"not null;default:0" json:"totalBudgetFunded"`
	TotalParticipants     int64 `gorm:"not null;default:0" json:"totalParticipants"`
	TotalCoinsDistributed int64 `gorm:"not null;default:0" json:"totalCoinsDistributed"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AllocationEntry is one immutable, append-only ledger record. Sequence is
// strictly monotonic per sponsor; the unique (sponsor_id, sequence) index is
// what turns a lost-update race into a retryable conflict. BalanceAfter is the
// sponsor balance after the entry and is only meaningful for fund, allocate
// and refund entries. The actor/enrollment/user columns form a tagged union
// keyed by Type: fund, allocate and refund carry ActorID; disburse carries
// EnrollmentID and UserID.
type AllocationEntry struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	SponsorID uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_entry_sponsor_seq,priority:1" json:"sponsorId"`
	Sequence  uint64     `gorm:"not null;uniqueIndex:idx_entry_sponsor_seq,priority:2" json:"sequence"`
	ProgramID *uuid.UUID `gorm:"type:uuid;index" json:"programId,omitempty"`
	Type      EntryType  `gorm:"size:16;not null;index" json:"type"`

	Amount       int64  `gorm:"not null" json:"amount"`
	BalanceAfter int64  `gorm:"not null" json:"balanceAfter"`
	Description  string `gorm:"size:512" json:"description,omitempty"`

	ActorID      *uuid.UUID `gorm:"type:uuid" json:"actorId,omitempty"`
	EnrollmentID *uuid.UUID `gorm:"type:uuid" json:"enrollmentId,omitempty"`
	UserID       *uuid.UUID `gorm:"type:uuid" json:"userId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// ProgramStatus tracks the lifecycle of an impact event.
type ProgramStatus string

// Program statuses.
const (
	ProgramActive          ProgramStatus = "active"
	ProgramUpcoming        ProgramStatus = "upcoming"
	ProgramPendingApproval ProgramStatus = "pending_approval"
	ProgramCompleted       ProgramStatus = "completed"
	ProgramCancelled       ProgramStatus = "cancelled"
	ProgramRejected        ProgramStatus = "rejected"
)

// Program is a sponsor-backed impact event participants enroll in.
// CapacityEnrolled and ImpactCurrent are shared counters mutated only through
// the enrollment service's transactional paths.
type Program struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	SponsorID *uuid.UUID `gorm:"type:uuid;index" json:"sponsorId,omitempty"`

	Name      string        `gorm:"size:256;not null" json:"name"`
	EventType string        `gorm:"size:64;index" json:"eventType,omitempty"`
	Status    ProgramStatus `gorm:"size:32;not null;index" json:"status"`
	EventDate time.Time     `json:"eventDate"`

	Address        string  `gorm:"size:512" json:"address,omitempty"`
	City           string  `gorm:"size:128;index" json:"city,omitempty"`
	Latitude       float64 `json:"latitude,omitempty"`
	Longitude      float64 `json:"longitude,omitempty"`
	CheckInRadiusM float64 `json:"checkInRadiusM,omitempty"`

	RewardRezCoins   int64 `gorm:"not null;default:0" json:"rewardRezCoins"`
	RewardBrandCoins int64 `gorm:"not null;default:0" json:"rewardBrandCoins"`

	CapacityGoal     int `gorm:"not null;default:0" json:"capacityGoal"`
	CapacityEnrolled int `gorm:"not null;default:0" json:"capacityEnrolled"`

	ImpactMetric  string  `gorm:"size:64" json:"impactMetric,omitempty"`
	ImpactTarget  float64 `json:"impactTarget,omitempty"`
	ImpactCurrent float64 `json:"impactCurrent,omitempty"`

	Featured bool `gorm:"not null;default:false" json:"featured"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AcceptsRegistrations reports whether new enrollments may be created.
func (p *Program) AcceptsRegistrations() bool {
	return p.Status == ProgramActive || p.Status == ProgramUpcoming
}

// EnrollmentStatus is a state in the participation lifecycle.
type EnrollmentStatus string

// Enrollment states.
const (
	StatusRegistered EnrollmentStatus = "registered"
	StatusCheckedIn  EnrollmentStatus = "checked_in"
	StatusCompleted  EnrollmentStatus = "completed"
	StatusCancelled  EnrollmentStatus = "cancelled"
	StatusNoShow     EnrollmentStatus = "no_show"
)

// VerificationMethod identifies how presence was proven at check-in.
type VerificationMethod string

// Verification methods.
const (
	VerifyManual VerificationMethod = "manual"
	VerifyQR     VerificationMethod = "qr"
	VerifyOTP    VerificationMethod = "otp"
	VerifyGeo    VerificationMethod = "geo"
)

// Enrollment is a user's participation record for one program, unique per
// (user, program). The verification columns are scoped to Method; issuing a
// new credential for one method clears the others so an enrollment never
// carries mixed verification state. RewardKey is the sparse unique idempotency
// key set exactly once when coins are awarded.
type Enrollment struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_enrollment_user_program,priority:1" json:"userId"`
	ProgramID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_enrollment_user_program,priority:2" json:"programId"`

	Status       EnrollmentStatus `gorm:"size:16;not null;index" json:"status"`
	RegisteredAt time.Time        `json:"registeredAt"`

	CheckedInAt *time.Time `json:"checkedInAt,omitempty"`
	CheckedInBy *uuid.UUID `gorm:"type:uuid" json:"checkedInBy,omitempty"`

	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CompletedBy *uuid.UUID `gorm:"type:uuid" json:"completedBy,omitempty"`

	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	CancellationReason string     `gorm:"size:512" json:"cancellationReason,omitempty"`

	Method       VerificationMethod `gorm:"size:8" json:"verificationMethod,omitempty"`
	QRToken      *string            `gorm:"size:64;uniqueIndex" json:"-"`
	QRIssuedAt   *time.Time         `json:"qrIssuedAt,omitempty"`
	OTPCode      string             `gorm:"size:8" json:"-"`
	OTPExpiresAt *time.Time         `json:"otpExpiresAt,omitempty"`
	GeoLatitude  *float64           `json:"geoLatitude,omitempty"`
	GeoLongitude *float64           `json:"geoLongitude,omitempty"`
	GeoDistanceM *float64           `json:"geoDistanceMeters,omitempty"`
	VerifiedAt   *time.Time         `json:"verifiedAt,omitempty"`

	ImpactValue    float64    `json:"impactValue,omitempty"`
	CoinsRez       int64      `gorm:"not null;default:0" json:"coinsRez"`
	CoinsBrand     int64      `gorm:"not null;default:0" json:"coinsBrand"`
	CoinsAwardedAt *time.Time `json:"coinsAwardedAt,omitempty"`
	RewardKey      *string    `gorm:"size:64;uniqueIndex" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ClearVerification resets every method-scoped verification column. Called
// before issuing a credential for a different method and on re-registration.
func (e *Enrollment) ClearVerification() {
	e.Method = ""
	e.QRToken = nil
	e.QRIssuedAt = nil
	e.OTPCode = ""
	e.OTPExpiresAt = nil
	e.GeoLatitude = nil
	e.GeoLongitude = nil
	e.GeoDistanceM = nil
	e.VerifiedAt = nil
}

// UserImpactStats keeps one row of cumulative counters per user. Created
// lazily on first registration or completion and updated forever after.
type UserImpactStats struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"userId"`

	EventsRegistered int64 `gorm:"not null;default:0" json:"totalEventsRegistered"`
	EventsCompleted  int64 `gorm:"not null;default:0" json:"totalEventsCompleted"`
	EventsAttended   int64 `gorm:"not null;default:0" json:"totalEventsAttended"`
	EventsCancelled  int64 `gorm:"not null;default:0" json:"totalEventsCancelled"`

	LivesImpacted    float64 `gorm:"not null;default:0" json:"livesImpacted"`
	TreesPlanted     float64 `gorm:"not null;default:0" json:"treesPlanted"`
	HoursContributed float64 `gorm:"not null;default:0" json:"hoursContributed"`
	MealsServed      float64 `gorm:"not null;default:0" json:"mealsServed"`
	StudentsEducated float64 `gorm:"not null;default:0" json:"studentsEducated"`
	BeachAreaCleaned float64 `gorm:"not null;default:0" json:"beachAreaCleaned"`
	BloodDonations   float64 `gorm:"not null;default:0" json:"bloodDonations"`

	TotalRezCoinsEarned   int64 `gorm:"not null;default:0" json:"totalRezCoinsEarned"`
	TotalBrandCoinsEarned int64 `gorm:"not null;default:0" json:"totalBrandCoinsEarned"`

	CurrentStreak        int        `gorm:"not null;default:0" json:"currentStreak"`
	LongestStreak        int        `gorm:"not null;default:0" json:"longestStreak"`
	LastEventCompletedAt *time.Time `json:"lastEventCompletedAt,omitempty"`

	// SponsorsEngaged is a comma-joined set of sponsor ids the user has
	// completed events for.
	SponsorsEngaged string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EngagedSponsors returns the decoded sponsor id set.
func (s *UserImpactStats) EngagedSponsors() []string {
	if strings.TrimSpace(s.SponsorsEngaged) == "" {
		return nil
	}
	return strings.Split(s.SponsorsEngaged, ",")
}

// AddSponsor records a sponsor id in the engaged set, reporting whether the
// id was newly added.
func (s *UserImpactStats) AddSponsor(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	for _, existing := range s.EngagedSponsors() {
		if existing == id {
			return false
		}
	}
	if s.SponsorsEngaged == "" {
		s.SponsorsEngaged = id
	} else {
		s.SponsorsEngaged += "," + id
	}
	return true
}

// IdempotencyKey stores HTTP request idempotency metadata so replays return
// the recorded response.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Sponsor{},
		&AllocationEntry{},
		&Program{},
		&Enrollment{},
		&UserImpactStats{},
		&IdempotencyKey{},
	)
}
