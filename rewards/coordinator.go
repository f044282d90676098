// Package rewards coordinates reward disbursement when a participant
// completes an event: rez coins go out through the external wallet, brand
// coins through the sponsor's budget ledger, and the user's impact stats are
// folded forward, all keyed so a replay can never double-pay.
package rewards

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"rezrewards/impact"
	"rezrewards/ledger"
	"rezrewards/models"
	"rezrewards/observability"
)

// ErrAlreadyAwarded indicates the enrollment's reward key is already set, so
// coins have been (or are being) disbursed for it.
var ErrAlreadyAwarded = errors.New("rewards: enrollment already awarded")

// Coordinator performs the disbursement leg of an event completion.
type Coordinator struct {
	ledger  *ledger.Engine
	stats   *impact.Aggregator
	wallet  WalletClient
	log     *slog.Logger
	metrics *observability.EnrollmentMetrics
	now     func() time.Time
}

// Option customises coordinator construction.
type Option func(*Coordinator)

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger overrides the coordinator logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics attaches a metrics registry.
func WithMetrics(m *observability.EnrollmentMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator wires the disbursement dependencies together.
func NewCoordinator(ledgerEngine *ledger.Engine, stats *impact.Aggregator, wallet WalletClient, opts ...Option) *Coordinator {
	coordinator := &Coordinator{
		ledger: ledgerEngine,
		stats:  stats,
		wallet: wallet,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(coordinator)
	}
	return coordinator
}

// Award disburses the program's rewards for one enrollment inside the
// caller's transaction. It mutates the enrollment's coin columns and reward
// key; the caller is responsible for saving the enrollment and, if the
// surrounding transaction fails after Award reports credited=true, for
// calling Compensate with the returned key to undo the wallet credit.
func (c *Coordinator) Award(ctx context.Context, tx *gorm.DB, enrollment *models.Enrollment, program *models.Program, impactValue float64) (key string, credited bool, err error) {
	if enrollment.RewardKey != nil {
		return "", false, ErrAlreadyAwarded
	}
	// The enrollment id is stable across retries of the same completion,
	// which makes it the natural idempotency key for both legs.
	key = enrollment.ID.String()
	rez := program.RewardRezCoins
	brand := program.RewardBrandCoins
	if program.SponsorID == nil {
		// Brand coins only exist as sponsor budget disbursements; without a
		// sponsor there is nothing to back them.
		brand = 0
	}

	defer func() {
		c.metrics.RecordReward(rez, brand, err)
	}()

	if rez > 0 {
		if err = c.wallet.Credit(ctx, enrollment.UserID, rez, key, "reward for "+program.Name); err != nil {
			return key, false, err
		}
		credited = true
	}

	if brand > 0 {
		_, err = c.ledger.DisburseTx(tx, *program.SponsorID, program.ID, brand, enrollment.ID, enrollment.UserID, "reward for "+program.Name)
		if err != nil {
			return key, credited, err
		}
	}

	if program.SponsorID != nil {
		err = tx.Model(&models.Sponsor{}).
			Where("id = ?", *program.SponsorID).
			UpdateColumn("total_participants", gorm.Expr("total_participants + 1")).Error
		if err != nil {
			return key, credited, err
		}
	}

	err = c.stats.ApplyCompletion(tx, enrollment.UserID, impact.Completion{
		EventType:  program.EventType,
		Metric:     program.ImpactMetric,
		Value:      impactValue,
		RezCoins:   rez,
		BrandCoins: brand,
		SponsorID:  program.SponsorID,
	})
	if err != nil {
		return key, credited, err
	}

	awardedAt := c.now().UTC()
	enrollment.CoinsRez = rez
	enrollment.CoinsBrand = brand
	enrollment.CoinsAwardedAt = &awardedAt
	enrollment.RewardKey = &key

	c.log.Info("reward disbursed",
		"enrollment", enrollment.ID, "user", enrollment.UserID,
		"rez", rez, "brand", brand)
	return key, credited, nil
}

// Compensate reverses a wallet credit after the surrounding transaction
// failed. Reversal failures are logged, not returned: the caller's error is
// the one that matters and the reversal can be replayed from the wallet's
// reconciliation side.
func (c *Coordinator) Compensate(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := c.wallet.Reverse(ctx, key); err != nil {
		c.log.Error("wallet reversal failed, needs manual reconciliation",
			"key", key, "error", err)
	}
}
