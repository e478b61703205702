package subscription

import (
	"context"
	"errors"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FreePriceHealth values reported by the admin status endpoint
const (
	HealthOK       = "healthy"
	HealthNeedsFix = "needs_fix"
)

// SyncPrices refreshes the local price mirror from the billing provider.
// Returns how many prices were written.
func (m *Manager) SyncPrices(ctx context.Context) (int, error) {
	prices, err := m.Billing.ListPrices(ctx)
	if err != nil {
		m.Logger.Error("Stripe returned error",
			zap.Error(err),
		)
		return 0, NewProviderError("price list", err)
	}

	count := 0
	for _, p := range prices {
		mirror := Price{
			ID:         p.ID,
			UnitAmount: p.UnitAmount,
			Currency:   string(p.Currency),
			Active:     p.Active,
			Created:    time.Unix(p.Created, 0),
		}
		if p.Recurring != nil {
			mirror.Interval = string(p.Recurring.Interval)
		}
		result := m.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"unit_amount", "currency", "interval", "active", "created"}),
		}).Create(&mirror)
		if result.Error != nil {
			return count, extErrors.Wrap(result.Error, "Cannot persist price mirror")
		}
		count++
	}
	return count, nil
}

// UpsertPriceMirror writes a single provider price into the mirror table.
// Used by the webhook on price lifecycle events.
func (m *Manager) UpsertPriceMirror(ctx context.Context, p *stripe.Price) error {
	mirror := Price{
		ID:         p.ID,
		UnitAmount: p.UnitAmount,
		Currency:   string(p.Currency),
		Active:     p.Active,
		Created:    time.Unix(p.Created, 0),
	}
	if p.Recurring != nil {
		mirror.Interval = string(p.Recurring.Interval)
	}
	result := m.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"unit_amount", "currency", "interval", "active", "created"}),
	}).Create(&mirror)
	if result.Error != nil {
		m.Logger.Error("Unable to persist price mirror",
			zap.String("StripePriceID", p.ID),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot persist price mirror")
	}
	return nil
}

// EnsureFreePriceActive restores the invariant that exactly one zero-amount
// price is active. When the invariant already holds this is a no-op and the
// returned id is empty; otherwise the newest zero-amount price is marked
// active on the provider and the mirror repaired with a single
// clear-all-then-set-one transaction. Running it twice in a row is a no-op
// the second time.
func (m *Manager) EnsureFreePriceActive(ctx context.Context) (string, error) {
	var freePrices []Price
	result := m.DB.WithContext(ctx).
		Where("unit_amount = 0").
		Order("created desc").
		Find(&freePrices)
	if result.Error != nil {
		return "", extErrors.Wrap(result.Error, "Cannot list free price mirrors")
	}

	if len(freePrices) == 0 {
		// nothing to repair with, the status endpoint reports needs_fix
		return "", nil
	}

	activeCount := 0
	for _, p := range freePrices {
		if p.Active {
			activeCount++
		}
	}
	if activeCount == 1 {
		return "", nil
	}

	target := freePrices[0]

	if !target.Active {
		if _, err := m.Billing.UpdatePrice(ctx, target.ID, &stripe.PriceParams{
			Active: stripe.Bool(true),
		}); err != nil {
			m.Logger.Error("Stripe returned error",
				zap.String("StripePriceID", target.ID),
				zap.Error(err),
			)
			return "", NewProviderError("price activation", err)
		}
	}

	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if res := tx.Model(&Price{}).
			Where("unit_amount = 0").
			Where("id <> ?", target.ID).
			Where("active = ?", true).
			Update("active", false); res.Error != nil {
			return res.Error
		}
		return tx.Model(&Price{}).
			Where("id = ?", target.ID).
			Update("active", true).Error
	})
	if err != nil {
		m.Logger.Error("Unable to repair free price mirrors",
			zap.String("StripePriceID", target.ID),
			zap.Error(err),
		)
		return "", extErrors.Wrap(err, "Cannot repair free price mirrors")
	}

	return target.ID, nil
}

// FreePriceHealth reports whether exactly one zero-amount price is active
func (m *Manager) FreePriceHealth(ctx context.Context) (string, error) {
	var count int64
	result := m.DB.WithContext(ctx).Model(&Price{}).
		Where("unit_amount = 0").
		Where("active = ?", true).
		Count(&count)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", extErrors.Wrap(result.Error, "Cannot count free price mirrors")
	}
	if count == 1 {
		return HealthOK, nil
	}
	return HealthNeedsFix, nil
}
