package customer

import (
	"context"
	"errors"

	"github.com/lukeortiz/lawnquote/external"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNoBillingCustomer signals that the user has never transacted and
// therefore has no Stripe customer. Callers must treat this as a normal
// outcome, not fabricate a customer to silence it.
var ErrNoBillingCustomer = errors.New("user has no billing customer")

// Manager resolves local users to Stripe customers, creating them lazily
type Manager struct {
	db      *gorm.DB
	billing external.Billing
	logger  *zap.Logger
}

// NewManager returns a new Manager for billing customers
func NewManager(logger *zap.Logger, db *gorm.DB, billing external.Billing) (*Manager, error) {
	if err := db.AutoMigrate(&BillingCustomer{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize customer.Manager")
	}
	return &Manager{
		db:      db,
		billing: billing,
		logger:  logger,
	}, nil
}

// GetByUserID will try to return the billing customer by local user id
func (m *Manager) GetByUserID(ctx context.Context, userID string) (*BillingCustomer, error) {
	var cust BillingCustomer

	result := m.db.WithContext(ctx).First(&cust, "user_id = ?", userID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.String("UserID", userID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get billing customer by user id")
	}

	return &cust, nil
}

// GetByStripeID will try to return the billing customer by Stripe customer id
func (m *Manager) GetByStripeID(ctx context.Context, stripeID string) (*BillingCustomer, error) {
	var cust BillingCustomer

	result := m.db.WithContext(ctx).First(&cust, "stripe_id = ?", stripeID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.String("StripeCustomerID", stripeID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get billing customer by stripe id")
	}

	return &cust, nil
}

// Resolve returns the Stripe customer id for a user who already has one, or
// ErrNoBillingCustomer for users who never started a paid flow.
func (m *Manager) Resolve(ctx context.Context, userID string) (string, error) {
	cust, err := m.GetByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	if cust == nil {
		return "", ErrNoBillingCustomer
	}
	return cust.StripeID, nil
}

// Ensure returns the billing customer for the user, creating one on Stripe
// and persisting the mapping if this is the user's first paid flow.
func (m *Manager) Ensure(ctx context.Context, userID, email string) (*BillingCustomer, error) {
	existing, err := m.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.AddMetadata("user_id", userID)

	c, err := m.billing.CreateCustomer(ctx, params)
	if err != nil {
		m.logger.Error("Stripe returned error",
			zap.String("UserID", userID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot create a new Customer on Stripe")
	}

	return m.EnsureMapping(ctx, userID, c.ID)
}

// EnsureMapping persists the user -> stripe customer mapping, treating a
// duplicate-row race as already-resolved and re-reading the winner.
func (m *Manager) EnsureMapping(ctx context.Context, userID, stripeID string) (*BillingCustomer, error) {
	newCust := &BillingCustomer{
		UserID:   userID,
		StripeID: stripeID,
	}
	result := m.db.WithContext(ctx).Create(newCust)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return m.GetByUserID(ctx, userID)
		}
		m.logger.Error("Database returned error",
			zap.String("UserID", userID),
			zap.String("StripeCustomerID", stripeID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot persist billing customer mapping")
	}

	return newCust, nil
}
