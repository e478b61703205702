package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lukeortiz/lawnquote/customer"
	"github.com/lukeortiz/lawnquote/external"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrSubscriptionNotFound is returned when the billing provider no longer
// has the referenced subscription. The record may have been deleted
// out-of-band; callers may treat this as recoverable.
var ErrSubscriptionNotFound = errors.New("subscription does not exist on the billing provider")

// ErrUnattributable is returned when a provider subscription cannot be tied
// to a local user, neither via a billing customer mapping nor via the
// subscription's own metadata.
var ErrUnattributable = errors.New("cannot attribute subscription to a local user")

// ProviderError carries the billing provider's own message. Provider
// failures are never converted into fabricated success values.
type ProviderError struct {
	Op      string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("billing provider error during %s: %s", e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps a provider failure with its message for surfacing
func NewProviderError(op string, err error) *ProviderError {
	return &ProviderError{
		Op:      op,
		Message: external.ErrorMessage(err),
		Err:     err,
	}
}

// ManagerOptions contains the dependencies of the subscription Manager
type ManagerOptions struct {
	Billing         external.Billing
	CustomerManager *customer.Manager
	DB              *gorm.DB
	Logger          *zap.Logger
}

// Manager keeps local subscription rows consistent with the billing provider
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for subscriptions
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.Billing == nil {
		return nil, fmt.Errorf("nil Billing is invalid")
	}
	if option.CustomerManager == nil {
		return nil, fmt.Errorf("nil CustomerManager is invalid")
	}
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Subscription{}, &Price{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	// at most one current (active/trialing) row per user, enforced by the
	// database rather than application-level locking
	if err := option.DB.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_one_current ON subscriptions(user_id) WHERE status IN ('active','trialing')`,
	).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot create current-subscription index")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// UpsertOptions identifies which provider subscription to mirror locally
type UpsertOptions struct {
	StripeSubscriptionID string
	StripeCustomerID     string
	// IsCreateAction additionally ensures the billing customer mapping
	// exists before the subscription row is written
	IsCreateAction bool
}

// Upsert fetches the authoritative subscription from the billing provider
// and inserts or updates the corresponding local row. Replaying the same
// provider state is a no-op: the row is keyed on the provider's
// subscription identifier.
func (m *Manager) Upsert(ctx context.Context, opt UpsertOptions) (*Subscription, error) {
	if len(opt.StripeSubscriptionID) == 0 {
		return nil, fmt.Errorf("UpsertOptions.StripeSubscriptionID is required")
	}

	logger := m.Logger.With(
		zap.String("StripeSubscriptionID", opt.StripeSubscriptionID),
		zap.String("StripeCustomerID", opt.StripeCustomerID),
	)

	stripeSub, err := m.Billing.GetSubscription(ctx, opt.StripeSubscriptionID)
	if err != nil {
		if external.IsNotFound(err) {
			return nil, ErrSubscriptionNotFound
		}
		logger.Error("Stripe returned error",
			zap.Error(err),
		)
		return nil, NewProviderError("subscription fetch", err)
	}

	customerID := opt.StripeCustomerID
	if len(customerID) == 0 && stripeSub.Customer != nil {
		customerID = stripeSub.Customer.ID
	}
	if len(customerID) == 0 {
		return nil, fmt.Errorf("provider subscription %s has no customer", stripeSub.ID)
	}

	userID, err := m.attributeUser(ctx, stripeSub.Metadata, customerID, opt.IsCreateAction)
	if err != nil {
		return nil, err
	}

	status := Status(stripeSub.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("provider reported unknown subscription status %q", stripeSub.Status)
	}

	var priceID *string
	if stripeSub.Items != nil && len(stripeSub.Items.Data) > 0 && stripeSub.Items.Data[0].Price != nil {
		priceID = &stripeSub.Items.Data[0].Price.ID
	}

	meta := make(Metadata, len(stripeSub.Metadata))
	for k, v := range stripeSub.Metadata {
		meta[k] = v
	}

	var row Subscription
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if status.Current() {
			// a paid subscription going current supersedes any free-plan
			// grant, otherwise the one-current-row constraint rejects the
			// insert below
			res := tx.Model(&Subscription{}).
				Where("user_id = ?", userID).
				Where("stripe_subscription_id IS NULL").
				Where("status IN ?", []string{string(StatusActive), string(StatusTrialing)}).
				Update("status", StatusCanceled)
			if res.Error != nil {
				return res.Error
			}
		}

		result := tx.Where("stripe_subscription_id = ?", stripeSub.ID).First(&row)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			row = Subscription{
				ID:                   shortuuid.New(),
				UserID:               userID,
				StripeSubscriptionID: &stripeSub.ID,
				StripeCustomerID:     &customerID,
				Status:               status,
				StripePriceID:        priceID,
				CurrentPeriodStart:   time.Unix(stripeSub.CurrentPeriodStart, 0),
				CurrentPeriodEnd:     time.Unix(stripeSub.CurrentPeriodEnd, 0),
				CancelAtPeriodEnd:    stripeSub.CancelAtPeriodEnd,
				Metadata:             meta,
			}
			return tx.Create(&row).Error
		}
		if result.Error != nil {
			return result.Error
		}

		row.UserID = userID
		row.StripeCustomerID = &customerID
		row.Status = status
		row.StripePriceID = priceID
		row.CurrentPeriodStart = time.Unix(stripeSub.CurrentPeriodStart, 0)
		row.CurrentPeriodEnd = time.Unix(stripeSub.CurrentPeriodEnd, 0)
		row.CancelAtPeriodEnd = stripeSub.CancelAtPeriodEnd
		row.Metadata = meta
		return tx.Save(&row).Error
	})
	if err != nil {
		// callers depend on the return value reflecting persisted state, so
		// a store failure is fatal to the call
		logger.Error("Unable to persist subscription",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot persist subscription")
	}

	return &row, nil
}

// attributeUser resolves which local user a provider subscription belongs
// to: the billing customer mapping first, the subscription's own metadata as
// the checkout-time fallback.
func (m *Manager) attributeUser(ctx context.Context, stripeMeta map[string]string, customerID string, ensureMapping bool) (string, error) {
	cust, err := m.CustomerManager.GetByStripeID(ctx, customerID)
	if err != nil {
		return "", err
	}
	if cust != nil {
		return cust.UserID, nil
	}

	userID := stripeMeta["user_id"]
	if len(userID) == 0 {
		return "", ErrUnattributable
	}
	if ensureMapping {
		if _, err := m.CustomerManager.EnsureMapping(ctx, userID, customerID); err != nil {
			return "", err
		}
	}
	return userID, nil
}

// CreateFreeSubscription grants the user a free-plan row, or returns the
// existing current row unchanged. Two concurrent grants resolve through the
// one-current-row unique index, never into two active rows.
func (m *Manager) CreateFreeSubscription(ctx context.Context, userID string) (*Subscription, error) {
	if len(userID) == 0 {
		return nil, fmt.Errorf("userID is required")
	}

	existing, err := m.CurrentForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now()
	row := &Subscription{
		ID:     shortuuid.New(),
		UserID: userID,
		Status: StatusActive,
		Metadata: Metadata{
			MetadataPlanType: PlanTypeFree,
		},
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(1, 0, 0),
	}
	result := m.DB.WithContext(ctx).Create(row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			// lost the race, the winner's row is the grant
			return m.CurrentForUser(ctx, userID)
		}
		m.Logger.Error("Unable to create free subscription",
			zap.String("UserID", userID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create free subscription")
	}

	return row, nil
}

// CurrentForUser returns the user's current (active or trialing) row, or nil
func (m *Manager) CurrentForUser(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("status IN ?", []string{string(StatusActive), string(StatusTrialing)}).
		Order("created_at desc").
		First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.String("UserID", userID),
			zap.Error(result.Error),
		)
		return nil, result.Error
	}

	return &sub, nil
}

// ListByUser returns all local rows of a user, newest first
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]Subscription, error) {
	results := make([]Subscription, 0, 2)
	result := m.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&results)

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.String("UserID", userID),
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}
