package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lukeortiz/lawnquote/broker"
	"github.com/lukeortiz/lawnquote/customer"
	"github.com/lukeortiz/lawnquote/external"
	"github.com/lukeortiz/lawnquote/subscription"

	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

// ErrAmbiguousProviderState is returned when the provider reports more than
// one active subscription with no local match. Guessing which one to mirror
// would hide a real inconsistency on the provider side, so the scanner
// reports instead of repairing.
var ErrAmbiguousProviderState = errors.New("provider reports multiple unmatched active subscriptions")

// ScannerOptions contains the dependencies of the Scanner
type ScannerOptions struct {
	Billing             external.Billing
	CustomerManager     *customer.Manager
	SubscriptionManager *subscription.Manager
	Producer            broker.Producer // optional
	Logger              *zap.Logger
}

// Scanner detects and repairs drift between the provider's subscriptions
// and the local mirror, one user at a time.
type Scanner struct {
	ScannerOptions
}

// NewScanner will create a Scanner for on-demand reconciliation
func NewScanner(option ScannerOptions) (*Scanner, error) {
	if option.Billing == nil {
		return nil, fmt.Errorf("nil Billing is invalid")
	}
	if option.CustomerManager == nil {
		return nil, fmt.Errorf("nil CustomerManager is invalid")
	}
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Scanner{
		ScannerOptions: option,
	}, nil
}

// Report describes the outcome of one reconciliation pass
type Report struct {
	// Synced is the provider subscription id that was repaired into the
	// local store, null when nothing needed repair
	Synced *string `json:"synced"`
	Reason string  `json:"reason,omitempty"`
}

// ReconcileUser compares the provider's subscriptions for the user against
// local rows and repairs a single missing active subscription through
// Upsert. Users with no billing customer short-circuit before any provider
// call: having none is a definitive answer, not an error.
func (s *Scanner) ReconcileUser(ctx context.Context, userID string) (*Report, error) {
	if len(userID) == 0 {
		return nil, fmt.Errorf("userID is required")
	}

	logger := s.Logger.With(zap.String("UserID", userID))

	stripeCustomerID, err := s.CustomerManager.Resolve(ctx, userID)
	if errors.Is(err, customer.ErrNoBillingCustomer) {
		return &Report{
			Synced: nil,
			Reason: "user has no billing customer, nothing to reconcile",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	providerSubs, err := s.Billing.ListSubscriptions(ctx, stripeCustomerID)
	if err != nil {
		logger.Error("Stripe returned error",
			zap.String("StripeCustomerID", stripeCustomerID),
			zap.Error(err),
		)
		return nil, subscription.NewProviderError("subscription list", err)
	}

	localSubs, err := s.SubscriptionManager.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	mirrored := make(map[string]struct{}, len(localSubs))
	for _, local := range localSubs {
		if local.StripeSubscriptionID != nil {
			mirrored[*local.StripeSubscriptionID] = struct{}{}
		}
	}

	unmatched := make([]string, 0, 1)
	for _, provider := range providerSubs {
		if provider.Status != stripe.SubscriptionStatusActive {
			continue
		}
		if _, ok := mirrored[provider.ID]; !ok {
			unmatched = append(unmatched, provider.ID)
		}
	}

	if len(unmatched) == 0 {
		return &Report{
			Synced: nil,
			Reason: "local rows already match provider state",
		}, nil
	}
	if len(unmatched) > 1 {
		logger.Error("Provider state is ambiguous",
			zap.String("StripeCustomerID", stripeCustomerID),
			zap.Strings("UnmatchedSubscriptionIDs", unmatched),
		)
		return nil, ErrAmbiguousProviderState
	}

	repaired, err := s.SubscriptionManager.Upsert(ctx, subscription.UpsertOptions{
		StripeSubscriptionID: unmatched[0],
		StripeCustomerID:     stripeCustomerID,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Repaired missing local subscription",
		zap.String("StripeSubscriptionID", unmatched[0]),
		zap.String("SubscriptionID", repaired.ID),
	)

	if s.Producer != nil {
		event := &subscription.ChangeEvent{
			SubscriptionID:       repaired.ID,
			StripeSubscriptionID: unmatched[0],
			UserID:               userID,
			Status:               repaired.Status,
			OccurredAt:           time.Now().Unix(),
		}
		if err := s.Producer.PublishSubscriptionChange(event); err != nil {
			// the repair itself is already persisted, fan-out is best effort
			logger.Error("Unable to publish subscription change",
				zap.Error(err),
			)
		}
	}

	synced := unmatched[0]
	return &Report{
		Synced: &synced,
	}, nil
}
