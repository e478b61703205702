package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/lukeortiz/lawnquote/external"

	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

// ProrationLine is one line of a previewed invoice
type ProrationLine struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Proration   bool   `json:"proration"`
}

// ProrationPreview is what the user would be billed if they changed plans
// right now. Computed entirely by the provider, nothing is committed.
type ProrationPreview struct {
	Currency      string          `json:"currency"`
	AmountDue     int64           `json:"amountDue"`
	ProrationDate time.Time       `json:"prorationDate"`
	Lines         []ProrationLine `json:"lines"`
}

// PreviewOptions identifies the hypothetical plan change
type PreviewOptions struct {
	StripeCustomerID     string
	StripeSubscriptionID string
	NewPriceID           string
}

// PreviewPlanChange asks the provider for the proration of swapping the
// subscription's current price for NewPriceID. Pure read: neither local nor
// provider state is mutated, and provider errors surface with the
// provider's message attached instead of a fabricated preview.
func (m *Manager) PreviewPlanChange(ctx context.Context, opt PreviewOptions) (*ProrationPreview, error) {
	if len(opt.StripeCustomerID) == 0 {
		return nil, fmt.Errorf("PreviewOptions.StripeCustomerID is required")
	}
	if len(opt.StripeSubscriptionID) == 0 {
		return nil, fmt.Errorf("PreviewOptions.StripeSubscriptionID is required")
	}
	if len(opt.NewPriceID) == 0 {
		return nil, fmt.Errorf("PreviewOptions.NewPriceID is required")
	}

	logger := m.Logger.With(
		zap.String("StripeCustomerID", opt.StripeCustomerID),
		zap.String("StripeSubscriptionID", opt.StripeSubscriptionID),
		zap.String("NewPriceID", opt.NewPriceID),
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
	if stripeSub.Items == nil || len(stripeSub.Items.Data) == 0 {
		return nil, fmt.Errorf("provider subscription %s has no items to swap", opt.StripeSubscriptionID)
	}

	prorationDate := time.Now()
	params := &stripe.InvoiceParams{
		Customer:     stripe.String(opt.StripeCustomerID),
		Subscription: stripe.String(opt.StripeSubscriptionID),
		SubscriptionItems: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(stripeSub.Items.Data[0].ID),
				Price: stripe.String(opt.NewPriceID),
			},
		},
		SubscriptionProrationDate: stripe.Int64(prorationDate.Unix()),
	}

	inv, err := m.Billing.UpcomingInvoice(ctx, params)
	if err != nil {
		logger.Error("Stripe returned error",
			zap.Error(err),
		)
		return nil, NewProviderError("proration preview", err)
	}

	preview := &ProrationPreview{
		Currency:      string(inv.Currency),
		AmountDue:     inv.AmountDue,
		ProrationDate: prorationDate,
		Lines:         make([]ProrationLine, 0, 4),
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			preview.Lines = append(preview.Lines, ProrationLine{
				Description: line.Description,
				Amount:      line.Amount,
				Proration:   line.Proration,
			})
		}
	}

	return preview, nil
}
