package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
)

func TestPreviewPlanChange(t *testing.T) {
	manager, _, billing := newTestManager(t)
	ctx := context.Background()

	billing.subs["sub_123"] = providerSubscription("sub_123", "cus_1", "user-1", stripe.SubscriptionStatusActive)
	billing.upcoming = &stripe.Invoice{
		Currency:  stripe.CurrencyUSD,
		AmountDue: 2450,
		Lines: &stripe.InvoiceLineList{
			Data: []*stripe.InvoiceLine{
				{Description: "Unused time on Starter", Amount: -2450, Proration: true},
				{Description: "Remaining time on Pro", Amount: 4900, Proration: true},
			},
		},
	}

	preview, err := manager.PreviewPlanChange(ctx, PreviewOptions{
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_123",
		NewPriceID:           "price_pro",
	})
	require.NoError(t, err)
	assert.Equal(t, "usd", preview.Currency)
	assert.EqualValues(t, 2450, preview.AmountDue)
	require.Len(t, preview.Lines, 2)
	assert.True(t, preview.Lines[0].Proration)
	assert.EqualValues(t, -2450, preview.Lines[0].Amount)
}

func TestPreviewPlanChangeDoesNotTouchStore(t *testing.T) {
	manager, _, billing := newTestManager(t)
	ctx := context.Background()

	row, err := manager.CreateFreeSubscription(ctx, "user-1")
	require.NoError(t, err)

	billing.subs["sub_123"] = providerSubscription("sub_123", "cus_1", "user-1", stripe.SubscriptionStatusActive)
	billing.upcoming = &stripe.Invoice{Currency: stripe.CurrencyUSD}

	_, err = manager.PreviewPlanChange(ctx, PreviewOptions{
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_123",
		NewPriceID:           "price_pro",
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, manager.DB.Model(&Subscription{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	var unchanged Subscription
	require.NoError(t, manager.DB.First(&unchanged, "id = ?", row.ID).Error)
	assert.Equal(t, StatusActive, unchanged.Status)
	assert.Equal(t, row.UpdatedAt.Unix(), unchanged.UpdatedAt.Unix())
}

func TestPreviewPlanChangeMissingFields(t *testing.T) {
	manager, _, _ := newTestManager(t)

	_, err := manager.PreviewPlanChange(context.Background(), PreviewOptions{
		StripeCustomerID: "cus_1",
	})
	assert.Error(t, err)
}

func TestPreviewPlanChangeSubscriptionGone(t *testing.T) {
	manager, _, _ := newTestManager(t)

	_, err := manager.PreviewPlanChange(context.Background(), PreviewOptions{
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_gone",
		NewPriceID:           "price_pro",
	})
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestPreviewPlanChangeProviderError(t *testing.T) {
	manager, _, billing := newTestManager(t)

	billing.subs["sub_123"] = providerSubscription("sub_123", "cus_1", "user-1", stripe.SubscriptionStatusActive)
	billing.upcomingErr = &stripe.Error{
		HTTPStatusCode: 400,
		Msg:            "This customer has no attached payment source or default payment method.",
	}

	_, err := manager.PreviewPlanChange(context.Background(), PreviewOptions{
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_123",
		NewPriceID:           "price_pro",
	})
	require.Error(t, err)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Contains(t, provErr.Message, "no attached payment source")
}
