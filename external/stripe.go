package external

import (
	"context"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
)

// Billing is the surface of Stripe that the reconciliation subsystem touches.
// Signatures speak stripe-go's object model on purpose: this is not a
// provider-agnostic abstraction, only a seam so managers can be tested
// without the network.
type Billing interface {
	// CreateCustomer creates a new Customer on Stripe
	CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error)
	// GetSubscription fetches the authoritative Subscription with price and
	// product expanded
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	// ListSubscriptions returns all Subscriptions of a Customer, in any status
	ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	// ListPrices returns all Prices, active or not
	ListPrices(ctx context.Context) ([]*stripe.Price, error)
	// UpdatePrice updates a Price on Stripe
	UpdatePrice(ctx context.Context, priceID string, params *stripe.PriceParams) (*stripe.Price, error)
	// UpcomingInvoice previews the next invoice without committing anything
	UpcomingInvoice(ctx context.Context, params *stripe.InvoiceParams) (*stripe.Invoice, error)
}

type stripeBilling struct {
	api *client.API
}

var _ Billing = (*stripeBilling)(nil)

// NewStripeBilling returns the production Billing backed by Stripe
func NewStripeBilling(key string) Billing {
	sc := &client.API{}
	sc.Init(key, nil)
	return &stripeBilling{api: sc}
}

func (s *stripeBilling) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	params.Context = ctx
	return s.api.Customers.New(params)
}

func (s *stripeBilling) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{
			Context: ctx,
		},
	}
	params.AddExpand("items.data.price.product")
	params.AddExpand("customer")
	return s.api.Subscriptions.Get(subscriptionID, params)
}

func (s *stripeBilling) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		ListParams: stripe.ListParams{
			Context: ctx,
		},
		Customer: customerID,
		Status:   "all",
	}
	subs := make([]*stripe.Subscription, 0, 4)
	iter := s.api.Subscriptions.List(params)
	for iter.Next() {
		subs = append(subs, iter.Subscription())
	}
	if iter.Err() != nil {
		return nil, iter.Err()
	}
	return subs, nil
}

func (s *stripeBilling) ListPrices(ctx context.Context) ([]*stripe.Price, error) {
	params := &stripe.PriceListParams{
		ListParams: stripe.ListParams{
			Context: ctx,
		},
	}
	prices := make([]*stripe.Price, 0, 8)
	iter := s.api.Prices.List(params)
	for iter.Next() {
		prices = append(prices, iter.Price())
	}
	if iter.Err() != nil {
		return nil, iter.Err()
	}
	return prices, nil
}

func (s *stripeBilling) UpdatePrice(ctx context.Context, priceID string, params *stripe.PriceParams) (*stripe.Price, error) {
	params.Context = ctx
	return s.api.Prices.Update(priceID, params)
}

func (s *stripeBilling) UpcomingInvoice(ctx context.Context, params *stripe.InvoiceParams) (*stripe.Invoice, error) {
	params.Context = ctx
	return s.api.Invoices.GetNext(params)
}

// IsNotFound reports whether the error is Stripe telling us the referenced
// resource does not exist (e.g. deleted out-of-band).
func IsNotFound(err error) bool {
	if stripeErr, ok := err.(*stripe.Error); ok {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == 404
	}
	return false
}

// ErrorMessage extracts the provider's own message for surfacing to callers
func ErrorMessage(err error) string {
	if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.Msg != "" {
		return stripeErr.Msg
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
