package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/lukeortiz/lawnquote/customer"
	"github.com/lukeortiz/lawnquote/subscription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type mockBilling struct {
	mu   sync.Mutex
	subs map[string]*stripe.Subscription
}

func (m *mockBilling) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return &stripe.Customer{ID: "cus_mock"}, nil
}

func (m *mockBilling) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[subscriptionID]; ok {
		return sub, nil
	}
	return nil, &stripe.Error{
		Code:           stripe.ErrorCodeResourceMissing,
		HTTPStatusCode: 404,
		Msg:            "No such subscription: " + subscriptionID,
	}
}

func (m *mockBilling) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	return nil, nil
}

func (m *mockBilling) ListPrices(ctx context.Context) ([]*stripe.Price, error) {
	return nil, nil
}

func (m *mockBilling) UpdatePrice(ctx context.Context, priceID string, params *stripe.PriceParams) (*stripe.Price, error) {
	return &stripe.Price{ID: priceID}, nil
}

func (m *mockBilling) UpcomingInvoice(ctx context.Context, params *stripe.InvoiceParams) (*stripe.Invoice, error) {
	return &stripe.Invoice{}, nil
}

type recordingProducer struct {
	published []*subscription.ChangeEvent
}

func (p *recordingProducer) Close() {}

func (p *recordingProducer) PublishSubscriptionChange(event *subscription.ChangeEvent) error {
	p.published = append(p.published, event)
	return nil
}

func newTestService(t *testing.T) (*Service, *subscription.Manager, *mockBilling, *recordingProducer) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	pool, err := db.DB()
	require.NoError(t, err)
	pool.SetMaxOpenConns(1)

	billing := &mockBilling{subs: make(map[string]*stripe.Subscription)}
	logger := zaptest.NewLogger(t)

	customerManager, err := customer.NewManager(logger, db, billing)
	require.NoError(t, err)

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		Billing:         billing,
		CustomerManager: customerManager,
		DB:              db,
		Logger:          logger,
	})
	require.NoError(t, err)

	producer := &recordingProducer{}

	service, err := NewService(ServiceOptions{
		SubscriptionManager: subscriptionManager,
		Producer:            producer,
		SigningSecret:       "whsec_test",
		Logger:              logger,
	})
	require.NoError(t, err)

	return service, subscriptionManager, billing, producer
}

func subscriptionEvent(t *testing.T, eventType, subscriptionID, customerID string) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":       subscriptionID,
		"customer": customerID,
	})
	require.NoError(t, err)
	return stripe.Event{
		ID:   "evt_" + subscriptionID,
		Type: eventType,
		Data: &stripe.EventData{Raw: raw},
	}
}

func TestProcessSubscriptionCreated(t *testing.T) {
	service, subscriptionManager, billing, producer := newTestService(t)
	ctx := context.Background()

	now := time.Now()
	billing.subs["sub_123"] = &stripe.Subscription{
		ID:                 "sub_123",
		Customer:           &stripe.Customer{ID: "cus_1"},
		Status:             stripe.SubscriptionStatusActive,
		CurrentPeriodStart: now.Unix(),
		CurrentPeriodEnd:   now.AddDate(0, 1, 0).Unix(),
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{ID: "si_1", Price: &stripe.Price{ID: "price_pro"}},
			},
		},
		Metadata: map[string]string{"user_id": "user-1"},
	}

	err := service.ProcessEvent(ctx, subscriptionEvent(t, "customer.subscription.created", "sub_123", "cus_1"))
	require.NoError(t, err)

	current, err := subscriptionManager.CurrentForUser(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, subscription.StatusActive, current.Status)

	require.Len(t, producer.published, 1)
	assert.Equal(t, "sub_123", producer.published[0].StripeSubscriptionID)
	assert.Equal(t, "user-1", producer.published[0].UserID)
}

func TestProcessSubscriptionVanished(t *testing.T) {
	service, subscriptionManager, _, producer := newTestService(t)
	ctx := context.Background()

	// deleted on the provider before we re-fetch, acknowledged without a row
	err := service.ProcessEvent(ctx, subscriptionEvent(t, "customer.subscription.updated", "sub_gone", "cus_1"))
	require.NoError(t, err)

	var count int64
	require.NoError(t, subscriptionManager.DB.Model(&subscription.Subscription{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Empty(t, producer.published)
}

func TestProcessPriceEvent(t *testing.T) {
	service, subscriptionManager, _, _ := newTestService(t)
	ctx := context.Background()

	raw, err := json.Marshal(map[string]interface{}{
		"id":          "price_free",
		"unit_amount": 0,
		"currency":    "usd",
		"active":      true,
	})
	require.NoError(t, err)

	err = service.ProcessEvent(ctx, stripe.Event{
		ID:   "evt_price",
		Type: "price.created",
		Data: &stripe.EventData{Raw: raw},
	})
	require.NoError(t, err)

	var mirror subscription.Price
	require.NoError(t, subscriptionManager.DB.First(&mirror, "id = ?", "price_free").Error)
	assert.True(t, mirror.Active)
	assert.EqualValues(t, 0, mirror.UnitAmount)
}

func TestProcessUnknownEventType(t *testing.T) {
	service, _, _, producer := newTestService(t)

	err := service.ProcessEvent(context.Background(), stripe.Event{
		ID:   "evt_other",
		Type: "invoice.payment_succeeded",
		Data: &stripe.EventData{Raw: []byte(`{}`)},
	})
	require.NoError(t, err)
	assert.Empty(t, producer.published)
}
