package subscription

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T) (*Service, *Manager, *mockBilling) {
	t.Helper()

	manager, customerManager, billing := newTestManager(t)

	service, err := NewService(ServiceOptions{
		SubscriptionManager: manager,
		CustomerManager:     customerManager,
		Logger:              zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	return service, manager, billing
}

func TestFixFreePlanRefreshesMirrorFirst(t *testing.T) {
	service, manager, billing := newTestService(t)

	// the mirror only knows an older free price, the newer one was created
	// on the provider while price webhooks were missed
	seedPrice(t, manager, "price_free_old", 0, false, time.Now().Add(-48*time.Hour))
	billing.prices = []*stripe.Price{
		{
			ID:         "price_free_old",
			UnitAmount: 0,
			Currency:   stripe.CurrencyUSD,
			Active:     false,
			Created:    time.Now().Add(-48 * time.Hour).Unix(),
			Recurring:  &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalMonth},
		},
		{
			ID:         "price_free_new",
			UnitAmount: 0,
			Currency:   stripe.CurrencyUSD,
			Active:     false,
			Created:    time.Now().Unix(),
			Recurring:  &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalMonth},
		},
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/fix-free-plan", nil)
	service.AdminRouter().ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, billing.listPriceCalls)

	var body struct {
		Result struct {
			ActivatedPriceID *string `json:"activatedPriceId"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.NotNil(t, body.Result.ActivatedPriceID)
	assert.Equal(t, "price_free_new", *body.Result.ActivatedPriceID)

	var active []Price
	require.NoError(t, manager.DB.Where("unit_amount = 0 AND active = ?", true).Find(&active).Error)
	require.Len(t, active, 1)
	assert.Equal(t, "price_free_new", active[0].ID)
}

func TestFixFreePlanProviderFailureSurfaces(t *testing.T) {
	service, manager, billing := newTestService(t)

	seedPrice(t, manager, "price_free", 0, true, time.Now())
	billing.listPricesErr = &stripe.Error{
		HTTPStatusCode: 500,
		Msg:            "An error occurred with our connection to Stripe.",
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/fix-free-plan", nil)
	service.AdminRouter().ServeHTTP(w, r)

	// no repair ran off the stale mirror
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Empty(t, billing.updatedPriceIDs)
}

func TestFreePlanHealthRoute(t *testing.T) {
	service, manager, _ := newTestService(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/fix-free-plan", nil)
	service.AdminRouter().ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Result struct {
			Status string `json:"status"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, HealthNeedsFix, body.Result.Status)

	seedPrice(t, manager, "price_free", 0, true, time.Now())

	w = httptest.NewRecorder()
	r = httptest.NewRequest("GET", "/fix-free-plan", nil)
	service.AdminRouter().ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, HealthOK, body.Result.Status)
}
