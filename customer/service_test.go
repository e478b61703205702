package customer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lukeortiz/lawnquote/auth"
	"github.com/lukeortiz/lawnquote/user"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T) (*Service, *user.Manager, *mockBilling) {
	t.Helper()

	manager, billing := newTestManager(t)
	logger := zaptest.NewLogger(t)

	userManager, err := user.NewManager(logger, manager.db)
	require.NoError(t, err)

	service, err := NewService(ServiceOptions{
		CustomerManager: manager,
		UserManager:     userManager,
		Logger:          logger,
	})
	require.NoError(t, err)

	return service, userManager, billing
}

func authenticatedRequest(method, target, userID string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	claims := &auth.Claims{ID: userID}
	return r.WithContext(context.WithValue(r.Context(), auth.Context, claims))
}

func TestEnsureBillingProfile(t *testing.T) {
	service, userManager, billing := newTestService(t)

	u, err := userManager.EnsureByEmail(context.Background(), "pat@lawncare.example")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	service.Router().ServeHTTP(w, authenticatedRequest("POST", "/", u.ID))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, billing.createCustomerCalls)

	var body struct {
		Result struct {
			CustomerID string `json:"customerId"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "cus_mock", body.Result.CustomerID)

	// the email sent to Stripe is the one on file
	require.NotNil(t, billing.lastParams)
	require.NotNil(t, billing.lastParams.Email)
	assert.Equal(t, "pat@lawncare.example", *billing.lastParams.Email)

	// replay does not mint a second Stripe customer
	w = httptest.NewRecorder()
	service.Router().ServeHTTP(w, authenticatedRequest("POST", "/", u.ID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, billing.createCustomerCalls)
}

func TestEnsureBillingProfileUnknownUser(t *testing.T) {
	service, _, billing := newTestService(t)

	w := httptest.NewRecorder()
	service.Router().ServeHTTP(w, authenticatedRequest("POST", "/", "nope"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Zero(t, billing.createCustomerCalls)
}

func TestEnsureBillingProfileUnauthenticated(t *testing.T) {
	service, _, _ := newTestService(t)

	w := httptest.NewRecorder()
	service.Router().ServeHTTP(w, httptest.NewRequest("POST", "/", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
