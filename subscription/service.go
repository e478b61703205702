package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/lukeortiz/lawnquote/auth"
	"github.com/lukeortiz/lawnquote/customer"
	resp "github.com/lukeortiz/lawnquote/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	SubscriptionManager *Manager
	CustomerManager     *customer.Manager
	Logger              *zap.Logger
}

// Service is the subscription API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the subscription API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.CustomerManager == nil {
		return nil, fmt.Errorf("nil CustomerManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// PreviewPlanChangeRequest is the model for a proration preview. All three
// identifiers are mandatory; missing any yields a 400.
type PreviewPlanChangeRequest struct {
	CustomerID     string `json:"customerId" validate:"required"`
	SubscriptionID string `json:"subscriptionId" validate:"required"`
	NewPriceID     string `json:"newPriceId" validate:"required"`
}

func (s *Service) previewPlanChange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		resp.WriteError(w, r, resp.ErrUnauthorized())
		return
	}

	var req PreviewPlanChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("customerId, subscriptionId and newPriceId are all required"))
		return
	}

	logger := s.Logger.With(
		zap.String("UserID", claims.ID),
		zap.String("StripeCustomerID", req.CustomerID),
		zap.String("StripeSubscriptionID", req.SubscriptionID),
	)

	// the preview must be about the caller's own customer
	stripeID, err := s.CustomerManager.Resolve(ctx, claims.ID)
	if errors.Is(err, customer.ErrNoBillingCustomer) {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("You have no billing profile to preview against"))
		return
	}
	if err != nil {
		logger.Error("Unable to resolve billing customer",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if stripeID != req.CustomerID {
		resp.WriteError(w, r, resp.ErrForbidden().AddMessages("Customer does not belong to you"))
		return
	}

	preview, err := s.SubscriptionManager.PreviewPlanChange(ctx, PreviewOptions{
		StripeCustomerID:     req.CustomerID,
		StripeSubscriptionID: req.SubscriptionID,
		NewPriceID:           req.NewPriceID,
	})
	if err != nil {
		s.writeManagerError(w, r, logger, err, "Unable to preview plan change")
		return
	}

	resp.WriteResponse(w, r, preview)
}

func (s *Service) selectFreePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		resp.WriteError(w, r, resp.ErrUnauthorized())
		return
	}

	sub, err := s.SubscriptionManager.CreateFreeSubscription(ctx, claims.ID)
	if err != nil {
		s.Logger.Error("Unable to create free subscription",
			zap.String("UserID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to select the free plan"))
		return
	}

	resp.WriteResponse(w, r, struct {
		SubscriptionID string `json:"subscriptionId"`
	}{
		SubscriptionID: sub.ID,
	})
}

func (s *Service) currentSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		resp.WriteError(w, r, resp.ErrUnauthorized())
		return
	}

	sub, err := s.SubscriptionManager.CurrentForUser(ctx, claims.ID)
	if err != nil {
		s.Logger.Error("Unable to query current subscription",
			zap.String("UserID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if sub == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("You have no current subscription"))
		return
	}

	resp.WriteResponse(w, r, sub)
}

func (s *Service) fixFreePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// repair decisions are made off the mirror, refresh it from the
	// provider first in case price webhooks were missed
	if _, err := s.SubscriptionManager.SyncPrices(ctx); err != nil {
		s.writeManagerError(w, r, s.Logger, err, "Unable to refresh the price mirror")
		return
	}

	activated, err := s.SubscriptionManager.EnsureFreePriceActive(ctx)
	if err != nil {
		s.writeManagerError(w, r, s.Logger, err, "Unable to repair the free price")
		return
	}

	var activatedID *string
	if len(activated) > 0 {
		activatedID = &activated
	}
	resp.WriteResponse(w, r, struct {
		ActivatedPriceID *string `json:"activatedPriceId"`
	}{
		ActivatedPriceID: activatedID,
	})
}

func (s *Service) freePlanHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health, err := s.SubscriptionManager.FreePriceHealth(ctx)
	if err != nil {
		s.Logger.Error("Unable to check free price health",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, struct {
		Status string `json:"status"`
	}{
		Status: health,
	})
}

func (s *Service) writeManagerError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error, msg string) {
	var provErr *ProviderError
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Subscription no longer exists on the billing provider"))
	case errors.As(err, &provErr):
		logger.Error(msg,
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrProvider(provErr.Message))
	default:
		logger.Error(msg,
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages(msg))
	}
}

// Router will return the authenticated routes under subscription API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/preview-plan-change", s.previewPlanChange)
	r.Post("/free", s.selectFreePlan)
	r.Get("/current", s.currentSubscription)

	return r
}

// AdminRouter will return the admin-only repair routes
func (s *Service) AdminRouter() http.Handler {
	r := chi.NewRouter()

	r.Post("/fix-free-plan", s.fixFreePlan)
	r.Get("/fix-free-plan", s.freePlanHealth)

	return r
}
