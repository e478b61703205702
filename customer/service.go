package customer

import (
	"fmt"
	"net/http"

	"github.com/lukeortiz/lawnquote/auth"
	resp "github.com/lukeortiz/lawnquote/response"
	"github.com/lukeortiz/lawnquote/user"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	CustomerManager *Manager
	UserManager     *user.Manager
	Logger          *zap.Logger
}

// Service exposes the billing profile entry point: the frontend calls it
// before starting any paid flow so a Stripe customer exists for the user.
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the billing profile router
func NewService(option ServiceOptions) (*Service, error) {
	if option.CustomerManager == nil {
		return nil, fmt.Errorf("nil CustomerManager is invalid")
	}
	if option.UserManager == nil {
		return nil, fmt.Errorf("nil UserManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) ensureBillingProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		resp.WriteError(w, r, resp.ErrUnauthorized())
		return
	}

	// the email on file is authoritative, not the one baked into the token
	u, err := s.UserManager.GetByID(ctx, claims.ID)
	if err != nil {
		s.Logger.Error("Unable to load user",
			zap.String("UserID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}
	if u == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("User no longer exists"))
		return
	}

	cust, err := s.CustomerManager.Ensure(ctx, u.ID, u.Email)
	if err != nil {
		s.Logger.Error("Unable to ensure billing customer",
			zap.String("UserID", u.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to set up your billing profile"))
		return
	}

	resp.WriteResponse(w, r, struct {
		CustomerID string `json:"customerId"`
	}{
		CustomerID: cust.StripeID,
	})
}

// Router will return the routes under the billing profile API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.ensureBillingProfile)

	return r
}
