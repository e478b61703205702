package reconcile

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lukeortiz/lawnquote/auth"
	resp "github.com/lukeortiz/lawnquote/response"
	"github.com/lukeortiz/lawnquote/subscription"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Scanner *Scanner
	Logger  *zap.Logger
}

// Service exposes the debug entry point for on-demand reconciliation
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the reconcile API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Scanner == nil {
		return nil, fmt.Errorf("nil Scanner is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) reconcileSelf(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		resp.WriteError(w, r, resp.ErrUnauthorized())
		return
	}

	logger := s.Logger.With(zap.String("UserID", claims.ID))

	report, err := s.Scanner.ReconcileUser(ctx, claims.ID)
	if err != nil {
		var provErr *subscription.ProviderError
		switch {
		case errors.Is(err, ErrAmbiguousProviderState):
			resp.WriteError(w, r, resp.ErrConflict().
				AddMessages("Your billing account has multiple active subscriptions, contact support"))
		case errors.As(err, &provErr):
			logger.Error("Unable to reconcile against provider",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrProvider(provErr.Message))
		default:
			logger.Error("Unable to reconcile subscriptions",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to reconcile your subscriptions"))
		}
		return
	}

	resp.WriteResponse(w, r, report)
}

// Router will return the routes under the debug API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/subscription", s.reconcileSelf)

	return r
}
