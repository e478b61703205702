package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/lukeortiz/lawnquote/broker"
	resp "github.com/lukeortiz/lawnquote/response"
	"github.com/lukeortiz/lawnquote/subscription"

	"github.com/go-chi/chi"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

// Stripe's recommended cap on webhook payloads
const maxBodyBytes = int64(65536)

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	SubscriptionManager *subscription.Manager
	Producer            broker.Producer // optional
	SigningSecret       string
	Logger              *zap.Logger
}

// Service receives Stripe webhook deliveries and drives the upsert path.
// The endpoint is authenticated by signature, not by session.
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the webhook router
func NewService(option ServiceOptions) (*Service, error) {
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if len(option.SigningSecret) == 0 {
		return nil, fmt.Errorf("empty SigningSecret is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := ioutil.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unable to read payload"))
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.SigningSecret)
	if err != nil {
		s.Logger.Error("Webhook signature verification failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid signature"))
		return
	}

	if err := s.ProcessEvent(r.Context(), event); err != nil {
		s.Logger.Error("Unable to process webhook event",
			zap.String("EventID", event.ID),
			zap.String("EventType", event.Type),
			zap.Error(err),
		)
		// non-2xx so Stripe redelivers
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Event processing failed"))
		return
	}

	resp.WriteResponse(w, r, struct {
		Received bool `json:"received"`
	}{
		Received: true,
	})
}

// ProcessEvent dispatches a verified Stripe event. Split out from the HTTP
// handler so the dispatch logic is testable without signing payloads.
func (s *Service) ProcessEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var stripeSub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
			return fmt.Errorf("malformed subscription payload: %w", err)
		}
		return s.processSubscriptionEvent(ctx, event.Type, &stripeSub)
	case "price.created", "price.updated", "price.deleted":
		var price stripe.Price
		if err := json.Unmarshal(event.Data.Raw, &price); err != nil {
			return fmt.Errorf("malformed price payload: %w", err)
		}
		return s.SubscriptionManager.UpsertPriceMirror(ctx, &price)
	default:
		s.Logger.Debug("Ignoring webhook event",
			zap.String("EventType", event.Type),
		)
		return nil
	}
}

func (s *Service) processSubscriptionEvent(ctx context.Context, eventType string, stripeSub *stripe.Subscription) error {
	var customerID string
	if stripeSub.Customer != nil {
		customerID = stripeSub.Customer.ID
	}

	upserted, err := s.SubscriptionManager.Upsert(ctx, subscription.UpsertOptions{
		StripeSubscriptionID: stripeSub.ID,
		StripeCustomerID:     customerID,
		IsCreateAction:       eventType == "customer.subscription.created",
	})
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		// deleted out-of-band between delivery and our re-fetch, nothing to
		// mirror
		s.Logger.Warn("Subscription vanished from provider before upsert",
			zap.String("StripeSubscriptionID", stripeSub.ID),
		)
		return nil
	}
	if err != nil {
		return err
	}

	if s.Producer != nil {
		change := &subscription.ChangeEvent{
			SubscriptionID:       upserted.ID,
			StripeSubscriptionID: stripeSub.ID,
			UserID:               upserted.UserID,
			Status:               upserted.Status,
			OccurredAt:           time.Now().Unix(),
		}
		if err := s.Producer.PublishSubscriptionChange(change); err != nil {
			// the row is persisted either way, fan-out is best effort
			s.Logger.Error("Unable to publish subscription change",
				zap.String("SubscriptionID", upserted.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// Router will return the webhook routes
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/stripe", s.handleStripeWebhook)

	return r
}
