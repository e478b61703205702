package subscription

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is an arbitrary key-value bag persisted as JSON text
type Metadata map[string]string

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported Metadata column type %T", src)
	}
}

// Subscription is the local mirror of a billing subscription. Paid rows are
// keyed to Stripe by StripeSubscriptionID; free-plan grants carry null
// external identifiers and a synthetic one-year period. Rows are never hard
// deleted, cancellation is a status transition.
type Subscription struct {
	ID                   string    `json:"id" gorm:"primaryKey"`
	UserID               string    `json:"userId" gorm:"index"`
	StripeSubscriptionID *string   `json:"stripeSubscriptionId" gorm:"uniqueIndex"` // null => free plan
	StripeCustomerID     *string   `json:"stripeCustomerId"`
	Status               Status    `json:"status" gorm:"index"`
	StripePriceID        *string   `json:"stripePriceId"`
	CurrentPeriodStart   time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd     time.Time `json:"currentPeriodEnd"`
	CancelAtPeriodEnd    bool      `json:"cancelAtPeriodEnd"`
	Metadata             Metadata  `json:"metadata" gorm:"type:text"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// FreePlan reports whether this row is a free-plan grant
func (s *Subscription) FreePlan() bool {
	return s.StripeSubscriptionID == nil
}

// Price is the local mirror of a Stripe Price. The Created timestamp is the
// provider-side creation time, which the free-plan repair uses to pick the
// newest zero-amount price.
type Price struct {
	ID         string    `json:"id" gorm:"primaryKey"` // Corresponds to Stripe's Price ID
	UnitAmount int64     `json:"unitAmount"`
	Currency   string    `json:"currency"`
	Interval   string    `json:"interval"`
	Active     bool      `json:"active"`
	Created    time.Time `json:"created"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ChangeEvent is published to the message broker whenever provider state is
// written into a local row, so the rest of the product can react.
type ChangeEvent struct {
	SubscriptionID       string `json:"subscriptionId"`
	StripeSubscriptionID string `json:"stripeSubscriptionId"`
	UserID               string `json:"userId"`
	Status               Status `json:"status"`
	OccurredAt           int64  `json:"occurredAt"`
}
