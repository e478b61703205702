package customer

import "time"

// BillingCustomer maps a local user to the Stripe customer that is
// authoritative for their money movement. Rows exist only for users who have
// started a paid flow; pure free-plan users have none, and that absence is
// meaningful (see Manager.Resolve).
type BillingCustomer struct {
	UserID    string    `json:"userId" gorm:"primaryKey"`
	StripeID  string    `json:"stripeId" gorm:"uniqueIndex"` // Corresponds to Stripe's Customer ID
	CreatedAt time.Time `json:"createdAt"`
}
