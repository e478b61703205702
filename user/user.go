package user

import "time"

// User describes a contractor account in LawnQuote. This is the identity that
// quotes and subscriptions hang off of; a Stripe customer is only minted for
// users who actually start a paid flow.
type User struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	Email       string    `json:"email" gorm:"uniqueIndex"`
	CompanyName string    `json:"companyName"` // Shown on generated quotes
	Admin       bool      `json:"admin"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
