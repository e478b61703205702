package subscription

// Status mirrors the billing provider's subscription status verbatim. Rows
// are never reinterpreted on the way in: whatever Stripe reports is what the
// local record carries.
type Status string

// Defining the possible Statuses of a Subscription
const (
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
)

var knownStatuses = map[Status]struct{}{
	StatusIncomplete:        {},
	StatusIncompleteExpired: {},
	StatusTrialing:          {},
	StatusActive:            {},
	StatusPastDue:           {},
	StatusCanceled:          {},
	StatusUnpaid:            {},
}

// Valid reports whether the status is one the enum knows about
func (s Status) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// Current reports whether a subscription in this status counts as the user's
// current subscription. At most one row per user may be Current.
func (s Status) Current() bool {
	return s == StatusActive || s == StatusTrialing
}

// Metadata keys and values used to tag free-plan grants
const (
	MetadataPlanType = "plan_type"
	PlanTypeFree     = "free"
)
