package broker

import (
	"github.com/lukeortiz/lawnquote/subscription"
)

// Producer defines the interface for publishing billing events via message
// broker, so quota enforcement and notification emails elsewhere in the
// product can react to subscription changes.
type Producer interface {
	Close()
	PublishSubscriptionChange(event *subscription.ChangeEvent) error
}
