package webhooks

// Event is a dot separated domain event name
type Event string

const (
	EventUserCreated Event = "user.created"
	EventUserUpdated Event = "user.updated"
	EventUserDeleted Event = "user.deleted"

	EventProjectCreated Event = "project.created"
	EventProjectUpdated Event = "project.updated"
	EventProjectDeleted Event = "project.deleted"

	EventAPIKeyCreated Event = "api_key.created"
	EventAPIKeyUpdated Event = "api_key.updated"
	EventAPIKeyDeleted Event = "api_key.deleted"

	EventSubscriptionCreated   Event = "subscription.created"
	EventSubscriptionUpdated   Event = "subscription.updated"
	EventSubscriptionCancelled Event = "subscription.cancelled"

	EventUsageRecorded     Event = "usage.recorded"
	EventUsageLimitReached Event = "usage.limit_reached"

	EventNotificationCreated Event = "notification.created"
)

var allEvents = []Event{
	EventUserCreated, EventUserUpdated, EventUserDeleted,
	EventProjectCreated, EventProjectUpdated, EventProjectDeleted,
	EventAPIKeyCreated, EventAPIKeyUpdated, EventAPIKeyDeleted,
	EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionCancelled,
	EventUsageRecorded, EventUsageLimitReached,
	EventNotificationCreated,
}

// Events returns the full event catalog
func Events() []Event {
	out := make([]Event, len(allEvents))
	copy(out, allEvents)
	return out
}

// Valid reports whether e is in the catalog
func (e Event) Valid() bool {
	for _, known := range allEvents {
		if e == known {
			return true
		}
	}
	return false
}

func (e Event) String() string {
	return string(e)
}
