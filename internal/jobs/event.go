package jobs

import "slices"

// Lifecycle event types delivered to job callbacks.
const (
	EventStarted   = "docpipeline.job.started"
	EventCompleted = "docpipeline.job.completed"
	EventFailed    = "docpipeline.job.failed"
)

// KnownEvents lists every event type a callback may subscribe to.
var KnownEvents = []string{EventStarted, EventCompleted, EventFailed}

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}
