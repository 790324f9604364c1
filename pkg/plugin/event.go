package plugin

// EventKind classifies registry lifecycle notifications.
type EventKind int

const (
	// EventLoaded follows every Load that created a record, whatever its status.
	EventLoaded EventKind = iota
	EventPaused
	EventUnpaused
	// EventReleasing precedes closing a live module's handle. The API in the
	// event is still valid for the duration of the callback.
	EventReleasing
	// EventRemoved follows erasing a record.
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventLoaded:
		return "loaded"
	case EventPaused:
		return "paused"
	case EventUnpaused:
		return "unpaused"
	case EventReleasing:
		return "releasing"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is delivered synchronously to observers. API is nil unless the
// plugin is live.
type Event struct {
	Kind   EventKind
	Plugin Info
	API    API
	// Err carries the failure diagnostic of a Load that did not reach Running.
	Err error
	// Forced marks releases performed by UnloadAll regardless of the module's answer.
	Forced bool
}

// Observer receives registry lifecycle events. Observers run on the thread
// that called the registry and must not call back into it.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }
