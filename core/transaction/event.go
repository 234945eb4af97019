package transaction

// Event is a lifecycle notification. A clean commit produces none.
type Event int

const (
	EventBeginFailed Event = iota + 1
	EventCommitFailed
	EventRollback
	EventRollbackFailed
)

func (e Event) String() string {
	switch e {
	case EventBeginFailed:
		return "begin_failed"
	case EventCommitFailed:
		return "commit_failed"
	case EventRollback:
		return "rollback"
	case EventRollbackFailed:
		return "rollback_failed"
	default:
		return "unknown"
	}
}

// EventHandler observes transaction events. It runs synchronously on the
// goroutine that triggered the event. A nil handler drops events.
type EventHandler func(Event)

// Deliver passes ev to h if h is set.
func (h EventHandler) Deliver(ev Event) {
	if h != nil {
		h(ev)
	}
}
