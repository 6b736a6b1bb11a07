package events

// Event enumerates topics published after the ledger commits a change.
type Event string

const (
	EventOrderUpdated    Event = "order.updated"
	EventPositionChanged Event = "position.changed"
	EventSignalHandled   Event = "signal.handled"
	EventResync          Event = "stream.resync"
	EventAuditReport     Event = "audit.report"
)

// Message is what subscribers receive.
type Message struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}
