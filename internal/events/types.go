package events

// Event enumerates high-level topics inside the OMS core.
type Event string

const (
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderDispatched      Event = "order.dispatched"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"
	EventOrderCancelled       Event = "order.cancelled"
	EventPositionChange       Event = "position.change"
)
