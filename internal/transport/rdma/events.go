package rdma

// EventKind identifies what happened on a Connection.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventRecv
	EventRecvFailed
	EventSendComplete
	EventSendFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventRecv:
		return "recv"
	case EventRecvFailed:
		return "recv_failed"
	case EventSendComplete:
		return "send_complete"
	case EventSendFailed:
		return "send_failed"
	default:
		return "unknown"
	}
}

// Event is delivered to the connection's handler on the connection's loop.
type Event struct {
	Conn *Connection
	Err  error
	// Data is the received payload for EventRecv. It aliases the receive
	// slot, which is already posted for the next message, so it must be
	// copied or consumed before HandleEvent returns.
	Data []byte
	// Completion is the work completion behind Recv, RecvFailed,
	// SendComplete and SendFailed. For sends its WRID is the caller's tag.
	Completion VerbsWorkCompletion
	Kind       EventKind
	// Tag is the value passed to Send or SendSlot.
	Tag uint64
}

// EventHandler consumes connection events.
type EventHandler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) {
	f(ev)
}
