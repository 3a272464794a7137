package domestique

// EventKind names an event delivered to client subscribers.
//
// Besides the derived kinds below, every inbound packet is re-emitted under
// EventKind(packet.Type()).
type EventKind string

const (
	// EventReady fires once the availability sync completes and the self user is known.
	EventReady EventKind = "ready"
	// EventMessage fires for every messageCreate packet after author hydration.
	EventMessage EventKind = "message"
)

// PacketEventKind returns the pass-through event kind for a packet type.
func PacketEventKind(packetType PacketType) EventKind {
	return EventKind(packetType)
}
