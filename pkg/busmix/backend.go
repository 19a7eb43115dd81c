package busmix

// GraphUpdate is a single typed event observed by the backend's event loop.
// Updates are pushed onto the bridge relay from the backend's own execution
// context and applied to the cache strictly in arrival order.
type GraphUpdate interface {
	isGraphUpdate()
}

// BusObserved carries the state of a virtual bus as the backend reported it
type BusObserved struct {
	Bus BusInfo
}

// StreamAttached reports a new (or re-announced) application stream
type StreamAttached struct {
	AppKey     string
	BinaryName string
	StreamID   uint32
	BusName    string
}

// StreamDetached reports that a stream disappeared from the graph
type StreamDetached struct {
	StreamID uint32
}

// RoutingRuleCheck asks the bridge to apply a standing routing rule, if one
// exists, to a freshly attached stream
type RoutingRuleCheck struct {
	AppKey   string
	StreamID uint32
}

func (BusObserved) isGraphUpdate()      {}
func (StreamAttached) isGraphUpdate()   {}
func (StreamDetached) isGraphUpdate()   {}
func (RoutingRuleCheck) isGraphUpdate() {}

// StreamInfo is one structured introspection row: a live stream, the
// application it belongs to, and the bus it is currently connected to
type StreamInfo struct {
	ID         uint32
	AppName    string
	BinaryName string
	BusID      uint32
}

// GraphBackend represents the audio backend: an event loop announcing graph
// objects, plus synchronous introspection and control commands. Introspection
// re-derives ground truth and must never be replaced by cached state when
// reconciling a routing request.
type GraphBackend interface {
	// Start begins the backend event loop on its own execution context.
	// emit must never block; it is called from the backend's loop.
	Start(emit func(GraphUpdate)) error

	ListStreams() ([]StreamInfo, error)
	ListBuses() ([]BusInfo, error)

	MoveStream(streamID, busID uint32) error
	SetBusVolume(busID uint32, volume float32) error
	SetBusMute(busID uint32, muted bool) error

	Release() error
}
