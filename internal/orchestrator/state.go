package orchestrator

// State is the negotiation state of one participant
type State int

const (
	StateIdle State = iota
	StateSearching
	StateOffering
	StateAnswering
	StateConnected
	StateFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// negotiating reports whether a peer is assigned and the handshake or the
// session is underway.
func (s State) negotiating() bool {
	return s == StateOffering || s == StateAnswering || s == StateConnected
}
