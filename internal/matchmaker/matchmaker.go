// Package matchmaker pairs waiting participants one-to-one.
package matchmaker

import (
	"sync"

	"github.com/samber/lo"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

// EventType identifies what a participant should be told
type EventType int

const (
	EventWaiting EventType = iota
	EventPaired
	EventPeerDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventWaiting:
		return "waiting"
	case EventPaired:
		return "paired"
	case EventPeerDisconnected:
		return "peer-disconnected"
	}
	return "unknown"
}

// Event is addressed to SessionID. Seq echoes the recipient's pairing
// request so it can recognize notices meant for an earlier one. PeerID is the
// partner for EventPaired and the departed partner for EventPeerDisconnected.
type Event struct {
	Type      EventType
	SessionID string
	PeerID    string
	Role      models.Role
	Seq       uint64
}

type pairEntry struct {
	peer string
	role models.Role
}

// Notify receives the events of one operation while the matchmaker lock is
// still held. It must not block or call back into the matchmaker.
type Notify func([]Event)

type Option func(*Matchmaker)

// WithNotify delivers every operation's events inside the critical section,
// so each participant observes them in the order the operations ran.
func WithNotify(fn Notify) Option {
	return func(m *Matchmaker) { m.notify = fn }
}

// Matchmaker owns the waiting queue and the pair table. Every operation runs
// under one mutex and returns its events; with WithNotify they are also
// handed out before the lock is released.
type Matchmaker struct {
	mu     sync.Mutex
	queue  []string
	pairs  map[string]pairEntry
	seqs   map[string]uint64
	notify Notify
}

func New(opts ...Option) *Matchmaker {
	m := &Matchmaker{
		pairs: make(map[string]pairEntry),
		seqs:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestPairing pairs id with the earliest waiter, or queues it when nobody
// is waiting. Repeating the request re-emits the current status tagged with
// the newest seq.
func (m *Matchmaker) RequestPairing(id string, seq uint64) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emit(m.requestPairing(id, seq))
}

func (m *Matchmaker) requestPairing(id string, seq uint64) []Event {
	m.seqs[id] = seq

	if entry, ok := m.pairs[id]; ok {
		return []Event{{Type: EventPaired, SessionID: id, PeerID: entry.peer, Role: entry.role, Seq: seq}}
	}
	if lo.Contains(m.queue, id) {
		return []Event{{Type: EventWaiting, SessionID: id, Seq: seq}}
	}

	if len(m.queue) == 0 {
		m.queue = append(m.queue, id)
		return []Event{{Type: EventWaiting, SessionID: id, Seq: seq}}
	}

	waiter := m.queue[0]
	m.queue = m.queue[1:]

	// The newcomer matched an existing waiter, so it sends the first offer.
	m.pairs[id] = pairEntry{peer: waiter, role: models.RoleOfferer}
	m.pairs[waiter] = pairEntry{peer: id, role: models.RoleAnswerer}

	return []Event{
		{Type: EventPaired, SessionID: waiter, PeerID: id, Role: models.RoleAnswerer, Seq: m.seqs[waiter]},
		{Type: EventPaired, SessionID: id, PeerID: waiter, Role: models.RoleOfferer, Seq: seq},
	}
}

// Release removes id from the queue and dissolves its pairing. Releasing an
// unknown id does nothing.
func (m *Matchmaker) Release(id string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emit(m.release(id))
}

func (m *Matchmaker) release(id string) []Event {
	m.queue = lo.Without(m.queue, id)
	delete(m.seqs, id)

	entry, ok := m.pairs[id]
	if !ok {
		return nil
	}
	delete(m.pairs, id)
	delete(m.pairs, entry.peer)

	// The partner's request is spent; it has to ask again.
	seq := m.seqs[entry.peer]
	delete(m.seqs, entry.peer)
	return []Event{{Type: EventPeerDisconnected, SessionID: entry.peer, PeerID: id, Seq: seq}}
}

func (m *Matchmaker) emit(events []Event) []Event {
	if m.notify != nil && len(events) > 0 {
		m.notify(events)
	}
	return events
}

// Authorize reports whether from is currently paired with to.
func (m *Matchmaker) Authorize(from, to string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pairs[from]
	return ok && entry.peer == to
}

// PeerOf returns the session id paired with id.
func (m *Matchmaker) PeerOf(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pairs[id]
	return entry.peer, ok
}

// Snapshot returns the queue length and the number of active pairs.
func (m *Matchmaker) Snapshot() (waiting, activePairs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), len(m.pairs) / 2
}
