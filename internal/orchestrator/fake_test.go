package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

var _ Transport = (*fakeTransport)(nil)

type fakeMedia struct{ closed chan struct{} }

func (m *fakeMedia) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}

// fakeTransport records every capability call in order. Remote descriptions
// block on remoteGate when it is set.
type fakeTransport struct {
	mu    sync.Mutex
	calls []string

	mediaErr   error
	mediaBlock bool
	remoteGate chan struct{}
	remoteErr  error
	closed     bool

	onPath  func(string)
	onTrack func(Track)
	onState func(ConnectionState)
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) AcquireLocalMedia(ctx context.Context) (MediaHandle, error) {
	if f.mediaBlock {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.record("acquire")
	if f.mediaErr != nil {
		return nil, f.mediaErr
	}
	return &fakeMedia{closed: make(chan struct{})}, nil
}

func (f *fakeTransport) CreateOffer(context.Context) (string, error) {
	f.record("createOffer")
	return "offer-sdp", nil
}

func (f *fakeTransport) CreateAnswer(_ context.Context, remote string) (string, error) {
	f.record("createAnswer:" + remote)
	return "answer-sdp", nil
}

func (f *fakeTransport) SetRemoteDescription(ctx context.Context, sdp string) error {
	if f.remoteGate != nil {
		select {
		case <-f.remoteGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.record("setRemote:" + sdp)
	return f.remoteErr
}

func (f *fakeTransport) AddPathDescriptor(d string) error {
	f.record("addPath:" + d)
	return nil
}

func (f *fakeTransport) OnPathDescriptorDiscovered(fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPath = fn
}

func (f *fakeTransport) OnRemoteTrack(fn func(Track)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeTransport) OnConnectionStateChange(fn func(ConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) emitState(s ConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

func (f *fakeTransport) emitPath(d string) {
	f.mu.Lock()
	fn := f.onPath
	f.mu.Unlock()
	fn(d)
}

func (f *fakeTransport) emitTrack(t Track) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(t)
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []models.SignalMessage
	err  error
}

func (s *fakeSignaler) Send(msg models.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSignaler) Sent() []models.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SignalMessage(nil), s.sent...)
}

func (s *fakeSignaler) count(t models.SignalType) int {
	n := 0
	for _, m := range s.Sent() {
		if m.Type == t {
			n++
		}
	}
	return n
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *noticeLog) observe(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

func (l *noticeLog) of(kind NoticeKind) []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Notice
	for _, n := range l.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (l *noticeLog) states() []State {
	var out []State
	for _, n := range l.of(NoticeState) {
		out = append(out, n.State)
	}
	return out
}

// harness runs one orchestrator against fakes. Every transport built by the
// factory is kept so tests can drive the latest one.
type harness struct {
	t        *testing.T
	orch     *Orchestrator
	signaler *fakeSignaler
	notices  *noticeLog
	runErr   chan error

	mu         sync.Mutex
	transports []*fakeTransport
	prepare    func(*fakeTransport)
}

func testConfig() Config {
	return Config{
		SessionDuration: time.Minute,
		WarningOffset:   10 * time.Second,
		MaxRetries:      0,
		RetryBaseDelay:  10 * time.Millisecond,
		RetryMaxDelay:   50 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, prepare func(*fakeTransport)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		signaler: &fakeSignaler{},
		notices:  &noticeLog{},
		runErr:   make(chan error, 1),
		prepare:  prepare,
	}
	factory := func() (Transport, error) {
		tr := &fakeTransport{}
		if h.prepare != nil {
			h.prepare(tr)
		}
		h.mu.Lock()
		h.transports = append(h.transports, tr)
		h.mu.Unlock()
		return tr, nil
	}
	h.orch = New(cfg, factory, h.signaler, h.notices.observe)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.runErr <- h.orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.orch.Done()
	})
	return h
}

func (h *harness) transport() *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.transports)
	return h.transports[len(h.transports)-1]
}

func (h *harness) transportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

func (h *harness) waitState(s State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.orch.State() == s },
		2*time.Second, 5*time.Millisecond, "want state %s, have %s", s, h.orch.State())
}

func (h *harness) waitSent(typ models.SignalType, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.signaler.count(typ) >= n },
		2*time.Second, 5*time.Millisecond, "want %d %s messages", n, typ)
}

func (h *harness) deliver(typ models.SignalType, from string, payload interface{}) {
	h.t.Helper()
	msg, err := models.NewMessage(typ, "self", payload)
	require.NoError(h.t, err)
	msg.From = from
	require.NoError(h.t, h.orch.HandleSignal(msg))
}

// seq returns the number carried by the latest pairing request.
func (h *harness) seq() uint64 {
	h.t.Helper()
	var p models.FindPeerPayload
	for _, m := range h.signaler.Sent() {
		if m.Type == models.SignalTypeFindPeer {
			require.NoError(h.t, models.DecodePayload(m, &p))
		}
	}
	return p.Seq
}

// paired answers the latest pairing request.
func (h *harness) paired(peer string, role models.Role) {
	h.t.Helper()
	h.deliver(models.SignalTypePaired, "", models.PairedPayload{PeerID: peer, Role: role, Seq: h.seq()})
}

// pair starts a session and completes matchmaking with the given role.
func (h *harness) pair(role models.Role) {
	h.t.Helper()
	finds := h.signaler.count(models.SignalTypeFindPeer)
	require.NoError(h.t, h.orch.Start())
	h.waitSent(models.SignalTypeFindPeer, finds+1)
	h.paired("peer", role)
}

// connectAsOfferer drives a fresh session all the way to Connected.
func (h *harness) connectAsOfferer() {
	h.t.Helper()
	offers := h.signaler.count(models.SignalTypeOffer)
	h.pair(models.RoleOfferer)
	h.waitSent(models.SignalTypeOffer, offers+1)
	h.deliver(models.SignalTypeAnswer, "peer", models.SDPPayload{SDP: "remote-answer"})
	tr := h.transport()
	require.Eventually(h.t, func() bool {
		return lastCall(tr) == "setRemote:remote-answer"
	}, 2*time.Second, 5*time.Millisecond)
	tr.emitState(ConnectionConnected)
	h.waitState(StateConnected)
}

func lastCall(tr *fakeTransport) string {
	calls := tr.Calls()
	if len(calls) == 0 {
		return ""
	}
	return calls[len(calls)-1]
}

var errBoom = errors.New("boom")
