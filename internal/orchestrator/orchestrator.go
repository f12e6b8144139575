// Package orchestrator drives one participant through matchmaking,
// offer/answer negotiation and a bounded session.
//
// Every input (user commands, relay messages, transport callbacks, timer
// expiries and the results of asynchronous transport calls) is posted to a
// single mailbox and applied by the Run loop one at a time. Asynchronous
// results carry the generation of the session that started them; anything
// from an older generation is discarded, which is how stop and skip abort
// in-flight work.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/util"
)

type Config struct {
	SessionDuration time.Duration
	// WarningOffset is how long before expiry the one-shot warning fires.
	WarningOffset  time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MailboxSize    int
}

func DefaultConfig() Config {
	return Config{
		SessionDuration: 40 * time.Minute,
		WarningOffset:   time.Minute,
		MaxRetries:      3,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   10 * time.Second,
		MailboxSize:     128,
	}
}

type Orchestrator struct {
	cfg          Config
	newTransport TransportFactory
	signaler     Signaler
	observe      Observer

	mailbox chan event
	done    chan struct{}

	stateMu sync.RWMutex
	state   State

	// Owned by the Run loop.
	ctx           context.Context
	gen           uint64
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	transport     Transport
	media         MediaHandle
	requested     bool
	// findSeq numbers pairing requests; relay notices for any other request
	// are stale.
	findSeq       uint64
	peerID        string
	role          models.Role
	offerSent     bool
	remotePending bool
	remoteApplied bool
	pending       []string
	sessionTimer  *time.Timer
	warningTimer  *time.Timer
	retryTimer    *time.Timer
	attempts      int
	backoff       *backoff.ExponentialBackOff
}

func New(cfg Config, factory TransportFactory, signaler Signaler, observe Observer) *Orchestrator {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 128
	}
	if observe == nil {
		observe = func(Notice) {}
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.RetryBaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.RetryMaxDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	return &Orchestrator{
		cfg:          cfg,
		newTransport: factory,
		signaler:     signaler,
		observe:      observe,
		mailbox:      make(chan event, cfg.MailboxSize),
		done:         make(chan struct{}),
		backoff:      b,
	}
}

// State returns the current negotiation state. It and the commands below
// only post to the mailbox or read the published state.
func (o *Orchestrator) State() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

// Done is closed once Run has returned.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Start begins a session from Idle.
func (o *Orchestrator) Start() error { return o.post(startEvent{}) }

// Stop ends the current session, releasing the pairing.
func (o *Orchestrator) Stop() error { return o.post(stopEvent{}) }

// Skip ends the current session and immediately searches for a new peer.
func (o *Orchestrator) Skip() error { return o.post(skipEvent{}) }

// SendChat sends text to the peer while connected.
func (o *Orchestrator) SendChat(text string) error { return o.post(chatEvent{text: text}) }

// HandleSignal feeds a message received from the relay.
func (o *Orchestrator) HandleSignal(msg models.SignalMessage) error {
	return o.post(signalEvent{msg: msg})
}

// RelayLost reports that the relay connection is gone. Run tears down and
// returns ErrRelayLost.
func (o *Orchestrator) RelayLost(err error) error { return o.post(relayLostEvent{err: err}) }

func (o *Orchestrator) post(ev event) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	select {
	case o.mailbox <- ev:
		return nil
	case <-o.done:
		return ErrClosed
	}
}

// Run applies events until ctx is cancelled or the relay is lost. On return
// the orchestrator is Disconnected and all session resources are released.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx
	defer close(o.done)

	for {
		select {
		case <-ctx.Done():
			o.teardown(true)
			o.setState(StateDisconnected)
			return ctx.Err()

		case ev := <-o.mailbox:
			if err := o.apply(ev); err != nil {
				return err
			}
		}
	}
}

type event interface{}

type (
	startEvent     struct{}
	stopEvent      struct{}
	skipEvent      struct{}
	chatEvent      struct{ text string }
	signalEvent    struct{ msg models.SignalMessage }
	relayLostEvent struct{ err error }

	mediaAcquired struct {
		gen   uint64
		media MediaHandle
		err   error
	}
	localDescription struct {
		gen  uint64
		kind models.SignalType
		sdp  string
		err  error
	}
	remoteApplied struct {
		gen uint64
		sdp string
		err error
	}
	pathDiscovered struct {
		gen        uint64
		descriptor string
	}
	connectionChanged struct {
		gen   uint64
		state ConnectionState
	}
	trackArrived struct {
		gen   uint64
		track Track
	}
	warningDue struct{ gen uint64 }
	expiryDue  struct{ gen uint64 }
	retryDue   struct{ gen uint64 }
)

func (o *Orchestrator) apply(ev event) error {
	switch ev := ev.(type) {
	case startEvent:
		o.onStart()
	case stopEvent:
		o.onStop()
	case skipEvent:
		o.onSkip()
	case chatEvent:
		o.onSendChat(ev.text)
	case signalEvent:
		o.onSignal(ev.msg)
	case relayLostEvent:
		o.teardown(false)
		o.setState(StateDisconnected)
		o.notifyError(Classify(ErrRelayLost, KindNetworkUnreachable))
		if ev.err != nil {
			util.LogWarning("relay lost: %v", ev.err)
		}
		return ErrRelayLost

	case mediaAcquired:
		o.onMediaAcquired(ev)
	case localDescription:
		o.onLocalDescription(ev)
	case remoteApplied:
		o.onRemoteApplied(ev)
	case pathDiscovered:
		if ev.gen == o.gen && o.peerID != "" {
			payload := models.CandidatePayload{Candidate: ev.descriptor}
			if err := o.sendToPeer(models.SignalTypeCandidate, payload); err != nil {
				util.LogWarning("failed to send candidate: %v", err)
			}
		}
	case connectionChanged:
		if ev.gen == o.gen {
			o.onConnectionChanged(ev.state)
		}
	case trackArrived:
		if ev.gen == o.gen {
			o.observe(Notice{Kind: NoticeRemoteTrack, State: o.state, Track: ev.track})
		}
	case warningDue:
		if ev.gen == o.gen && o.state == StateConnected {
			o.observe(Notice{Kind: NoticeWarning, State: o.state, Remaining: o.cfg.WarningOffset})
		}
	case expiryDue:
		if ev.gen == o.gen && o.state == StateConnected {
			util.LogInfo("session time is up")
			o.teardown(true)
			o.setState(StateIdle)
		}
	case retryDue:
		if ev.gen == o.gen && o.state == StateFailed {
			o.beginSearch()
		}
	}
	return nil
}

func (o *Orchestrator) onStart() {
	switch o.state {
	case StateIdle, StateFailed:
		o.teardown(true)
		o.resetAttempts()
		o.beginSearch()
	default:
		util.LogDebug("start ignored in state %s", o.state)
	}
}

func (o *Orchestrator) onStop() {
	if o.state == StateIdle {
		return
	}
	o.teardown(true)
	o.setState(StateIdle)
}

func (o *Orchestrator) onSkip() {
	o.teardown(true)
	o.resetAttempts()
	o.beginSearch()
}

func (o *Orchestrator) onSendChat(text string) {
	if o.state != StateConnected {
		util.LogDebug("chat dropped in state %s", o.state)
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := o.sendToPeer(models.SignalTypeChat, models.ChatPayload{Text: text}); err != nil {
		util.LogWarning("failed to send chat: %v", err)
	}
}

func (o *Orchestrator) beginSearch() {
	o.gen++
	gen := o.gen
	o.setState(StateSearching)

	tr, err := o.newTransport()
	if err != nil {
		o.fail(Classify(err, KindPeerNegotiationFailed))
		return
	}
	o.transport = tr

	sessionCtx, cancel := context.WithCancel(o.ctx)
	o.sessionCtx, o.sessionCancel = sessionCtx, cancel

	tr.OnPathDescriptorDiscovered(func(descriptor string) {
		o.post(pathDiscovered{gen: gen, descriptor: descriptor})
	})
	tr.OnRemoteTrack(func(track Track) {
		o.post(trackArrived{gen: gen, track: track})
	})
	tr.OnConnectionStateChange(func(state ConnectionState) {
		o.post(connectionChanged{gen: gen, state: state})
	})

	go func() {
		media, err := tr.AcquireLocalMedia(sessionCtx)
		o.post(mediaAcquired{gen: gen, media: media, err: err})
	}()
}

func (o *Orchestrator) onMediaAcquired(ev mediaAcquired) {
	if ev.gen != o.gen || o.state != StateSearching {
		if ev.media != nil {
			ev.media.Close()
		}
		return
	}
	if ev.err != nil {
		o.fail(Classify(ev.err, KindMediaDeviceNotFound))
		return
	}
	o.media = ev.media

	o.findSeq++
	find, err := models.NewMessage(models.SignalTypeFindPeer, "", models.FindPeerPayload{Seq: o.findSeq})
	if err == nil {
		err = o.signaler.Send(find)
	}
	if err != nil {
		o.fail(Classify(err, KindNetworkUnreachable))
		return
	}
	o.requested = true
}

func (o *Orchestrator) onSignal(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeWelcome:
		util.LogDebug("relay assigned session %s", msg.To)
		return
	case models.SignalTypeUserCount:
		var p models.UserCountPayload
		if err := models.DecodePayload(msg, &p); err == nil {
			o.observe(Notice{Kind: NoticeUserCount, State: o.state, Count: p.Count})
		}
		return
	case models.SignalTypeWaiting:
		var p models.WaitingPayload
		if err := models.DecodePayload(msg, &p); err != nil || !o.current(p.Seq) {
			util.LogDebug("stale waiting notice dropped")
			return
		}
		if o.state == StateSearching {
			o.observe(Notice{Kind: NoticeWaiting, State: o.state})
		}
		return
	case models.SignalTypePaired:
		o.onPaired(msg)
		return
	case models.SignalTypePeerDisconnected:
		o.onPeerDisconnected(msg)
		return
	}

	// Everything else must come from the current peer.
	if o.peerID == "" || msg.From != o.peerID {
		util.LogWarning("dropped %s from unexpected sender %q", msg.Type, msg.From)
		return
	}

	switch msg.Type {
	case models.SignalTypeOffer:
		var p models.SDPPayload
		if err := models.DecodePayload(msg, &p); err != nil {
			util.LogWarning("bad offer: %v", err)
			return
		}
		if o.state != StateAnswering || o.remotePending || o.remoteApplied {
			util.LogWarning("unexpected offer in state %s", o.state)
			return
		}
		o.applyRemote(p.SDP)

	case models.SignalTypeAnswer:
		var p models.SDPPayload
		if err := models.DecodePayload(msg, &p); err != nil {
			util.LogWarning("bad answer: %v", err)
			return
		}
		if o.state != StateOffering || !o.offerSent || o.remotePending || o.remoteApplied {
			util.LogWarning("unexpected answer in state %s", o.state)
			return
		}
		o.applyRemote(p.SDP)

	case models.SignalTypeCandidate:
		var p models.CandidatePayload
		if err := models.DecodePayload(msg, &p); err != nil {
			util.LogWarning("bad candidate: %v", err)
			return
		}
		if !o.state.negotiating() {
			return
		}
		if !o.remoteApplied {
			o.pending = append(o.pending, p.Candidate)
			return
		}
		o.addPath(p.Candidate)

	case models.SignalTypeChat:
		var p models.ChatPayload
		if err := models.DecodePayload(msg, &p); err != nil {
			util.LogWarning("bad chat: %v", err)
			return
		}
		if o.state == StateConnected {
			o.observe(Notice{Kind: NoticeChat, State: o.state, Text: p.Text})
		}

	default:
		util.LogWarning("unknown message type %s", msg.Type)
	}
}

func (o *Orchestrator) onPaired(msg models.SignalMessage) {
	var p models.PairedPayload
	if err := models.DecodePayload(msg, &p); err != nil {
		util.LogWarning("bad paired event: %v", err)
		return
	}
	if !o.current(p.Seq) {
		util.LogDebug("paired event for request %d dropped, current is %d", p.Seq, o.findSeq)
		return
	}
	if o.state != StateSearching {
		if o.peerID != p.PeerID {
			util.LogWarning("paired event ignored in state %s", o.state)
		}
		return
	}

	o.peerID = p.PeerID
	o.role = p.Role
	util.LogInfo("paired with %s as %s", p.PeerID, p.Role)

	switch p.Role {
	case models.RoleOfferer:
		o.setState(StateOffering)
		gen, tr, ctx := o.gen, o.transport, o.sessionContext()
		go func() {
			sdp, err := tr.CreateOffer(ctx)
			o.post(localDescription{gen: gen, kind: models.SignalTypeOffer, sdp: sdp, err: err})
		}()
	case models.RoleAnswerer:
		o.setState(StateAnswering)
	default:
		o.fail(&SessionError{Kind: KindPeerNegotiationFailed})
	}
}

// onPeerDisconnected ends the pairing made for the current request. The
// notice may overtake the paired event it cancels, in which case no peer is
// known yet.
func (o *Orchestrator) onPeerDisconnected(msg models.SignalMessage) {
	var p models.PeerDisconnectedPayload
	if err := models.DecodePayload(msg, &p); err != nil {
		util.LogWarning("bad peer-disconnected event: %v", err)
		return
	}
	if !o.current(p.Seq) || (o.peerID != "" && o.peerID != p.PeerID) {
		util.LogDebug("stale peer-disconnected for %s dropped", p.PeerID)
		return
	}
	util.LogInfo("peer %s disconnected", p.PeerID)
	// The relay already dissolved the pairing.
	o.requested = false
	o.teardown(false)
	o.setState(StateIdle)
}

// current reports whether seq belongs to the outstanding pairing request.
func (o *Orchestrator) current(seq uint64) bool {
	return o.requested && seq == o.findSeq
}

func (o *Orchestrator) applyRemote(sdp string) {
	o.remotePending = true
	gen, tr, ctx := o.gen, o.transport, o.sessionContext()
	go func() {
		err := tr.SetRemoteDescription(ctx, sdp)
		o.post(remoteApplied{gen: gen, sdp: sdp, err: err})
	}()
}

func (o *Orchestrator) onRemoteApplied(ev remoteApplied) {
	if ev.gen != o.gen {
		return
	}
	o.remotePending = false
	if ev.err != nil {
		o.fail(Classify(ev.err, KindPeerNegotiationFailed))
		return
	}
	o.remoteApplied = true

	// Descriptors that arrived early are applied now, in arrival order.
	pending := o.pending
	o.pending = nil
	for _, d := range pending {
		o.addPath(d)
	}

	if o.state == StateAnswering {
		gen, tr, ctx := o.gen, o.transport, o.sessionContext()
		offer := ev.sdp
		go func() {
			sdp, err := tr.CreateAnswer(ctx, offer)
			o.post(localDescription{gen: gen, kind: models.SignalTypeAnswer, sdp: sdp, err: err})
		}()
	}
}

func (o *Orchestrator) onLocalDescription(ev localDescription) {
	if ev.gen != o.gen || !o.state.negotiating() {
		return
	}
	if ev.err != nil {
		o.fail(Classify(ev.err, KindPeerNegotiationFailed))
		return
	}
	if err := o.sendToPeer(ev.kind, models.SDPPayload{SDP: ev.sdp}); err != nil {
		o.fail(Classify(err, KindNetworkUnreachable))
		return
	}
	if ev.kind == models.SignalTypeOffer {
		o.offerSent = true
	}
}

func (o *Orchestrator) onConnectionChanged(state ConnectionState) {
	util.LogDebug("connection state %s while %s", state, o.state)

	switch state {
	case ConnectionConnected:
		if o.state == StateOffering || o.state == StateAnswering {
			o.setState(StateConnected)
			o.resetAttempts()
			o.startSessionTimer()
		}
	case ConnectionFailed:
		switch o.state {
		case StateOffering, StateAnswering:
			o.fail(&SessionError{Kind: KindPeerNegotiationFailed})
		case StateConnected:
			o.fail(&SessionError{Kind: KindTransportDisconnected})
		}
	case ConnectionDisconnected, ConnectionClosed:
		if o.state == StateConnected {
			o.fail(&SessionError{Kind: KindTransportDisconnected})
		}
	}
}

func (o *Orchestrator) startSessionTimer() {
	gen := o.gen
	if o.cfg.WarningOffset > 0 && o.cfg.WarningOffset < o.cfg.SessionDuration {
		o.warningTimer = time.AfterFunc(o.cfg.SessionDuration-o.cfg.WarningOffset, func() {
			o.post(warningDue{gen: gen})
		})
	}
	o.sessionTimer = time.AfterFunc(o.cfg.SessionDuration, func() {
		o.post(expiryDue{gen: gen})
	})
}

// fail tears the session down, reports se and either schedules a retry or
// settles in Idle.
func (o *Orchestrator) fail(se *SessionError) {
	util.LogWarning("session failed: %v", se)
	o.teardown(true)
	o.setState(StateFailed)
	o.notifyError(se)

	if !se.Kind.Recoverable() || o.attempts >= o.cfg.MaxRetries {
		o.setState(StateIdle)
		return
	}

	o.attempts++
	delay := o.backoff.NextBackOff()
	gen := o.gen
	util.LogInfo("retrying in %s (attempt %d/%d)", delay, o.attempts, o.cfg.MaxRetries)
	o.retryTimer = time.AfterFunc(delay, func() {
		o.post(retryDue{gen: gen})
	})
}

// teardown releases everything held for the current session. With release
// set, an outstanding pairing request is withdrawn from the relay before
// returning.
func (o *Orchestrator) teardown(release bool) {
	if o.sessionCancel != nil {
		o.sessionCancel()
		o.sessionCtx, o.sessionCancel = nil, nil
	}
	for _, t := range []*time.Timer{o.sessionTimer, o.warningTimer, o.retryTimer} {
		if t != nil {
			t.Stop()
		}
	}
	o.sessionTimer, o.warningTimer, o.retryTimer = nil, nil, nil

	if release && o.requested {
		if err := o.signaler.Send(models.SignalMessage{Type: models.SignalTypeStop}); err != nil {
			util.LogWarning("failed to release pairing: %v", err)
		}
	}
	o.requested = false

	if o.transport != nil {
		if err := o.transport.Close(); err != nil {
			util.LogDebug("closing transport: %v", err)
		}
		o.transport = nil
	}
	if o.media != nil {
		o.media.Close()
		o.media = nil
	}

	o.peerID = ""
	o.role = ""
	o.offerSent = false
	o.remotePending = false
	o.remoteApplied = false
	o.pending = nil
	o.gen++
}

func (o *Orchestrator) addPath(descriptor string) {
	if err := o.transport.AddPathDescriptor(descriptor); err != nil {
		util.LogWarning("failed to apply path descriptor: %v", err)
	}
}

func (o *Orchestrator) sendToPeer(t models.SignalType, payload interface{}) error {
	msg, err := models.NewMessage(t, o.peerID, payload)
	if err != nil {
		return err
	}
	return o.signaler.Send(msg)
}

func (o *Orchestrator) sessionContext() context.Context {
	if o.sessionCtx == nil {
		return o.ctx
	}
	return o.sessionCtx
}

func (o *Orchestrator) resetAttempts() {
	o.attempts = 0
	o.backoff.Reset()
}

func (o *Orchestrator) setState(s State) {
	o.stateMu.Lock()
	prev := o.state
	o.state = s
	o.stateMu.Unlock()

	if prev != s {
		util.LogDebug("state %s -> %s", prev, s)
		o.observe(Notice{Kind: NoticeState, State: s})
	}
}

func (o *Orchestrator) notifyError(se *SessionError) {
	o.observe(Notice{Kind: NoticeError, State: o.state, Err: se})
}
