package orchestrator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

func TestStart_AcquiresMediaThenRequestsPairing(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig(), nil)

	req.NoError(h.orch.Start())
	h.waitSent(models.SignalTypeFindPeer, 1)
	req.Equal(StateSearching, h.orch.State())
	req.Equal([]string{"acquire"}, h.transport().Calls())

	h.deliver(models.SignalTypeWaiting, "", models.WaitingPayload{Seq: h.seq()})
	require.Eventually(t, func() bool { return len(h.notices.of(NoticeWaiting)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestOfferer_SendsOfferAndConnects(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig(), nil)

	h.connectAsOfferer()

	var offer models.SignalMessage
	for _, m := range h.signaler.Sent() {
		if m.Type == models.SignalTypeOffer {
			offer = m
		}
	}
	req.Equal("peer", offer.To)
	var p models.SDPPayload
	req.NoError(models.DecodePayload(offer, &p))
	req.Equal("offer-sdp", p.SDP)

	req.Equal([]string{"acquire", "createOffer", "setRemote:remote-answer"}, h.transport().Calls())
	req.Equal([]State{StateSearching, StateOffering, StateConnected}, h.notices.states())
}

func TestAnswerer_BuffersCandidatesUntilRemoteDescription(t *testing.T) {
	req := require.New(t)
	gate := make(chan struct{})
	h := newHarness(t, testConfig(), func(tr *fakeTransport) { tr.remoteGate = gate })

	h.pair(models.RoleAnswerer)
	h.waitState(StateAnswering)

	for _, c := range []string{"c1", "c2"} {
		h.deliver(models.SignalTypeCandidate, "peer", models.CandidatePayload{Candidate: c})
	}
	h.deliver(models.SignalTypeOffer, "peer", models.SDPPayload{SDP: "remote-offer"})
	// Arrives while the remote description is still being applied.
	h.deliver(models.SignalTypeCandidate, "peer", models.CandidatePayload{Candidate: "c3"})

	tr := h.transport()
	time.Sleep(50 * time.Millisecond)
	req.Equal([]string{"acquire"}, tr.Calls(), "no descriptor may be applied before the remote description")

	close(gate)
	h.waitSent(models.SignalTypeAnswer, 1)

	req.Equal([]string{
		"acquire",
		"setRemote:remote-offer",
		"addPath:c1",
		"addPath:c2",
		"addPath:c3",
		"createAnswer:remote-offer",
	}, tr.Calls())

	// Once applied, descriptors go straight to the transport.
	h.deliver(models.SignalTypeCandidate, "peer", models.CandidatePayload{Candidate: "c4"})
	require.Eventually(t, func() bool { return lastCall(tr) == "addPath:c4" }, time.Second, 5*time.Millisecond)
}

func TestCandidatesFromOtherSendersAreDropped(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.connectAsOfferer()

	h.deliver(models.SignalTypeCandidate, "intruder", models.CandidatePayload{Candidate: "x"})
	h.deliver(models.SignalTypeCandidate, "peer", models.CandidatePayload{Candidate: "ok"})

	tr := h.transport()
	require.Eventually(t, func() bool { return lastCall(tr) == "addPath:ok" }, time.Second, 5*time.Millisecond)
	require.NotContains(t, tr.Calls(), "addPath:x")
}

func TestLocalCandidatesAreSentToPeer(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig(), nil)
	h.pair(models.RoleOfferer)
	h.waitSent(models.SignalTypeOffer, 1)

	h.transport().emitPath("local-1")
	h.waitSent(models.SignalTypeCandidate, 1)

	for _, m := range h.signaler.Sent() {
		if m.Type == models.SignalTypeCandidate {
			req.Equal("peer", m.To)
			var p models.CandidatePayload
			req.NoError(models.DecodePayload(m, &p))
			req.Equal("local-1", p.Candidate)
		}
	}
}

func TestPeerDisconnect_ReturnsToIdle(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig(), nil)
	h.connectAsOfferer()

	h.deliver(models.SignalTypePeerDisconnected, "", models.PeerDisconnectedPayload{PeerID: "peer", Seq: h.seq()})
	h.waitState(StateIdle)

	req.True(h.transport().Closed())
	// The relay already released the pair, so no stop is sent.
	req.Equal(0, h.signaler.count(models.SignalTypeStop))
}

func TestStop_ReleasesPairing(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig(), nil)
	h.connectAsOfferer()

	req.NoError(h.orch.Stop())
	h.waitState(StateIdle)
	h.waitSent(models.SignalTypeStop, 1)
	req.True(h.transport().Closed())

	// Stale answer from the old session is ignored.
	h.deliver(models.SignalTypeAnswer, "peer", models.SDPPayload{SDP: "late"})
	time.Sleep(20 * time.Millisecond)
	req.Equal(StateIdle, h.orch.State())
}

func TestStop_AbortsMediaAcquisition(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig(), func(tr *fakeTransport) { tr.mediaBlock = true })

	req.NoError(h.orch.Start())
	h.waitState(StateSearching)
	req.NoError(h.orch.Stop())
	h.waitState(StateIdle)

	time.Sleep(20 * time.Millisecond)
	req.Equal(0, h.signaler.count(models.SignalTypeFindPeer))
	req.Equal(0, h.signaler.count(models.SignalTypeStop))
	req.True(h.transport().Closed())
}

func TestSkip_TearsDownAndSearchesAgain(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig(), nil)
	h.connectAsOfferer()
	first := h.transport()

	req.NoError(h.orch.Skip())
	h.waitSent(models.SignalTypeFindPeer, 2)
	h.waitState(StateSearching)

	req.True(first.Closed())
	req.Equal(1, h.signaler.count(models.SignalTypeStop))
	req.Equal(2, h.transportCount())

	// The stop is sent before the new pairing request.
	var order []models.SignalType
	for _, m := range h.signaler.Sent() {
		if m.Type == models.SignalTypeStop || m.Type == models.SignalTypeFindPeer {
			order = append(order, m.Type)
		}
	}
	req.Equal([]models.SignalType{models.SignalTypeFindPeer, models.SignalTypeStop, models.SignalTypeFindPeer}, order)
}

func TestSessionTimer_ExpiresWithOneWarning(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	cfg.SessionDuration = 300 * time.Millisecond
	cfg.WarningOffset = 100 * time.Millisecond
	h := newHarness(t, cfg, nil)

	h.connectAsOfferer()
	connectedAt := time.Now()

	require.Eventually(t, func() bool { return h.orch.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
	elapsed := time.Since(connectedAt)
	req.GreaterOrEqual(elapsed, 250*time.Millisecond)

	warnings := h.notices.of(NoticeWarning)
	req.Len(warnings, 1)
	req.Equal(100*time.Millisecond, warnings[0].Remaining)
	h.waitSent(models.SignalTypeStop, 1)
	req.True(h.transport().Closed())

	time.Sleep(150 * time.Millisecond)
	req.Len(h.notices.of(NoticeWarning), 1)
}

func TestSessionTimer_StopCancelsWarning(t *testing.T) {
	cfg := testConfig()
	cfg.SessionDuration = 400 * time.Millisecond
	cfg.WarningOffset = 100 * time.Millisecond
	h := newHarness(t, cfg, nil)

	h.connectAsOfferer()
	require.NoError(t, h.orch.Stop())
	h.waitState(StateIdle)

	time.Sleep(500 * time.Millisecond)
	require.Empty(t, h.notices.of(NoticeWarning))
}

func TestTransportFailure_RetriesThenGivesUp(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	cfg.MaxRetries = 1
	h := newHarness(t, cfg, nil)

	h.pair(models.RoleOfferer)
	h.waitSent(models.SignalTypeOffer, 1)
	h.transport().emitState(ConnectionFailed)

	// First failure schedules a retry.
	h.waitSent(models.SignalTypeFindPeer, 2)
	req.Equal(2, h.transportCount())
	h.paired("peer", models.RoleOfferer)
	h.waitSent(models.SignalTypeOffer, 2)
	h.transport().emitState(ConnectionFailed)

	h.waitState(StateIdle)
	time.Sleep(50 * time.Millisecond)
	req.Equal(2, h.transportCount(), "retries are bounded")

	errs := h.notices.of(NoticeError)
	req.Len(errs, 2)
	for _, n := range errs {
		req.Equal(KindPeerNegotiationFailed, n.Err.Kind)
	}
	req.Equal(2, h.signaler.count(models.SignalTypeStop))
}

func TestConnectedTransportLoss_IsTransportDisconnected(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.connectAsOfferer()

	h.transport().emitState(ConnectionDisconnected)
	h.waitState(StateIdle)

	errs := h.notices.of(NoticeError)
	require.Len(t, errs, 1)
	require.Equal(t, KindTransportDisconnected, errs[0].Err.Kind)
	require.Contains(t, h.notices.states(), StateFailed)
}

func TestMediaPermissionDenied_IsNotRetried(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	cfg.MaxRetries = 3
	h := newHarness(t, cfg, func(tr *fakeTransport) {
		tr.mediaErr = fmt.Errorf("getUserMedia: %w", ErrPermissionDenied)
	})

	req.NoError(h.orch.Start())
	h.waitState(StateIdle)
	require.Eventually(t, func() bool { return len(h.notices.of(NoticeError)) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	req.Equal(1, h.transportCount())
	req.Equal(0, h.signaler.count(models.SignalTypeFindPeer))
	n := h.notices.of(NoticeError)[0]
	req.Equal(KindMediaPermissionDenied, n.Err.Kind)
	req.Equal([]State{StateSearching, StateFailed, StateIdle}, h.notices.states())
}

func TestMediaDeviceMissing_IsRetried(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	h := newHarness(t, cfg, func(tr *fakeTransport) { tr.mediaErr = ErrDeviceNotFound })

	require.NoError(t, h.orch.Start())
	require.Eventually(t, func() bool { return len(h.notices.of(NoticeError)) == 3 }, 2*time.Second, 5*time.Millisecond)
	h.waitState(StateIdle)
	require.Equal(t, 3, h.transportCount())
	require.Equal(t, KindMediaDeviceNotFound, h.notices.of(NoticeError)[0].Err.Kind)
}

func TestRemoteDescriptionRejected_FailsNegotiation(t *testing.T) {
	h := newHarness(t, testConfig(), func(tr *fakeTransport) { tr.remoteErr = errBoom })

	h.pair(models.RoleAnswerer)
	h.waitState(StateAnswering)
	h.deliver(models.SignalTypeOffer, "peer", models.SDPPayload{SDP: "bad"})

	h.waitState(StateIdle)
	errs := h.notices.of(NoticeError)
	require.Len(t, errs, 1)
	require.Equal(t, KindPeerNegotiationFailed, errs[0].Err.Kind)
	require.ErrorIs(t, errs[0].Err, errBoom)
	h.waitSent(models.SignalTypeStop, 1)
}

func TestChat_SentAndReceivedOnlyWhenConnected(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig(), nil)

	req.NoError(h.orch.SendChat("too early"))
	h.connectAsOfferer()
	req.NoError(h.orch.SendChat("   "))
	req.NoError(h.orch.SendChat("hello"))
	h.waitSent(models.SignalTypeChat, 1)
	time.Sleep(20 * time.Millisecond)
	req.Equal(1, h.signaler.count(models.SignalTypeChat))

	h.deliver(models.SignalTypeChat, "peer", models.ChatPayload{Text: "hi there"})
	require.Eventually(t, func() bool { return len(h.notices.of(NoticeChat)) == 1 }, time.Second, 5*time.Millisecond)
	req.Equal("hi there", h.notices.of(NoticeChat)[0].Text)
}

func TestRemoteTrackIsReported(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.connectAsOfferer()

	h.transport().emitTrack(Track{ID: "v", Kind: "video", StreamID: "s"})
	require.Eventually(t, func() bool { return len(h.notices.of(NoticeRemoteTrack)) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "video", h.notices.of(NoticeRemoteTrack)[0].Track.Kind)
}

func TestSignalFailure_IsNetworkUnreachable(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.signaler.mu.Lock()
	h.signaler.err = errBoom
	h.signaler.mu.Unlock()

	require.NoError(t, h.orch.Start())
	h.waitState(StateIdle)
	require.Eventually(t, func() bool { return len(h.notices.of(NoticeError)) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, KindNetworkUnreachable, h.notices.of(NoticeError)[0].Err.Kind)
}

func TestRelayLost_EndsRun(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig(), nil)
	h.connectAsOfferer()

	req.NoError(h.orch.RelayLost(errBoom))
	select {
	case err := <-h.runErr:
		req.ErrorIs(err, ErrRelayLost)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	req.Equal(StateDisconnected, h.orch.State())
	req.True(h.transport().Closed())
	req.ErrorIs(h.orch.Start(), ErrClosed)
}

func TestPairedIgnoredUnlessSearching(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.deliver(models.SignalTypePaired, "", models.PairedPayload{PeerID: "peer", Role: models.RoleOfferer})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateIdle, h.orch.State())
	require.Equal(t, 0, h.transportCount())
}

func TestFindPeer_NumbersEachRequest(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	require.NoError(t, h.orch.Start())
	h.waitSent(models.SignalTypeFindPeer, 1)
	first := h.seq()
	require.NoError(t, h.orch.Skip())
	h.waitSent(models.SignalTypeFindPeer, 2)
	require.Greater(t, h.seq(), first)
}

func TestSkip_DropsPairedForEarlierRequest(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig(), nil)

	req.NoError(h.orch.Start())
	h.waitSent(models.SignalTypeFindPeer, 1)
	old := h.seq()
	req.NoError(h.orch.Skip())
	h.waitSent(models.SignalTypeFindPeer, 2)

	// The relay paired the first request before it saw the stop.
	h.deliver(models.SignalTypePaired, "", models.PairedPayload{PeerID: "old", Role: models.RoleOfferer, Seq: old})
	h.paired("new", models.RoleAnswerer)
	h.waitState(StateAnswering)

	h.deliver(models.SignalTypeOffer, "new", models.SDPPayload{SDP: "fresh-offer"})
	h.waitSent(models.SignalTypeAnswer, 1)
	req.Equal(0, h.signaler.count(models.SignalTypeOffer))
	for _, m := range h.signaler.Sent() {
		if m.Type == models.SignalTypeAnswer {
			req.Equal("new", m.To)
		}
	}
}

func TestStaleWaitingIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.orch.Start())
	h.waitSent(models.SignalTypeFindPeer, 1)

	h.deliver(models.SignalTypeWaiting, "", models.WaitingPayload{Seq: h.seq() + 1})
	h.deliver(models.SignalTypeWaiting, "", models.WaitingPayload{Seq: h.seq()})
	require.Eventually(t, func() bool { return len(h.notices.of(NoticeWaiting)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, h.notices.of(NoticeWaiting), 1)
}

func TestPeerDisconnectOvertakingPaired_ReturnsToIdle(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig(), nil)

	req.NoError(h.orch.Start())
	h.waitSent(models.SignalTypeFindPeer, 1)
	seq := h.seq()

	h.deliver(models.SignalTypePeerDisconnected, "", models.PeerDisconnectedPayload{PeerID: "gone", Seq: seq})
	h.deliver(models.SignalTypePaired, "", models.PairedPayload{PeerID: "gone", Role: models.RoleOfferer, Seq: seq})
	h.waitState(StateIdle)

	time.Sleep(30 * time.Millisecond)
	req.Equal(StateIdle, h.orch.State())
	req.NotContains(h.transport().Calls(), "createOffer")
	req.True(h.transport().Closed())
	req.Equal(0, h.signaler.count(models.SignalTypeStop), "the relay already released the request")
}

func TestStalePeerDisconnectIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.connectAsOfferer()

	h.deliver(models.SignalTypePeerDisconnected, "", models.PeerDisconnectedPayload{PeerID: "peer", Seq: h.seq() + 1})
	h.deliver(models.SignalTypePeerDisconnected, "", models.PeerDisconnectedPayload{PeerID: "someone-else", Seq: h.seq()})
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateConnected, h.orch.State())
	require.False(t, h.transport().Closed())
}
