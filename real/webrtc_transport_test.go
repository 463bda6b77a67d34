package real

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/callkit/activity"
	"github.com/opd-ai/callkit/interfaces"
	"github.com/opd-ai/callkit/media"
	"github.com/opd-ai/callkit/participant"
	"github.com/opd-ai/callkit/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSignaler is an in-memory Signaler.
type fakeSignaler struct {
	inbox chan signaling.Message
	sent  chan signaling.Message

	mu     sync.Mutex
	err    error
	closed bool
	url    string
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		inbox: make(chan signaling.Message, 16),
		sent:  make(chan signaling.Message, 64),
	}
}

func (f *fakeSignaler) Send(msg signaling.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return signaling.ErrClosed
	}
	f.sent <- msg
	return nil
}

func (f *fakeSignaler) Messages() <-chan signaling.Message { return f.inbox }

func (f *fakeSignaler) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSignaler) Close() error {
	f.fail(nil)
	return nil
}

func (f *fakeSignaler) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.inbox)
}

// next waits for a sent message of the given type, skipping candidates.
func (f *fakeSignaler) next(t *testing.T, want signaling.MessageType) signaling.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-f.sent:
			if msg.Type == want {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s message sent", want)
			return signaling.Message{}
		}
	}
}

func newTestTransport(t *testing.T) (*WebRTCTransport, *fakeSignaler) {
	t.Helper()
	sig := newFakeSignaler()
	transport := NewWebRTCTransport(&interfaces.TransportConfig{
		SignalingURL: "ws://signal.test/ws",
		JoinTimeout:  time.Second,
	})
	transport.SetDialer(func(ctx context.Context, rawURL string, header http.Header) (Signaler, error) {
		sig.url = rawURL
		return sig, nil
	})
	return transport, sig
}

func joinRequest(registry *participant.Registry, callType media.CallType) interfaces.JoinRequest {
	return interfaces.JoinRequest{
		SessionID:   "room-1",
		DisplayName: "Ada",
		CallType:    callType,
		Sink:        registry,
	}
}

func TestJoinDialsRoomURL(t *testing.T) {
	transport, sig := newTestTransport(t)
	registry := participant.NewRegistry()

	require.NoError(t, transport.Join(context.Background(), joinRequest(registry, media.CallTypeVoice)))
	defer transport.Leave()

	assert.Equal(t, "ws://signal.test/ws/room-1?displayName=Ada", sig.url)
	assert.False(t, transport.IsSimulation())
	assert.ErrorIs(t, transport.Join(context.Background(), joinRequest(registry, media.CallTypeVoice)), interfaces.ErrAlreadyJoined)
}

func TestJoinFailures(t *testing.T) {
	transport, _ := newTestTransport(t)
	registry := participant.NewRegistry()

	assert.ErrorIs(t, transport.Join(context.Background(), interfaces.JoinRequest{SessionID: "s"}), interfaces.ErrNilSink)

	dialErr := errors.New("connection refused")
	transport.SetDialer(func(context.Context, string, http.Header) (Signaler, error) { return nil, dialErr })
	assert.ErrorIs(t, transport.Join(context.Background(), joinRequest(registry, media.CallTypeVoice)), dialErr)

	bad := NewWebRTCTransport(&interfaces.TransportConfig{SignalingURL: "http://signal.test"})
	assert.Error(t, bad.Join(context.Background(), joinRequest(registry, media.CallTypeVoice)))
}

// recordingSleeper records requested sleeps. Only the short pump idle
// waits really sleep.
type recordingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *recordingSleeper) Sleep(d time.Duration) {
	r.mu.Lock()
	r.slept = append(r.slept, d)
	r.mu.Unlock()
	if d <= idleWait {
		time.Sleep(d)
	}
}

func (r *recordingSleeper) durations() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.slept...)
}

func TestJoinRetriesSignalingDial(t *testing.T) {
	sig := newFakeSignaler()
	transport := NewWebRTCTransport(&interfaces.TransportConfig{
		SignalingURL: "ws://signal.test/ws",
		JoinTimeout:  time.Second,
		DialAttempts: 3,
	})
	sleeper := &recordingSleeper{}
	transport.SetSleeper(sleeper)

	dials := 0
	transport.SetDialer(func(context.Context, string, http.Header) (Signaler, error) {
		dials++
		if dials < 3 {
			return nil, errors.New("connection refused")
		}
		return sig, nil
	})

	registry := participant.NewRegistry()
	require.NoError(t, transport.Join(context.Background(), joinRequest(registry, media.CallTypeVoice)))
	defer transport.Leave()

	assert.Equal(t, 3, dials)
	slept := sleeper.durations()
	require.GreaterOrEqual(t, len(slept), 2)
	assert.Equal(t, []time.Duration{dialBackoff, 2 * dialBackoff}, slept[:2])
}

func TestJoinGivesUpAfterDialAttempts(t *testing.T) {
	transport := NewWebRTCTransport(&interfaces.TransportConfig{
		SignalingURL: "ws://signal.test/ws",
		DialAttempts: 2,
	})
	sleeper := &recordingSleeper{}
	transport.SetSleeper(sleeper)

	dialErr := errors.New("connection refused")
	dials := 0
	transport.SetDialer(func(context.Context, string, http.Header) (Signaler, error) {
		dials++
		return nil, dialErr
	})

	err := transport.Join(context.Background(), joinRequest(participant.NewRegistry(), media.CallTypeVoice))
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, 2, dials)
	assert.Equal(t, []time.Duration{dialBackoff}, sleeper.durations())

	transport.mu.Lock()
	joined := transport.joined
	transport.mu.Unlock()
	assert.False(t, joined)
}

func TestRemoteJoinTriggersOffer(t *testing.T) {
	transport, sig := newTestTransport(t)
	registry := participant.NewRegistry()
	require.NoError(t, transport.Join(context.Background(), joinRequest(registry, media.CallTypeVideo)))
	defer transport.Leave()

	sig.inbox <- signaling.Message{Type: signaling.TypeJoin, From: "me", RoomID: "room-1"}
	sig.inbox <- signaling.Message{Type: signaling.TypeJoin, From: "peer-b", RoomID: "room-1"}

	offer := sig.next(t, signaling.TypeOffer)
	assert.Equal(t, "peer-b", offer.To)

	var sdp webrtc.SessionDescription
	require.NoError(t, offer.Decode(&sdp))
	assert.Equal(t, webrtc.SDPTypeOffer, sdp.Type)
	assert.Contains(t, sdp.SDP, "m=audio")
	assert.Contains(t, sdp.SDP, "m=video")

	p, ok := registry.Get("peer-b")
	require.True(t, ok)
	assert.Equal(t, participant.StatusConnecting, p.ConnectionStatus)
}

func TestRemoteOfferIsAnswered(t *testing.T) {
	transport, sig := newTestTransport(t)
	registry := participant.NewRegistry()
	require.NoError(t, transport.Join(context.Background(), joinRequest(registry, media.CallTypeVoice)))
	defer transport.Leave()

	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer remote.Close()
	_, err = remote.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	offer, err := remote.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(offer))

	msg, err := signaling.NewMessage(signaling.TypeOffer, "room-1", offer)
	require.NoError(t, err)
	msg.From = "peer-c"
	sig.inbox <- signaling.Message{Type: signaling.TypeJoin, From: "me"}
	sig.inbox <- msg

	answer := sig.next(t, signaling.TypeAnswer)
	assert.Equal(t, "peer-c", answer.To)

	var sdp webrtc.SessionDescription
	require.NoError(t, answer.Decode(&sdp))
	assert.Equal(t, webrtc.SDPTypeAnswer, sdp.Type)
	assert.NoError(t, remote.SetRemoteDescription(sdp))
}

func TestRemoteLeaveRemovesParticipant(t *testing.T) {
	transport, sig := newTestTransport(t)
	registry := participant.NewRegistry()
	require.NoError(t, transport.Join(context.Background(), joinRequest(registry, media.CallTypeVoice)))
	defer transport.Leave()

	sig.inbox <- signaling.Message{Type: signaling.TypeJoin, From: "me"}
	sig.inbox <- signaling.Message{Type: signaling.TypeJoin, From: "peer-b"}
	sig.next(t, signaling.TypeOffer)

	sig.inbox <- signaling.Message{Type: signaling.TypeLeave, From: "peer-b"}
	assert.Eventually(t, func() bool {
		_, ok := registry.Get("peer-b")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

// blockingReader returns a read func that blocks until release is closed
// and then fails like a closed RTP track.
func blockingReader() (read func() ([]byte, error), release func()) {
	done := make(chan struct{})
	var once sync.Once
	read = func() ([]byte, error) {
		<-done
		return nil, io.EOF
	}
	release = func() {
		once.Do(func() { close(done) })
	}
	return read, release
}

func joinWithRemote(t *testing.T) (*WebRTCTransport, *fakeSignaler, *participant.Registry) {
	t.Helper()
	transport, sig := newTestTransport(t)
	registry := participant.NewRegistry()
	require.NoError(t, transport.Join(context.Background(), joinRequest(registry, media.CallTypeVoice)))

	sig.inbox <- signaling.Message{Type: signaling.TypeJoin, From: "me"}
	sig.inbox <- signaling.Message{Type: signaling.TypeJoin, From: "peer-b"}
	sig.next(t, signaling.TypeOffer)
	_, ok := registry.Get("peer-b")
	require.True(t, ok)
	return transport, sig, registry
}

func TestRemoteAudioReaderDoesNotResurrectLeftPeer(t *testing.T) {
	transport, sig, registry := joinWithRemote(t)

	read, release := blockingReader()
	require.True(t, transport.startRemoteReader("peer-b", read, activity.DefaultConfig()))

	sig.inbox <- signaling.Message{Type: signaling.TypeLeave, From: "peer-b"}
	assert.Eventually(t, func() bool {
		_, ok := registry.Get("peer-b")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	release()
	require.NoError(t, transport.Leave())

	_, ok := registry.Get("peer-b")
	assert.False(t, ok, "reader exit re-created a peer that already left")
	assert.Zero(t, registry.Len())
}

func TestLeaveWaitsForRemoteAudioReader(t *testing.T) {
	transport, _, registry := joinWithRemote(t)

	read, release := blockingReader()
	require.True(t, transport.startRemoteReader("peer-b", read, activity.DefaultConfig()))

	left := make(chan error, 1)
	go func() { left <- transport.Leave() }()

	select {
	case <-left:
		t.Fatal("Leave returned while the remote audio reader was still running")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case err := <-left:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Leave did not return after the reader stopped")
	}

	assert.Zero(t, registry.Len())
	assert.False(t, transport.updateRemote("peer-b", participant.Update{IsSpeaking: participant.Bool(true)}))

	read, release = blockingReader()
	defer release()
	assert.False(t, transport.startRemoteReader("peer-b", read, activity.DefaultConfig()))
}

func TestSignalingLossBeforeMediaIsFatal(t *testing.T) {
	transport, sig := newTestTransport(t)
	registry := participant.NewRegistry()

	fatal := make(chan error, 2)
	req := joinRequest(registry, media.CallTypeVoice)
	req.OnFatal = func(err error) { fatal <- err }
	require.NoError(t, transport.Join(context.Background(), req))

	sig.fail(errors.New("reset by peer"))

	select {
	case err := <-fatal:
		assert.Contains(t, err.Error(), "signaling lost")
	case <-time.After(2 * time.Second):
		t.Fatal("OnFatal not invoked")
	}
	require.NoError(t, transport.Leave())
}

func TestReplaceTrackAndLeave(t *testing.T) {
	transport, sig := newTestTransport(t)
	registry := participant.NewRegistry()

	provider := media.NewSimulatedProvider()
	screen, err := provider.GetDisplayMedia(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, transport.ReplaceTrack(media.TrackKindVideo, screen[0]), interfaces.ErrNotJoined)

	require.NoError(t, transport.Join(context.Background(), joinRequest(registry, media.CallTypeVideo)))
	require.NoError(t, transport.ReplaceTrack(media.TrackKindVideo, screen[0]))
	require.NoError(t, transport.ReplaceTrack(media.TrackKindVideo, nil))

	require.NoError(t, transport.Leave())
	require.NoError(t, transport.Leave())
	assert.Equal(t, signaling.TypeLeave, sig.next(t, signaling.TypeLeave).Type)
}

func TestReplaceTrackUnknownKind(t *testing.T) {
	transport, _ := newTestTransport(t)
	require.NoError(t, transport.Join(context.Background(), joinRequest(participant.NewRegistry(), media.CallTypeVoice)))
	defer transport.Leave()

	assert.Error(t, transport.ReplaceTrack(media.TrackKindVideo, nil), "voice calls negotiate no video track")
}

func TestRoomURL(t *testing.T) {
	got, err := roomURL("wss://example.com/ws/", "a b", "")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/ws/a%20b", got)

	_, err = roomURL("://bad", "room", "")
	assert.Error(t, err)
}

func TestPeerStatus(t *testing.T) {
	tests := []struct {
		state webrtc.PeerConnectionState
		want  participant.ConnectionStatus
		ok    bool
	}{
		{webrtc.PeerConnectionStateConnecting, participant.StatusConnecting, true},
		{webrtc.PeerConnectionStateConnected, participant.StatusConnected, true},
		{webrtc.PeerConnectionStateDisconnected, participant.StatusDisconnected, true},
		{webrtc.PeerConnectionStateFailed, participant.StatusDisconnected, true},
		{webrtc.PeerConnectionStateClosed, 0, false},
	}
	for _, tt := range tests {
		got, ok := peerStatus(tt.state)
		assert.Equal(t, tt.ok, ok, tt.state.String())
		if ok {
			assert.Equal(t, tt.want, got, tt.state.String())
		}
	}
}

func TestPCMHelpers(t *testing.T) {
	data := []byte{0x01, 0x00, 0xff, 0xff, 0x02, 0x00, 0xfe, 0xff}
	assert.Equal(t, []int16{1, -1, 2, -2}, pcmFromBytes(data, false))
	assert.Equal(t, []int16{1, 2}, pcmFromBytes(data, true))

	assert.Equal(t, 640, frameBytes(16000, false, 11520))
	assert.Equal(t, 3840, frameBytes(48000, true, 11520))
	assert.Equal(t, 100, frameBytes(48000, false, 100))
	assert.Equal(t, 100, frameBytes(0, false, 100))
}

func TestSetActivityConfigValidates(t *testing.T) {
	transport, _ := newTestTransport(t)
	assert.Error(t, transport.SetActivityConfig(activity.Config{}))
	assert.NoError(t, transport.SetActivityConfig(activity.DefaultConfig()))
}
