package testing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/callkit/interfaces"
	"github.com/opd-ai/callkit/media"
	"github.com/opd-ai/callkit/participant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJoinRequest(registry *participant.Registry) interfaces.JoinRequest {
	return interfaces.JoinRequest{
		SessionID: "session-1",
		CallType:  media.CallTypeVideo,
		Sink:      registry,
	}
}

func TestNewLocalOnlyTransport(t *testing.T) {
	transport := NewLocalOnlyTransport(nil)
	if transport == nil {
		t.Fatal("expected non-nil LocalOnlyTransport")
	}
	if !transport.IsSimulation() {
		t.Error("IsSimulation should return true")
	}
	if transport.Joined() {
		t.Error("new transport should not be joined")
	}
}

func TestJoinAddsConnectedPeers(t *testing.T) {
	transport := NewLocalOnlyTransport(&interfaces.TransportConfig{UseSimulation: true, SimulatedPeers: 2})
	registry := participant.NewRegistry()

	require.NoError(t, transport.Join(context.Background(), newJoinRequest(registry)))

	snap := registry.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "peer-1", snap[0].ID)
	assert.Equal(t, "Peer 1", snap[0].DisplayName)
	assert.False(t, snap[0].IsCameraOff)
	for _, p := range snap {
		assert.Equal(t, participant.StatusConnected, p.ConnectionStatus)
	}

	assert.ErrorIs(t, transport.Join(context.Background(), newJoinRequest(registry)), interfaces.ErrAlreadyJoined)
}

func TestJoinWithDelayStartsConnecting(t *testing.T) {
	transport := NewLocalOnlyTransport(&interfaces.TransportConfig{
		UseSimulation:  true,
		SimulatedPeers: 1,
		ConnectDelay:   20 * time.Millisecond,
	})
	registry := participant.NewRegistry()
	require.NoError(t, transport.Join(context.Background(), newJoinRequest(registry)))

	p, ok := registry.Get("peer-1")
	require.True(t, ok)
	assert.Equal(t, participant.StatusConnecting, p.ConnectionStatus)

	assert.Eventually(t, func() bool {
		p, _ := registry.Get("peer-1")
		return p.ConnectionStatus == participant.StatusConnected
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, transport.Leave())
}

func TestJoinValidation(t *testing.T) {
	transport := NewLocalOnlyTransport(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, transport.Join(ctx, newJoinRequest(participant.NewRegistry())), context.Canceled)
	assert.ErrorIs(t, transport.Join(context.Background(), interfaces.JoinRequest{SessionID: "s"}), interfaces.ErrNilSink)

	failure := errors.New("signaling unreachable")
	transport.FailNextJoin(failure)
	assert.ErrorIs(t, transport.Join(context.Background(), newJoinRequest(participant.NewRegistry())), failure)
	assert.NoError(t, transport.Join(context.Background(), newJoinRequest(participant.NewRegistry())))
}

func TestLeaveRemovesPeers(t *testing.T) {
	transport := NewLocalOnlyTransport(&interfaces.TransportConfig{UseSimulation: true, SimulatedPeers: 3})
	registry := participant.NewRegistry()
	registry.UpsertLocal(participant.Update{})
	require.NoError(t, transport.Join(context.Background(), newJoinRequest(registry)))
	assert.Equal(t, 4, registry.Len())

	require.NoError(t, transport.Leave())
	require.NoError(t, transport.Leave())
	assert.Equal(t, 1, registry.Len())
	assert.False(t, transport.Joined())
}

func TestReplaceTrack(t *testing.T) {
	provider := media.NewSimulatedProvider()
	tracks, err := provider.GetUserMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	screen, err := provider.GetDisplayMedia(context.Background())
	require.NoError(t, err)

	transport := NewLocalOnlyTransport(nil)
	assert.ErrorIs(t, transport.ReplaceTrack(media.TrackKindVideo, screen[0]), interfaces.ErrNotJoined)

	req := newJoinRequest(participant.NewRegistry())
	req.Tracks = tracks
	require.NoError(t, transport.Join(context.Background(), req))
	assert.Equal(t, tracks[1], transport.Outgoing(media.TrackKindVideo))

	require.NoError(t, transport.ReplaceTrack(media.TrackKindVideo, screen[0]))
	assert.Equal(t, screen[0], transport.Outgoing(media.TrackKindVideo))
	assert.Equal(t, tracks[0], transport.Outgoing(media.TrackKindAudio))

	require.NoError(t, transport.ReplaceTrack(media.TrackKindVideo, nil))
	assert.Nil(t, transport.Outgoing(media.TrackKindVideo))

	records := transport.Replacements()
	require.Len(t, records, 2)
	assert.Equal(t, screen[0].ID(), records[0].TrackID)
	assert.Empty(t, records[1].TrackID)
}

func TestDropPeerAndSpeaking(t *testing.T) {
	transport := NewLocalOnlyTransport(&interfaces.TransportConfig{UseSimulation: true, SimulatedPeers: 2})
	registry := participant.NewRegistry()
	require.NoError(t, transport.Join(context.Background(), newJoinRequest(registry)))

	require.NoError(t, transport.SetPeerSpeaking("peer-2", true))
	p, _ := registry.Get("peer-2")
	assert.True(t, p.IsSpeaking)

	transport.DropPeer("peer-1")
	_, ok := registry.Get("peer-1")
	assert.False(t, ok)
	assert.Equal(t, 1, registry.Len())
}

func TestDroppedPeerStaysGoneAfterDelayedConnect(t *testing.T) {
	transport := NewLocalOnlyTransport(&interfaces.TransportConfig{
		UseSimulation:  true,
		SimulatedPeers: 2,
		ConnectDelay:   20 * time.Millisecond,
	})
	registry := participant.NewRegistry()
	require.NoError(t, transport.Join(context.Background(), newJoinRequest(registry)))

	transport.DropPeer("peer-1")

	assert.Eventually(t, func() bool {
		p, ok := registry.Get("peer-2")
		return ok && p.ConnectionStatus == participant.StatusConnected
	}, time.Second, 5*time.Millisecond)

	_, ok := registry.Get("peer-1")
	assert.False(t, ok, "dropped peer reappeared after the connect delay")
	assert.ErrorIs(t, transport.SetPeerSpeaking("peer-1", true), ErrUnknownPeer)

	require.NoError(t, transport.Leave())
	assert.Zero(t, registry.Len())
}

func TestDroppedPeerNeverSpeaks(t *testing.T) {
	transport := NewLocalOnlyTransport(&interfaces.TransportConfig{
		UseSimulation:    true,
		SimulatedPeers:   1,
		SimulateSpeaking: true,
		SpeakingInterval: 2 * time.Millisecond,
	})
	registry := participant.NewRegistry()
	require.NoError(t, transport.Join(context.Background(), newJoinRequest(registry)))

	transport.DropPeer("peer-1")
	time.Sleep(20 * time.Millisecond)

	_, ok := registry.Get("peer-1")
	assert.False(t, ok)
	require.NoError(t, transport.Leave())
	assert.Zero(t, registry.Len())
}

func TestSimulatedSpeakingFlips(t *testing.T) {
	transport := NewLocalOnlyTransport(&interfaces.TransportConfig{
		UseSimulation:    true,
		SimulatedPeers:   1,
		SimulateSpeaking: true,
		SpeakingInterval: 20 * time.Millisecond,
	})
	registry := participant.NewRegistry()
	require.NoError(t, transport.Join(context.Background(), newJoinRequest(registry)))

	assert.Eventually(t, func() bool {
		p, _ := registry.Get("peer-1")
		return p.IsSpeaking
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, transport.Leave())
	assert.Zero(t, registry.Len())
}

func TestFailConnectionFiresOnce(t *testing.T) {
	transport := NewLocalOnlyTransport(nil)
	var calls atomic.Int32
	req := newJoinRequest(participant.NewRegistry())
	req.OnFatal = func(error) { calls.Add(1) }
	require.NoError(t, transport.Join(context.Background(), req))

	transport.FailConnection(errors.New("ice failed"))
	transport.FailConnection(errors.New("ice failed again"))
	assert.Equal(t, int32(1), calls.Load())
}
