package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/callkit/media"
	"github.com/opd-ai/callkit/participant"
)

// Transport errors shared by all implementations.
var (
	ErrAlreadyJoined = errors.New("transport already joined")
	ErrNotJoined     = errors.New("transport not joined")
	ErrNilSink       = errors.New("participant sink cannot be nil")
)

// ITransport carries local media to remote peers and reports remote
// participants back through a ParticipantSink.
type ITransport interface {
	// Join connects the session. It may block until the signaling
	// handshake completes or ctx is done.
	Join(ctx context.Context, req JoinRequest) error

	// ReplaceTrack swaps the outgoing track of one kind without
	// renegotiating. A nil track sends nothing for that kind.
	ReplaceTrack(kind media.TrackKind, track media.Track) error

	// Leave disconnects and removes every remote participant it added.
	// It is safe to call when not joined.
	Leave() error

	// IsSimulation returns true for the local-only implementation.
	IsSimulation() bool
}

// ParticipantSink receives remote participant updates.
// participant.Registry satisfies it.
type ParticipantSink interface {
	UpsertRemote(id string, u participant.Update) error
	Remove(id string) error
}

// JoinRequest describes the local side of a call.
type JoinRequest struct {
	SessionID    string
	DisplayName  string
	ChannelLabel string
	CallType     media.CallType
	Tracks       []media.Track
	Sink         ParticipantSink

	// OnFatal is invoked at most once when the media path is lost for
	// good. It may be called from any goroutine.
	OnFatal func(error)
}

// Validate checks the request fields a transport depends on.
func (r JoinRequest) Validate() error {
	if r.SessionID == "" {
		return errors.New("session id cannot be empty")
	}
	if r.Sink == nil {
		return ErrNilSink
	}
	return nil
}

// TransportConfig holds configuration for transport implementations.
type TransportConfig struct {
	// UseSimulation selects the local-only transport.
	UseSimulation bool

	// SignalingURL is the websocket endpoint of the signaling server.
	SignalingURL string

	// ICEServers are STUN/TURN URLs for the peer connection.
	ICEServers []string

	// JoinTimeout bounds the signaling handshake.
	JoinTimeout time.Duration

	// DialAttempts is how many times the signaling dial is tried before
	// Join fails. Zero means once.
	DialAttempts int

	// SimulatedPeers is the number of fake remote participants.
	SimulatedPeers int

	// SimulateSpeaking randomly flips remote speaking flags.
	SimulateSpeaking bool

	// SpeakingInterval is the period of simulated speaking flips.
	SpeakingInterval time.Duration

	// ConnectDelay is how long simulated peers stay connecting.
	ConnectDelay time.Duration
}

// Validate checks the bounds of every field.
func (c *TransportConfig) Validate() error {
	if c == nil {
		return errors.New("transport config cannot be nil")
	}
	if c.JoinTimeout < 0 {
		return fmt.Errorf("join timeout cannot be negative: %v", c.JoinTimeout)
	}
	if c.DialAttempts < 0 {
		return fmt.Errorf("dial attempts cannot be negative: %d", c.DialAttempts)
	}
	if c.SimulatedPeers < 0 || c.SimulatedPeers > 16 {
		return fmt.Errorf("simulated peers must be between 0 and 16: %d", c.SimulatedPeers)
	}
	if c.SimulateSpeaking && c.SpeakingInterval <= 0 {
		return fmt.Errorf("speaking interval must be positive when speaking simulation is on: %v", c.SpeakingInterval)
	}
	if c.ConnectDelay < 0 {
		return fmt.Errorf("connect delay cannot be negative: %v", c.ConnectDelay)
	}
	if !c.UseSimulation && c.SignalingURL == "" {
		return errors.New("signaling url is required for the peer transport")
	}
	return nil
}
