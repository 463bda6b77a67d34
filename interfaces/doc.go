// Package interfaces defines the transport abstraction of a call session.
//
// A session talks to remote peers only through [ITransport]. Two
// implementations exist and are selected by the factory package:
//
//   - testing.LocalOnlyTransport: simulated peers for demos and tests
//   - real.WebRTCTransport: a pion/webrtc peer connection negotiated over
//     the signaling package
//
// Both report remote participants through [ParticipantSink], the same
// partial-update contract the local activity monitor uses:
//
//	err := transport.Join(ctx, interfaces.JoinRequest{
//	    SessionID: id,
//	    CallType:  media.CallTypeVideo,
//	    Tracks:    stream.Tracks(),
//	    Sink:      registry,
//	    OnFatal:   func(err error) { log.Printf("media lost: %v", err) },
//	})
//
// # Configuration
//
// [TransportConfig] carries the settings of both implementations:
//
//	cfg := &interfaces.TransportConfig{
//	    UseSimulation:  true,
//	    SimulatedPeers: 1,
//	    JoinTimeout:    10 * time.Second,
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatalf("invalid config: %v", err)
//	}
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Sink methods may be
// called from transport goroutines at any time between Join and Leave.
package interfaces
