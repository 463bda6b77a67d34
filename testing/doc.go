// Package testing provides the local-only call transport used by demos
// and deterministic tests.
//
// # Overview
//
// LocalOnlyTransport implements interfaces.ITransport entirely in memory.
// Joining a call adds a configurable number of simulated remote peers to
// the participant sink; they start out connecting and become connected
// after ConnectDelay (immediately when the delay is zero). With
// SimulateSpeaking set, one peer per SpeakingInterval flips its speaking
// flag, which is a stand-in for real audio-level events.
//
// # Usage
//
//	transport := testing.NewLocalOnlyTransport(&interfaces.TransportConfig{
//	    UseSimulation:  true,
//	    SimulatedPeers: 2,
//	})
//	err := transport.Join(ctx, interfaces.JoinRequest{
//	    SessionID: "demo",
//	    Sink:      registry,
//	})
//
// Tests drive remote behavior directly:
//
//	transport.SetPeerSpeaking("peer-1", true)
//	transport.DropPeer("peer-2")
//	transport.FailConnection(errors.New("ice failed"))
//
// Every constructor logs a "SIMULATION FUNCTION - NOT A REAL OPERATION"
// warning.
package testing
