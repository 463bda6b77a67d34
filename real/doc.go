// Package real provides the peer-to-peer call transport.
//
// WebRTCTransport implements interfaces.ITransport with a single
// github.com/pion/webrtc/v4 peer connection. Session descriptions and ICE
// candidates travel over the signaling package's websocket client; the
// room is the session id, so the remote side joins through an invite
// link carrying that id.
//
// # Media
//
// One static-sample RTP track is negotiated per kind the call type needs
// (Opus audio, plus VP8 video for video calls). A pump goroutine per track
// copies encoded frames from the current local source, skipping frames
// while the source is disabled. ReplaceTrack only swaps that source, so a
// camera/screen swap never renegotiates.
//
// Inbound Opus audio is decoded with github.com/pion/opus and fed to an
// activity.Meter; speaking changes of the remote participant are written
// to the participant sink along with connection status changes.
//
// # Failures
//
// OnFatal fires once per join when ICE reaches the failed state, or when
// signaling drops before any media path was established.
//
// # Usage
//
//	transport := real.NewWebRTCTransport(&interfaces.TransportConfig{
//	    SignalingURL: "wss://signal.example.com/ws",
//	    ICEServers:   []string{"stun:stun.l.google.com:19302"},
//	    JoinTimeout:  10 * time.Second,
//	})
package real
