// Package callkit manages voice and video call sessions for a client.
//
// A host opens one call per call UI invocation with OpenCall and closes
// it with End. Everything in between (hardware acquisition and release,
// mute and camera toggles, screen sharing, speaking detection, remote
// participants) is handled by the session behind the returned Call.
//
// # Getting Started
//
//	call, err := callkit.OpenCall(ctx, callkit.CallContext{
//	    CallType:     media.CallTypeVideo,
//	    ChannelLabel: "#design-review",
//	}, &callkit.Options{
//	    Config:  config.Load(),
//	    OnEnded: func(s session.Summary) { ui.CloseDialog() },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer call.End()
//
//	<-call.Started()
//	if err := call.StartErr(); err != nil {
//	    // errors.Is(err, media.ErrPermissionDenied) etc; offer call.Retry(ctx)
//	}
//	call.ToggleMute()
//
// # Packages
//
//   - media, media/devices: hardware ownership and the pion/mediadevices provider
//   - activity: speaking detection
//   - controls: pure control transitions
//   - participant: the roster
//   - session: the lifecycle state machine
//   - interfaces, testing, real, signaling, factory: pluggable transports
//   - config, metrics, history, invite: ambient services
//
// # Simulation
//
// Set CALLKIT_USE_SIMULATION=true, or pass a transport from
// factory.CreateSimulationForTesting, to run without a signaling server.
// media.NewSimulatedProvider replaces the hardware.
package callkit
