// Package factory selects the call transport.
//
// TransportFactory builds either the local-only simulation in package
// testing or the WebRTC transport in package real from one
// interfaces.TransportConfig. Its defaults can be overridden through the
// environment:
//
//	CALLKIT_USE_SIMULATION=true      local-only transport
//	CALLKIT_SIGNALING_URL=wss://...  signaling websocket endpoint
//	CALLKIT_ICE_SERVERS=stun:a,turn:b
//	CALLKIT_JOIN_TIMEOUT=10000       milliseconds, 100..600000
//	CALLKIT_DIAL_ATTEMPTS=3          signaling dial attempts, 1..10
//	CALLKIT_SIMULATED_PEERS=3        0..16
//	CALLKIT_SIMULATE_SPEAKING=true
//
// Values that fail to parse or fall outside their bounds are logged and
// ignored.
//
// Example:
//
//	f := factory.NewTransportFactory()
//	tr, err := f.CreateTransport()
//	if err != nil {
//	    return err
//	}
//	sess, err := session.New(session.Config{Transport: tr, ...})
//
// Tests use CreateSimulationForTesting with functional options:
//
//	tr := f.CreateSimulationForTesting(factory.WithSimulatedPeers(2))
package factory
