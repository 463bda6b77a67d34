// Package media owns local hardware streams for a call session.
//
// The Controller is the only component allowed to start or stop a physical
// device. It asks a DeviceProvider for microphone, camera or screen tracks,
// groups them into a Stream, and guarantees that every acquired stream is
// released exactly once, including when acquisition fails halfway or is
// cancelled while a permission prompt is pending.
//
// # Providers
//
// Two providers are available:
//
//   - SimulatedProvider (this package): in-memory tracks with failure
//     injection, pending-permission gating and synthetic microphone audio.
//   - devices.Provider (media/devices): real hardware through
//     github.com/pion/mediadevices.
//
// # Errors
//
// Acquisition failures are returned as *AcquireError values that match one
// of ErrPermissionDenied, ErrDeviceUnavailable or ErrUserCancelled:
//
//	stream, err := controller.Acquire(ctx, media.CallTypeVideo, onEnded)
//	if errors.Is(err, media.ErrPermissionDenied) {
//	    // show "allow camera access" with a retry button
//	}
//
// # Track control
//
// Muting never reopens hardware; ToggleTrack only flips enabled flags:
//
//	err := controller.ToggleTrack(stream, media.TrackKindAudio, false)
package media
