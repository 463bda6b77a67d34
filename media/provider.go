package media

import "context"

// Constraints selects the devices requested from a DeviceProvider.
type Constraints struct {
	Audio bool
	Video bool
}

// DeviceProvider opens physical devices.
//
// Both methods may suspend until the user or OS grants access. They should
// return promptly with ctx.Err() once ctx is cancelled, but the controller
// does not rely on it: tracks that resolve after cancellation are stopped.
// A provider may return tracks together with an error when only part of
// the request succeeded.
type DeviceProvider interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]Track, error)
	GetDisplayMedia(ctx context.Context) ([]Track, error)
}

// EncodingProvider is implemented by providers that know whether their
// tracks can hand encoded frames to a peer transport (EncodedSource).
type EncodingProvider interface {
	CanEncode() bool
}
