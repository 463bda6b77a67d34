package real

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opd-ai/callkit/signaling"
)

// Signaler is the part of signaling.Client the transport needs.
type Signaler interface {
	Send(msg signaling.Message) error
	Messages() <-chan signaling.Message
	Err() error
	Close() error
}

// Dialer opens a signaling connection.
type Dialer func(ctx context.Context, rawURL string, header http.Header) (Signaler, error)

// DialWebsocket is the default Dialer.
func DialWebsocket(ctx context.Context, rawURL string, header http.Header) (Signaler, error) {
	return signaling.Dial(ctx, rawURL, header)
}

// Sleeper provides an abstraction over time.Sleep for deterministic testing.
type Sleeper interface {
	Sleep(d time.Duration)
}

// DefaultSleeper implements Sleeper using time.Sleep.
type DefaultSleeper struct{}

// Sleep pauses execution for the specified duration.
func (DefaultSleeper) Sleep(d time.Duration) {
	time.Sleep(d)
}

// roomURL appends the room id as the final path segment and the display
// name as a query parameter.
func roomURL(base, roomID, displayName string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("signaling url must use ws or wss: %q", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(roomID)
	if displayName != "" {
		q := u.Query()
		q.Set("displayName", displayName)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
