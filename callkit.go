package callkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/callkit/activity"
	"github.com/opd-ai/callkit/config"
	"github.com/opd-ai/callkit/factory"
	"github.com/opd-ai/callkit/history"
	"github.com/opd-ai/callkit/interfaces"
	"github.com/opd-ai/callkit/invite"
	"github.com/opd-ai/callkit/media"
	"github.com/opd-ai/callkit/media/devices"
	"github.com/opd-ai/callkit/metrics"
	"github.com/opd-ai/callkit/session"
	"github.com/pion/mediadevices"
	"github.com/sirupsen/logrus"
)

// historyTimeout bounds the write of a finished call to the history log.
const historyTimeout = 5 * time.Second

var (
	// ErrNilClipboard is returned by CopyInviteLink without a clipboard.
	ErrNilClipboard = errors.New("clipboard cannot be nil")

	// ErrNoEncoder is returned by OpenCall when a network transport is
	// paired with a provider whose tracks cannot be encoded.
	ErrNoEncoder = errors.New("device provider cannot encode media for a network transport")
)

// CallContext is the display data a host hands to OpenCall. The channel
// label is shown, logged and recorded; it is never resolved.
type CallContext struct {
	CallType     media.CallType
	ChannelLabel string
}

// Options configures OpenCall. Unset fields fall back to real devices,
// the transport factory and the default activity tuning.
type Options struct {
	// Config supplies activity tuning, the display name and the transport
	// configuration. nil uses config.Default.
	Config *config.Config

	// Provider opens devices. nil opens real hardware.
	Provider media.DeviceProvider

	// Codec encodes real hardware tracks for a network transport. It is
	// used only when Provider is nil, and a real transport requires it.
	Codec *mediadevices.CodecSelector

	// Transport overrides the factory. LocalOnly disables the transport.
	Transport interfaces.ITransport
	Factory   *factory.TransportFactory
	LocalOnly bool

	History *history.Store
	Metrics *metrics.Recorder

	OnEnded        func(session.Summary)
	OnStatusChange func(from, to session.Status)
}

// NewOptions returns options for a real call configured from the
// environment.
func NewOptions() *Options {
	return &Options{Config: config.Load()}
}

// Call is an open call. It embeds the session that drives it.
type Call struct {
	*session.Session

	context  CallContext
	started  chan struct{}
	startErr error
}

// Context returns the CallContext the call was opened with.
func (c *Call) Context() CallContext { return c.context }

// Started is closed once the initial acquisition has finished, whether it
// succeeded or not.
func (c *Call) Started() <-chan struct{} { return c.started }

// StartErr returns the error of the initial acquisition. It is only
// meaningful after Started is closed; a failed start is retried with
// Retry.
func (c *Call) StartErr() error {
	select {
	case <-c.started:
		return c.startErr
	default:
		return nil
	}
}

// OpenCall creates a session for one call UI invocation and begins
// acquiring media in the background.
//
// Parameters:
//   - ctx: Bounds the initial acquisition; cancelling it fails the start
//     with media.ErrUserCancelled
//   - cc: The call type and the channel label to display
//   - opts: Collaborators; nil selects NewOptions
//
// Returns:
//   - *Call: The open call; OnEnded fires exactly once when it ends
//   - error: Configuration errors only; acquisition errors surface
//     through StartErr and the session status
func OpenCall(ctx context.Context, cc CallContext, opts *Options) (*Call, error) {
	if opts == nil {
		opts = NewOptions()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	provider := opts.Provider
	if provider == nil {
		devCfg := devices.DefaultConfig()
		devCfg.Codec = opts.Codec
		provider = devices.NewProvider(devCfg)
	}
	controller, err := media.NewController(provider)
	if err != nil {
		return nil, err
	}

	monitor, err := activity.NewMonitor(cfg.Activity)
	if err != nil {
		return nil, fmt.Errorf("invalid activity config: %w", err)
	}

	transport, err := selectTransport(cfg, opts)
	if err != nil {
		return nil, err
	}
	if err := checkEncoding(provider, transport); err != nil {
		return nil, err
	}

	sessCfg := session.Config{
		Controller:     controller,
		Monitor:        monitor,
		Transport:      transport,
		DisplayName:    cfg.DisplayName,
		ChannelLabel:   cc.ChannelLabel,
		OnEnded:        endedHandler(opts),
		OnStatusChange: opts.OnStatusChange,
	}
	if opts.Metrics != nil {
		sessCfg.Observer = opts.Metrics
	}

	sess, err := session.New(sessCfg)
	if err != nil {
		return nil, err
	}

	call := &Call{
		Session: sess,
		context: cc,
		started: make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":      "OpenCall",
		"session_id":    sess.ID(),
		"call_type":     cc.CallType.String(),
		"channel_label": cc.ChannelLabel,
		"simulation":    transport != nil && transport.IsSimulation(),
	}).Info("Opening call")

	go func() {
		defer close(call.started)
		call.startErr = sess.Start(ctx, cc.CallType)
	}()

	return call, nil
}

func selectTransport(cfg *config.Config, opts *Options) (interfaces.ITransport, error) {
	if opts.LocalOnly {
		return nil, nil
	}
	if opts.Transport != nil {
		return opts.Transport, nil
	}
	f := opts.Factory
	if f == nil {
		f = factory.NewTransportFactory()
		if cfg.Transport != nil {
			if err := f.UpdateConfig(cfg.Transport); err != nil {
				return nil, err
			}
		}
	}
	tr, err := f.CreateTransport()
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	return tr, nil
}

// checkEncoding rejects a network transport whose provider reports that
// it cannot produce encoded frames. Providers that do not report it are
// trusted.
func checkEncoding(provider media.DeviceProvider, transport interfaces.ITransport) error {
	if transport == nil || transport.IsSimulation() {
		return nil
	}
	enc, ok := provider.(media.EncodingProvider)
	if !ok || enc.CanEncode() {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function": "checkEncoding",
		"provider": fmt.Sprintf("%T", provider),
	}).Error("Network transport requires an encoding device provider")
	return ErrNoEncoder
}

// endedHandler records the call before the host is told it ended.
func endedHandler(opts *Options) func(session.Summary) {
	store, onEnded := opts.History, opts.OnEnded
	return func(summary session.Summary) {
		if store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
			if err := store.Record(ctx, summary); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "endedHandler",
					"session_id": summary.SessionID,
					"error":      err.Error(),
				}).Warn("Call not recorded in history")
			}
			cancel()
		}
		if onEnded != nil {
			onEnded(summary)
		}
	}
}

// Clipboard is the host's string-copy capability.
type Clipboard interface {
	CopyText(text string) error
}

// ClipboardFunc adapts a function to Clipboard.
type ClipboardFunc func(text string) error

// CopyText implements Clipboard.
func (f ClipboardFunc) CopyText(text string) error { return f(text) }

// CopyInviteLink mints an invite link for call and hands it to the
// clipboard. The link is returned even when copying fails.
func CopyInviteLink(clip Clipboard, issuer *invite.Issuer, call *Call) (string, error) {
	if clip == nil {
		return "", ErrNilClipboard
	}
	if issuer == nil || call == nil {
		return "", errors.New("issuer and call are required")
	}
	link, err := issuer.Link(call.ID(), call.context.ChannelLabel, call.context.CallType)
	if err != nil {
		return "", err
	}
	if err := clip.CopyText(link); err != nil {
		return link, fmt.Errorf("copy invite link: %w", err)
	}
	return link, nil
}
