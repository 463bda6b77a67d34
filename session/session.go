package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/callkit/activity"
	"github.com/opd-ai/callkit/controls"
	"github.com/opd-ai/callkit/interfaces"
	"github.com/opd-ai/callkit/media"
	"github.com/opd-ai/callkit/participant"
	"github.com/sirupsen/logrus"
)

// DefaultDisplayName is used for the local participant when none is set.
const DefaultDisplayName = "You"

// Config wires a Session to its collaborators. Only Controller is required.
type Config struct {
	Controller *media.Controller

	// Monitor drives local speaking detection. A default monitor is
	// created when nil.
	Monitor *activity.Monitor

	// Transport connects the call to remote peers. A nil transport keeps
	// the call local.
	Transport interfaces.ITransport

	// Registry receives participant updates. A new registry is created
	// when nil.
	Registry *participant.Registry

	DisplayName  string
	ChannelLabel string

	// OnEnded is called exactly once, after all hardware was released.
	OnEnded func(Summary)

	// OnStatusChange is called after every status transition. It may run
	// while an intent is in progress and must not start another one.
	OnStatusChange func(from, to Status)

	Observer     Observer
	TimeProvider TimeProvider
}

// Session is one call, from the moment the call UI opens until it closes.
//
// Intents (Start, Retry, toggles, screen sharing) are serialized. End is
// not: it may run at any time, including while an acquisition is waiting
// on a permission prompt, and it never waits for that acquisition.
type Session struct {
	id        string
	cfg       Config
	registry  *participant.Registry
	monitor   *activity.Monitor
	observer  Observer
	clock     TimeProvider
	unsubPeak func()

	// life is cancelled by End and scopes every acquisition.
	life context.Context
	kill context.CancelFunc

	intent sync.Mutex

	// speakMu orders speaking writes against mute writes so a late monitor
	// tick cannot mark a muted participant as speaking.
	speakMu sync.Mutex

	mu        sync.Mutex
	status    Status
	callType  media.CallType
	startedAt time.Time
	endedAt   time.Time
	lastError error
	reason    error
	state     controls.State
	capture   *media.Stream
	screen    *media.Stream
	handle    *activity.Handle

	peak      atomic.Int32
	endedOnce sync.Once
}

// New creates an idle session.
func New(cfg Config) (*Session, error) {
	if cfg.Controller == nil {
		logrus.WithFields(logrus.Fields{
			"function": "New",
			"error":    ErrNilController.Error(),
		}).Error("Session configuration rejected")
		return nil, ErrNilController
	}

	monitor := cfg.Monitor
	if monitor == nil {
		var err error
		monitor, err = activity.NewMonitor(activity.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("create activity monitor: %w", err)
		}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = participant.NewRegistry()
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = DefaultDisplayName
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	clock := cfg.TimeProvider
	if clock == nil {
		clock = DefaultTimeProvider{}
	}

	life, kill := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		registry: registry,
		monitor:  monitor,
		observer: observer,
		clock:    clock,
		life:     life,
		kill:     kill,
		status:   StatusIdle,
	}
	s.unsubPeak = registry.Subscribe(func(ps []participant.Participant) {
		n := int32(len(ps))
		for {
			cur := s.peak.Load()
			if n <= cur || s.peak.CompareAndSwap(cur, n) {
				return
			}
		}
	})

	logrus.WithFields(logrus.Fields{
		"function":      "New",
		"session_id":    s.id,
		"channel_label": cfg.ChannelLabel,
		"has_transport": cfg.Transport != nil,
	}).Info("Call session created")

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Registry returns the participant registry the session writes to.
func (s *Session) Registry() *participant.Registry { return s.registry }

// Participants returns the current roster, local participant first.
func (s *Session) Participants() []participant.Participant {
	return s.registry.Snapshot()
}

// Status returns the lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CallType returns the call type fixed by Start.
func (s *Session) CallType() media.CallType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callType
}

// LastError returns the cause of the current failure. It is nil in every
// status except StatusFailed.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusFailed {
		return nil
	}
	return s.lastError
}

// Controls returns a copy of the control flags.
func (s *Session) Controls() controls.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartedAt returns when hardware was first acquired, or the zero time.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Duration is derived from StartedAt; it stops growing once the session
// has ended.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationLocked()
}

func (s *Session) durationLocked() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	if s.status == StatusEnded {
		return s.endedAt.Sub(s.startedAt)
	}
	return s.clock.Now().Sub(s.startedAt)
}

// Summary describes the session so far.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked(s.status)
}

func (s *Session) summaryLocked(last Status) Summary {
	return Summary{
		SessionID:        s.id,
		CallType:         s.callType,
		ChannelLabel:     s.cfg.ChannelLabel,
		StartedAt:        s.startedAt,
		EndedAt:          s.endedAt,
		Duration:         s.durationLocked(),
		LastStatus:       last,
		Reason:           s.reason,
		PeakParticipants: int(s.peak.Load()),
	}
}

// Start acquires local media for callType and joins the transport. It is
// only legal from StatusIdle. Acquisition failures move the session to
// StatusFailed and are returned as *media.AcquireError.
func (s *Session) Start(ctx context.Context, callType media.CallType) error {
	s.intent.Lock()
	defer s.intent.Unlock()

	s.mu.Lock()
	if s.status != StatusIdle {
		err := s.transitionErrLocked()
		s.mu.Unlock()
		return err
	}
	s.callType = callType
	s.state = controls.Default(callType)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Start",
		"session_id": s.id,
		"call_type":  callType.String(),
	}).Info("Starting call session")

	s.setStatus(StatusConnecting)
	return s.connect(ctx)
}

// Retry re-runs acquisition with the same call type. It is only legal
// from StatusFailed.
func (s *Session) Retry(ctx context.Context) error {
	s.intent.Lock()
	defer s.intent.Unlock()

	s.mu.Lock()
	if s.status != StatusFailed {
		err := s.transitionErrLocked()
		s.mu.Unlock()
		return err
	}
	prev := s.lastError
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "Retry",
		"session_id":     s.id,
		"previous_error": errString(prev),
	}).Info("Retrying call session")

	s.setStatus(StatusConnecting)
	return s.connect(ctx)
}

func (s *Session) transitionErrLocked() error {
	if s.status == StatusEnded {
		return ErrSessionEnded
	}
	return fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.status)
}

// scope derives an acquisition context that End cancels too.
func (s *Session) scope(ctx context.Context) (context.Context, func()) {
	actx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.life, cancel)
	return actx, func() {
		stop()
		cancel()
	}
}

// connect runs one connecting attempt. The caller holds the intent lock.
func (s *Session) connect(ctx context.Context) error {
	actx, done := s.scope(ctx)
	defer done()

	callType := s.CallType()
	stream, err := s.cfg.Controller.Acquire(actx, callType, s.onCaptureEnded)
	if err != nil {
		s.observer.AcquireFailed(media.Classify(err))
		return s.fail(err, nil, nil)
	}

	s.mu.Lock()
	if s.status == StatusEnded {
		s.mu.Unlock()
		s.discard(stream, nil)
		return ErrSessionEnded
	}
	s.capture = stream
	if s.startedAt.IsZero() {
		s.startedAt = s.clock.Now()
	}
	state := s.state
	s.mu.Unlock()

	s.updateLocal(participant.Update{
		DisplayName:      participant.String(s.cfg.DisplayName),
		IsMuted:          participant.Bool(state.Muted),
		IsCameraOff:      participant.Bool(!controls.CameraActive(state, callType)),
		IsSpeaking:       participant.Bool(false),
		ConnectionStatus: participant.Status(participant.StatusConnecting),
		StreamID:         participant.String(stream.ID()),
	})

	handle, err := s.monitor.Attach(stream.AudioSource(), s.muted, s.onLocalSpeaking)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "connect",
			"session_id": s.id,
			"error":      err.Error(),
		}).Warn("Speaking detection unavailable")
	}

	s.mu.Lock()
	if s.status == StatusEnded {
		s.mu.Unlock()
		s.discard(nil, handle)
		return ErrSessionEnded
	}
	s.handle = handle
	s.mu.Unlock()

	if tr := s.cfg.Transport; tr != nil {
		err := tr.Join(actx, interfaces.JoinRequest{
			SessionID:    s.id,
			DisplayName:  s.cfg.DisplayName,
			ChannelLabel: s.cfg.ChannelLabel,
			CallType:     callType,
			Tracks:       stream.Tracks(),
			Sink:         s.registry,
			OnFatal:      s.onTransportFatal,
		})
		if err != nil {
			if actx.Err() != nil && s.Status() == StatusEnded {
				return ErrSessionEnded
			}
			return s.fail(fmt.Errorf("join call: %w", err), stream, handle)
		}
	}

	s.mu.Lock()
	if s.status == StatusEnded {
		s.mu.Unlock()
		if s.cfg.Transport != nil {
			_ = s.cfg.Transport.Leave()
		}
		s.registry.Clear()
		return ErrSessionEnded
	}
	s.mu.Unlock()

	s.updateLocal(participant.Update{
		ConnectionStatus: participant.Status(participant.StatusConnected),
	})
	s.setStatus(StatusConnected)

	logrus.WithFields(logrus.Fields{
		"function":   "connect",
		"session_id": s.id,
		"stream_id":  stream.ID(),
		"call_type":  callType.String(),
	}).Info("Call session connected")

	return nil
}

// fail moves the session to StatusFailed and releases what the attempt
// owned. It returns err, or ErrSessionEnded when End already ran.
func (s *Session) fail(err error, stream *media.Stream, handle *activity.Handle) error {
	s.mu.Lock()
	if s.status == StatusEnded {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	from := s.status
	s.status = StatusFailed
	s.lastError = err
	if s.capture == stream {
		s.capture = nil
	}
	if s.handle == handle {
		s.handle = nil
	}
	s.mu.Unlock()

	s.discard(stream, handle)
	s.registry.Clear()

	fields := logrus.Fields{
		"function":   "fail",
		"session_id": s.id,
		"error":      err.Error(),
	}
	var acqErr *media.AcquireError
	if errors.As(err, &acqErr) {
		fields["kind"] = acqErr.Kind.String()
	}
	logrus.WithFields(fields).Warn("Call session failed")

	s.notifyStatus(from, StatusFailed)
	return err
}

func (s *Session) discard(stream *media.Stream, handle *activity.Handle) {
	if handle != nil {
		s.monitor.Detach(handle)
	}
	if stream != nil {
		_ = s.cfg.Controller.Release(stream)
	}
}

// End releases every owned stream, detaches speaking detection, leaves the
// transport, clears the roster and fires OnEnded. It is safe to call from
// any goroutine, any number of times, and while an acquisition is pending.
func (s *Session) End() {
	s.finish(nil)
}

func (s *Session) finish(reason error) {
	s.mu.Lock()
	if s.status == StatusEnded {
		s.mu.Unlock()
		return
	}
	from := s.status
	s.status = StatusEnded
	s.endedAt = s.clock.Now()
	s.lastError = nil
	s.reason = reason
	capture, screen, handle := s.capture, s.screen, s.handle
	s.capture, s.screen, s.handle = nil, nil, nil
	s.mu.Unlock()

	s.kill()

	s.discard(capture, handle)
	if screen != nil {
		_ = s.cfg.Controller.Release(screen)
	}
	if tr := s.cfg.Transport; tr != nil {
		if err := tr.Leave(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "finish",
				"session_id": s.id,
				"error":      err.Error(),
			}).Warn("Transport leave failed")
		}
	}
	s.registry.Clear()
	s.unsubPeak()

	s.mu.Lock()
	summary := s.summaryLocked(from)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "finish",
		"session_id":  s.id,
		"last_status": from.String(),
		"duration":    summary.Duration,
		"reason":      errString(reason),
	}).Info("Call session ended")

	s.notifyStatus(from, StatusEnded)
	s.endedOnce.Do(func() {
		s.observer.SessionEnded(summary)
		if s.cfg.OnEnded != nil {
			s.cfg.OnEnded(summary)
		}
	})
}

func (s *Session) setStatus(to Status) {
	s.mu.Lock()
	if s.status == StatusEnded {
		s.mu.Unlock()
		return
	}
	from := s.status
	s.status = to
	if to != StatusFailed {
		s.lastError = nil
	}
	s.mu.Unlock()
	s.notifyStatus(from, to)
}

func (s *Session) notifyStatus(from, to Status) {
	if from == to {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":   "notifyStatus",
		"session_id": s.id,
		"from":       from.String(),
		"to":         to.String(),
	}).Debug("Session status changed")

	s.observer.StatusChanged(from, to)
	if s.cfg.OnStatusChange != nil {
		s.cfg.OnStatusChange(from, to)
	}
}

// updateLocal merges into the local participant unless the session has
// ended, in which case the roster stays empty.
func (s *Session) updateLocal(u participant.Update) {
	s.registry.UpsertLocal(u)
	if s.Status() == StatusEnded {
		s.registry.Clear()
	}
}

func (s *Session) muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Muted
}

func (s *Session) onLocalSpeaking(speaking bool) {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()
	if speaking && s.muted() {
		speaking = false
	}
	s.updateLocal(participant.Update{IsSpeaking: participant.Bool(speaking)})
}

// onCaptureEnded absorbs a lost microphone or camera as a controls update.
func (s *Session) onCaptureEnded(stream *media.Stream, kind media.TrackKind) {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()

	s.mu.Lock()
	if s.status == StatusEnded || s.capture != stream {
		s.mu.Unlock()
		return
	}
	var u participant.Update
	switch kind {
	case media.TrackKindAudio:
		s.state = controls.ForceMuted(s.state)
		u.IsMuted = participant.Bool(true)
		u.IsSpeaking = participant.Bool(false)
	case media.TrackKindVideo:
		s.state = controls.ForceVideoOff(s.state)
		if !s.state.ScreenSharing {
			u.IsCameraOff = participant.Bool(true)
		}
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "onCaptureEnded",
		"session_id": s.id,
		"kind":       kind.String(),
		"error":      media.ErrTrackEnded.Error(),
	}).Warn("Local track lost, forcing control off")

	s.observer.TrackEnded(kind)
	if !u.Empty() {
		s.updateLocal(u)
	}
}

func (s *Session) onTransportFatal(err error) {
	if err == nil {
		err = errors.New("transport failed")
	}
	logrus.WithFields(logrus.Fields{
		"function":   "onTransportFatal",
		"session_id": s.id,
		"error":      err.Error(),
	}).Error("Transport lost, ending call")

	// The transport may report from inside one of its own callbacks;
	// finish calls Leave, so it must not run on that goroutine.
	go s.finish(err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
