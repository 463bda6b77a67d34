package real

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/opd-ai/callkit/activity"
	"github.com/opd-ai/callkit/interfaces"
	"github.com/opd-ai/callkit/media"
	"github.com/opd-ai/callkit/participant"
	"github.com/opd-ai/callkit/signaling"
	"github.com/pion/opus"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
)

var (
	// ErrConnectionFailed is reported through OnFatal when ICE gives up.
	ErrConnectionFailed = errors.New("peer connection failed")

	// ErrNotEncodable is logged when an outgoing source has no encoder.
	ErrNotEncodable = errors.New("track does not provide encoded frames")
)

const (
	idleWait       = 20 * time.Millisecond
	dialBackoff    = 500 * time.Millisecond
	maxOpusFrame   = 5760
	remoteNameHint = "Guest"
)

// WebRTCTransport implements interfaces.ITransport with one pion/webrtc
// peer connection negotiated over the signaling websocket.
type WebRTCTransport struct {
	config  *interfaces.TransportConfig
	dialer  Dialer
	sleeper Sleeper
	meter   activity.Config

	mu        sync.Mutex
	joined    bool
	req       interfaces.JoinRequest
	sig       Signaler
	pc        *webrtc.PeerConnection
	selfID    string
	remoteID  string
	outgoing  map[media.TrackKind]*outgoing
	pending   []webrtc.ICECandidateInit
	fatalOnce *sync.Once

	stop chan struct{}
	wg   sync.WaitGroup
}

// outgoing is one local RTP track fed from a swappable media source.
type outgoing struct {
	local *webrtc.TrackLocalStaticSample

	mu  sync.Mutex
	src media.Track
}

func (o *outgoing) source() media.Track {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.src
}

func (o *outgoing) swap(t media.Track) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.src = t
}

// NewWebRTCTransport creates a peer transport.
func NewWebRTCTransport(config *interfaces.TransportConfig) *WebRTCTransport {
	logrus.WithFields(logrus.Fields{
		"function":      "NewWebRTCTransport",
		"signaling_url": config.SignalingURL,
		"ice_servers":   len(config.ICEServers),
		"join_timeout":  config.JoinTimeout,
	}).Info("Creating WebRTC transport")

	return &WebRTCTransport{
		config:  config,
		dialer:  DialWebsocket,
		sleeper: DefaultSleeper{},
		meter:   activity.DefaultConfig(),
	}
}

// SetDialer replaces the signaling dialer (primarily for testing).
func (w *WebRTCTransport) SetDialer(d Dialer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dialer = d
}

// SetSleeper sets a custom Sleeper implementation (primarily for testing).
func (w *WebRTCTransport) SetSleeper(s Sleeper) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sleeper = s
}

// SetActivityConfig tunes remote speaking detection.
func (w *WebRTCTransport) SetActivityConfig(cfg activity.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.meter = cfg
	return nil
}

// IsSimulation implements interfaces.ITransport.
func (w *WebRTCTransport) IsSimulation() bool {
	return false
}

// Join implements interfaces.ITransport. It returns once the signaling
// connection is up and local tracks are attached; media starts flowing
// when a remote peer completes negotiation.
func (w *WebRTCTransport) Join(ctx context.Context, req interfaces.JoinRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	if w.joined {
		w.mu.Unlock()
		return interfaces.ErrAlreadyJoined
	}
	dialer := w.dialer
	w.mu.Unlock()

	target, err := roomURL(w.config.SignalingURL, req.SessionID, req.DisplayName)
	if err != nil {
		return err
	}

	dialCtx := ctx
	if w.config.JoinTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, w.config.JoinTimeout)
		defer cancel()
	}

	sig, err := w.dialWithRetries(dialCtx, dialer, target)
	if err != nil {
		return err
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(w.config.ICEServers)})
	if err != nil {
		_ = sig.Close()
		return fmt.Errorf("create peer connection: %w", err)
	}

	out, err := w.attachTracks(pc, req)
	if err != nil {
		_ = pc.Close()
		_ = sig.Close()
		return err
	}

	w.mu.Lock()
	w.joined = true
	w.req = req
	w.sig = sig
	w.pc = pc
	w.selfID = ""
	w.remoteID = ""
	w.outgoing = out
	w.pending = nil
	w.fatalOnce = &sync.Once{}
	w.stop = make(chan struct{})
	stop := w.stop
	w.mu.Unlock()

	w.installHandlers(pc, sig, req)

	for _, o := range out {
		w.wg.Add(1)
		go w.pump(o, stop)
	}
	w.wg.Add(1)
	go w.readSignals(sig, stop)

	logrus.WithFields(logrus.Fields{
		"function":   "WebRTCTransport.Join",
		"session_id": req.SessionID,
		"url":        target,
		"tracks":     len(out),
	}).Info("Joined signaling room")

	return nil
}

// dialWithRetries dials the signaling server up to DialAttempts times,
// backing off linearly between attempts.
func (w *WebRTCTransport) dialWithRetries(ctx context.Context, dialer Dialer, target string) (Signaler, error) {
	attempts := w.config.DialAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		sig, err := dialer(ctx, target, http.Header{})
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "dialWithRetries",
				"url":      target,
				"attempt":  attempt + 1,
			}).Debug("Signaling dial succeeded")
			return sig, nil
		}
		lastErr = err

		logrus.WithFields(logrus.Fields{
			"function": "dialWithRetries",
			"url":      target,
			"attempt":  attempt + 1,
			"error":    err.Error(),
		}).Warn("Signaling dial attempt failed")

		if ctx.Err() != nil {
			break
		}
		if attempt < attempts-1 {
			w.sleeper.Sleep(dialBackoff * time.Duration(attempt+1))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return nil, fmt.Errorf("signaling dial: %w", lastErr)
}

// ReplaceTrack implements interfaces.ITransport. The RTP track stays the
// same so no renegotiation happens; only its sample source changes.
func (w *WebRTCTransport) ReplaceTrack(kind media.TrackKind, track media.Track) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.joined {
		return interfaces.ErrNotJoined
	}
	o, ok := w.outgoing[kind]
	if !ok {
		return fmt.Errorf("no outgoing %s track negotiated", kind)
	}
	o.swap(track)

	logrus.WithFields(logrus.Fields{
		"function": "WebRTCTransport.ReplaceTrack",
		"kind":     kind.String(),
		"has_src":  track != nil,
	}).Debug("Outgoing source replaced")
	return nil
}

// Leave implements interfaces.ITransport.
func (w *WebRTCTransport) Leave() error {
	w.mu.Lock()
	if !w.joined {
		w.mu.Unlock()
		return nil
	}
	w.joined = false
	close(w.stop)
	sig, pc := w.sig, w.pc
	sink, remoteID, roomID := w.req.Sink, w.remoteID, w.req.SessionID
	w.remoteID = ""
	w.mu.Unlock()

	_ = sig.Send(signaling.Message{Type: signaling.TypeLeave, RoomID: roomID})
	sigErr := sig.Close()
	pcErr := pc.Close()
	w.wg.Wait()

	if remoteID != "" {
		_ = sink.Remove(remoteID)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "WebRTCTransport.Leave",
		"remote_id": remoteID,
	}).Info("Left call")

	return errors.Join(sigErr, pcErr)
}

func (w *WebRTCTransport) attachTracks(pc *webrtc.PeerConnection, req interfaces.JoinRequest) (map[media.TrackKind]*outgoing, error) {
	kinds := []media.TrackKind{media.TrackKindAudio}
	if req.CallType == media.CallTypeVideo {
		kinds = append(kinds, media.TrackKindVideo)
	}

	out := make(map[media.TrackKind]*outgoing, len(kinds))
	for _, kind := range kinds {
		mime := webrtc.MimeTypeOpus
		if kind == media.TrackKindVideo {
			mime = webrtc.MimeTypeVP8
		}
		local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("create %s track: %w", kind, err)
		}
		sender, err := pc.AddTrack(local)
		if err != nil {
			return nil, fmt.Errorf("add %s track: %w", kind, err)
		}
		go drainRTCP(sender)

		o := &outgoing{local: local}
		for _, t := range req.Tracks {
			if t.Kind() == kind {
				o.src = t
				break
			}
		}
		out[kind] = o
	}
	return out, nil
}

func (w *WebRTCTransport) installHandlers(pc *webrtc.PeerConnection, sig Signaler, req interfaces.JoinRequest) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		w.mu.Lock()
		to := w.remoteID
		w.mu.Unlock()

		msg, err := signaling.NewMessage(signaling.TypeCandidate, req.SessionID, c.ToJSON())
		if err != nil {
			return
		}
		msg.To = to
		_ = sig.Send(msg)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "OnConnectionStateChange",
			"state":    state.String(),
		}).Info("Peer connection state changed")

		w.mu.Lock()
		remoteID := w.remoteID
		once := w.fatalOnce
		w.mu.Unlock()

		if status, ok := peerStatus(state); ok && remoteID != "" {
			w.updateRemote(remoteID, participant.Update{ConnectionStatus: participant.Status(status)})
		}
		if state == webrtc.PeerConnectionStateFailed && req.OnFatal != nil {
			once.Do(func() { req.OnFatal(ErrConnectionFailed) })
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		w.mu.Lock()
		remoteID := w.remoteID
		cfg := w.meter
		w.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":  "OnTrack",
			"kind":      remote.Kind().String(),
			"codec":     remote.Codec().MimeType,
			"remote_id": remoteID,
		}).Info("Remote track received")

		if remoteID == "" {
			return
		}
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			w.updateRemote(remoteID, participant.Update{IsCameraOff: participant.Bool(false)})
			return
		}
		w.startRemoteReader(remoteID, func() ([]byte, error) {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return nil, err
			}
			return pkt.Payload, nil
		}, cfg)
	})
}

// updateRemote writes to the sink only while remoteID is the current peer
// of a joined call. The write happens under w.mu so that it is ordered
// against Leave and a remote leave.
func (w *WebRTCTransport) updateRemote(remoteID string, u participant.Update) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.joined || remoteID == "" || w.remoteID != remoteID {
		return false
	}
	_ = w.req.Sink.UpsertRemote(remoteID, u)
	return true
}

// startRemoteReader runs readRemoteAudio on a goroutine that Leave waits
// for. Nothing starts once the call has been left.
func (w *WebRTCTransport) startRemoteReader(remoteID string, read func() ([]byte, error), cfg activity.Config) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.joined {
		return false
	}
	w.wg.Add(1)
	go w.readRemoteAudio(remoteID, read, cfg)
	return true
}

// pump copies encoded frames from the current source into the RTP track.
func (w *WebRTCTransport) pump(o *outgoing, stop <-chan struct{}) {
	defer w.wg.Done()
	var warned media.Track
	warnOnce := func(src media.Track, err error) {
		if warned == src {
			return
		}
		warned = src
		logrus.WithFields(logrus.Fields{
			"function": "pump",
			"track_id": src.ID(),
			"kind":     src.Kind().String(),
			"error":    err.Error(),
		}).Warn("Outgoing source produces no encoded media")
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		src := o.source()
		if src == nil || !src.Live() {
			w.sleeper.Sleep(idleWait)
			continue
		}
		enc, ok := src.(media.EncodedSource)
		if !ok {
			warnOnce(src, ErrNotEncodable)
			w.sleeper.Sleep(idleWait)
			continue
		}

		data, duration, err := enc.ReadEncoded()
		if err != nil {
			if !errors.Is(err, media.ErrTrackEnded) {
				warnOnce(src, err)
			}
			w.sleeper.Sleep(idleWait)
			continue
		}
		if len(data) == 0 || !src.Enabled() || o.source() != src {
			continue
		}
		if err := o.local.WriteSample(pionmedia.Sample{Data: data, Duration: duration}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "pump",
				"error":    err.Error(),
			}).Debug("Failed to write sample")
		}
	}
}

// readSignals handles negotiation messages until the connection ends.
func (w *WebRTCTransport) readSignals(sig Signaler, stop <-chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-sig.Messages():
			if !ok {
				w.signalingLost(sig.Err())
				return
			}
			if err := w.handleSignal(msg); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "readSignals",
					"type":     string(msg.Type),
					"from":     msg.From,
					"error":    err.Error(),
				}).Warn("Failed to handle signaling message")
			}
		}
	}
}

func (w *WebRTCTransport) handleSignal(msg signaling.Message) error {
	w.mu.Lock()
	pc, sig, req := w.pc, w.sig, w.req
	if msg.Type == signaling.TypeJoin && w.selfID == "" {
		w.selfID = msg.From
		w.mu.Unlock()
		return nil
	}
	if msg.From != "" && msg.From == w.selfID {
		w.mu.Unlock()
		return nil
	}
	if msg.From != "" && w.remoteID == "" && msg.Type != signaling.TypeLeave && w.joined {
		w.remoteID = msg.From
		_ = req.Sink.UpsertRemote(msg.From, participant.Update{
			DisplayName:      participant.String(remoteNameHint),
			IsCameraOff:      participant.Bool(true),
			ConnectionStatus: participant.Status(participant.StatusConnecting),
		})
	}
	remoteID := w.remoteID
	w.mu.Unlock()

	if msg.From != remoteID {
		return fmt.Errorf("ignoring message from second peer %s", msg.From)
	}

	switch msg.Type {
	case signaling.TypeJoin:
		return w.sendOffer(pc, sig, req.SessionID, remoteID)

	case signaling.TypeOffer:
		var offer webrtc.SessionDescription
		if err := msg.Decode(&offer); err != nil {
			return err
		}
		if err := pc.SetRemoteDescription(offer); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		w.flushCandidates(pc)
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		return send(sig, signaling.TypeAnswer, req.SessionID, remoteID, answer)

	case signaling.TypeAnswer:
		var answer webrtc.SessionDescription
		if err := msg.Decode(&answer); err != nil {
			return err
		}
		if err := pc.SetRemoteDescription(answer); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		w.flushCandidates(pc)
		return nil

	case signaling.TypeCandidate:
		var cand webrtc.ICECandidateInit
		if err := msg.Decode(&cand); err != nil {
			return err
		}
		if pc.RemoteDescription() == nil {
			w.mu.Lock()
			w.pending = append(w.pending, cand)
			w.mu.Unlock()
			return nil
		}
		return pc.AddICECandidate(cand)

	case signaling.TypeLeave:
		w.mu.Lock()
		if w.remoteID != remoteID {
			w.mu.Unlock()
			return nil
		}
		w.remoteID = ""
		err := req.Sink.Remove(remoteID)
		w.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":  "handleSignal",
			"remote_id": remoteID,
		}).Info("Remote peer left")
		return err

	case signaling.TypeError:
		return fmt.Errorf("signaling server: %s", msg.Error)
	}
	return nil
}

func (w *WebRTCTransport) sendOffer(pc *webrtc.PeerConnection, sig Signaler, roomID, to string) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return send(sig, signaling.TypeOffer, roomID, to, offer)
}

func (w *WebRTCTransport) flushCandidates(pc *webrtc.PeerConnection) {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "flushCandidates",
				"error":    err.Error(),
			}).Warn("Failed to add buffered ICE candidate")
		}
	}
}

// signalingLost is fatal only while no media path exists yet.
func (w *WebRTCTransport) signalingLost(err error) {
	w.mu.Lock()
	joined, pc, once, onFatal := w.joined, w.pc, w.fatalOnce, w.req.OnFatal
	w.mu.Unlock()
	if !joined || err == nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "signalingLost",
		"error":    err.Error(),
	}).Warn("Signaling connection lost")

	if pc.ConnectionState() != webrtc.PeerConnectionStateConnected && onFatal != nil {
		once.Do(func() { onFatal(fmt.Errorf("signaling lost: %w", err)) })
	}
}

// readRemoteAudio decodes inbound Opus payloads from read and reports
// speaking changes until read fails.
func (w *WebRTCTransport) readRemoteAudio(remoteID string, read func() ([]byte, error), cfg activity.Config) {
	defer w.wg.Done()
	meter, err := activity.NewMeter(cfg)
	if err != nil {
		return
	}
	decoder := opus.NewDecoder()
	out := make([]byte, maxOpusFrame*2)

	defer w.updateRemote(remoteID, participant.Update{IsSpeaking: participant.Bool(false)})

	for {
		payload, err := read()
		if err != nil {
			return
		}
		if len(payload) == 0 {
			continue
		}
		bandwidth, stereo, err := decoder.Decode(payload, out)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readRemoteAudio",
				"error":    err.Error(),
			}).Debug("Opus decode failed")
			continue
		}

		speaking, changed := meter.Push(time.Now(), pcmFromBytes(out[:frameBytes(bandwidth.SampleRate(), stereo, len(out))], stereo))
		if changed {
			w.updateRemote(remoteID, participant.Update{IsSpeaking: participant.Bool(speaking)})
		}
	}
}

func send(sig Signaler, t signaling.MessageType, roomID, to string, payload interface{}) error {
	msg, err := signaling.NewMessage(t, roomID, payload)
	if err != nil {
		return err
	}
	msg.To = to
	return sig.Send(msg)
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// peerStatus maps a peer connection state onto a participant status.
func peerStatus(state webrtc.PeerConnectionState) (participant.ConnectionStatus, bool) {
	switch state {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return participant.StatusConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return participant.StatusConnected, true
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		return participant.StatusDisconnected, true
	default:
		return 0, false
	}
}

// frameBytes is the decoded size of one 20 ms frame, the packetization
// WebRTC endpoints use for Opus.
func frameBytes(sampleRate int, stereo bool, limit int) int {
	n := sampleRate / 50 * 2
	if stereo {
		n *= 2
	}
	if n <= 0 || n > limit {
		return limit
	}
	return n
}

// pcmFromBytes reads little-endian S16 samples, keeping the left channel
// of stereo output.
func pcmFromBytes(data []byte, stereo bool) []int16 {
	step := 2
	if stereo {
		step = 4
	}
	pcm := make([]int16, len(data)/step)
	for i := range pcm {
		pcm[i] = int16(uint16(data[i*step]) | uint16(data[i*step+1])<<8)
	}
	return pcm
}
