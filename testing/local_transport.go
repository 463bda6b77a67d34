package testing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/opd-ai/callkit/interfaces"
	"github.com/opd-ai/callkit/media"
	"github.com/opd-ai/callkit/participant"
	"github.com/sirupsen/logrus"
)

// ErrUnknownPeer is returned when a test hook names a peer that is not in
// the simulated call.
var ErrUnknownPeer = errors.New("unknown simulated peer")

// LocalOnlyTransport implements interfaces.ITransport without any network.
// Simulated remote peers appear on Join, connect after the configured
// delay and optionally take turns speaking.
type LocalOnlyTransport struct {
	config *interfaces.TransportConfig

	mu       sync.Mutex
	joined   bool
	req      interfaces.JoinRequest
	peers    []string
	outgoing map[media.TrackKind]media.Track
	replaced []ReplaceRecord
	failJoin error
	fatal    bool
	rng      *rand.Rand

	stop chan struct{}
	wg   sync.WaitGroup
}

// ReplaceRecord is one ReplaceTrack call, kept for test verification.
type ReplaceRecord struct {
	Kind    media.TrackKind
	TrackID string
}

// NewLocalOnlyTransport creates a simulated transport.
func NewLocalOnlyTransport(config *interfaces.TransportConfig) *LocalOnlyTransport {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	if config == nil {
		config = &interfaces.TransportConfig{UseSimulation: true}
	}
	logrus.WithFields(logrus.Fields{
		"function":          "NewLocalOnlyTransport",
		"simulated_peers":   config.SimulatedPeers,
		"simulate_speaking": config.SimulateSpeaking,
		"connect_delay":     config.ConnectDelay,
	}).Info("Creating local-only transport")

	return &LocalOnlyTransport{
		config:   config,
		outgoing: make(map[media.TrackKind]media.Track),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// IsSimulation implements interfaces.ITransport.
func (l *LocalOnlyTransport) IsSimulation() bool {
	return true
}

// FailNextJoin makes the next Join return err.
func (l *LocalOnlyTransport) FailNextJoin(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failJoin = err
}

// Join implements interfaces.ITransport.
func (l *LocalOnlyTransport) Join(ctx context.Context, req interfaces.JoinRequest) error {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.joined {
		l.mu.Unlock()
		return interfaces.ErrAlreadyJoined
	}
	if err := l.failJoin; err != nil {
		l.failJoin = nil
		l.mu.Unlock()
		return err
	}
	l.joined = true
	l.fatal = false
	l.req = req
	l.stop = make(chan struct{})
	l.peers = l.peers[:0]
	for i := 1; i <= l.config.SimulatedPeers; i++ {
		l.peers = append(l.peers, fmt.Sprintf("peer-%d", i))
	}
	for _, t := range req.Tracks {
		l.outgoing[t.Kind()] = t
	}
	peers := append([]string(nil), l.peers...)
	stop := l.stop
	l.mu.Unlock()

	for i, id := range peers {
		l.upsertPeer(id, participant.Update{
			DisplayName:      participant.String(fmt.Sprintf("Peer %d", i+1)),
			IsCameraOff:      participant.Bool(req.CallType != media.CallTypeVideo),
			ConnectionStatus: participant.Status(participant.StatusConnecting),
		})
	}

	if l.config.ConnectDelay <= 0 {
		l.connectAll(peers)
	} else {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			timer := time.NewTimer(l.config.ConnectDelay)
			defer timer.Stop()
			select {
			case <-stop:
			case <-timer.C:
				l.connectAll(peers)
			}
		}()
	}

	if l.config.SimulateSpeaking && len(peers) > 0 && l.config.SpeakingInterval > 0 {
		l.wg.Add(1)
		go l.simulateSpeaking(len(peers), stop)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "LocalOnlyTransport.Join",
		"session_id":    req.SessionID,
		"channel_label": req.ChannelLabel,
		"peers":         len(peers),
	}).Info("Simulated call joined")

	return nil
}

// ReplaceTrack implements interfaces.ITransport.
func (l *LocalOnlyTransport) ReplaceTrack(kind media.TrackKind, track media.Track) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.joined {
		return interfaces.ErrNotJoined
	}

	record := ReplaceRecord{Kind: kind}
	if track == nil {
		delete(l.outgoing, kind)
	} else {
		l.outgoing[kind] = track
		record.TrackID = track.ID()
	}
	l.replaced = append(l.replaced, record)

	logrus.WithFields(logrus.Fields{
		"function": "LocalOnlyTransport.ReplaceTrack",
		"kind":     kind.String(),
		"track_id": record.TrackID,
	}).Debug("Simulated outgoing track replaced")
	return nil
}

// Leave implements interfaces.ITransport.
func (l *LocalOnlyTransport) Leave() error {
	l.mu.Lock()
	if !l.joined {
		l.mu.Unlock()
		return nil
	}
	l.joined = false
	close(l.stop)
	sink := l.req.Sink
	peers := append([]string(nil), l.peers...)
	l.peers = nil
	l.outgoing = make(map[media.TrackKind]media.Track)
	l.mu.Unlock()

	l.wg.Wait()
	for _, id := range peers {
		_ = sink.Remove(id)
	}

	logrus.WithFields(logrus.Fields{
		"function": "LocalOnlyTransport.Leave",
		"removed":  len(peers),
	}).Info("Simulated call left")
	return nil
}

// DropPeer simulates a remote participant losing its connection.
func (l *LocalOnlyTransport) DropPeer(id string) {
	l.mu.Lock()
	if !l.joined {
		l.mu.Unlock()
		return
	}
	defer l.mu.Unlock()
	if !l.hasPeerLocked(id) {
		return
	}
	sink := l.req.Sink
	kept := l.peers[:0]
	for _, p := range l.peers {
		if p != id {
			kept = append(kept, p)
		}
	}
	l.peers = kept

	// Sink writes for peers happen under l.mu so a delayed connect or a
	// speaking tick can never resurrect a dropped peer.
	_ = sink.UpsertRemote(id, participant.Update{
		IsSpeaking:       participant.Bool(false),
		ConnectionStatus: participant.Status(participant.StatusDisconnected),
	})
	_ = sink.Remove(id)
}

// SetPeerSpeaking forces a remote speaking flag.
func (l *LocalOnlyTransport) SetPeerSpeaking(id string, speaking bool) error {
	l.mu.Lock()
	joined := l.joined
	l.mu.Unlock()
	if !joined {
		return interfaces.ErrNotJoined
	}
	if !l.upsertPeer(id, participant.Update{IsSpeaking: participant.Bool(speaking)}) {
		return fmt.Errorf("peer %q: %w", id, ErrUnknownPeer)
	}
	return nil
}

// FailConnection reports a fatal media failure through OnFatal, once per
// join.
func (l *LocalOnlyTransport) FailConnection(err error) {
	l.mu.Lock()
	if !l.joined || l.fatal {
		l.mu.Unlock()
		return
	}
	l.fatal = true
	onFatal := l.req.OnFatal
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "LocalOnlyTransport.FailConnection",
		"error":    err.Error(),
	}).Warn("Simulating fatal connection failure")

	if onFatal != nil {
		onFatal(err)
	}
}

// Outgoing returns the track currently sent for kind, or nil.
func (l *LocalOnlyTransport) Outgoing(kind media.TrackKind) media.Track {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outgoing[kind]
}

// Replacements returns a copy of every ReplaceTrack call.
func (l *LocalOnlyTransport) Replacements() []ReplaceRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ReplaceRecord, len(l.replaced))
	copy(out, l.replaced)
	return out
}

// Joined reports whether the transport is currently joined.
func (l *LocalOnlyTransport) Joined() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.joined
}

func (l *LocalOnlyTransport) connectAll(peers []string) {
	for _, id := range peers {
		l.upsertPeer(id, participant.Update{
			ConnectionStatus: participant.Status(participant.StatusConnected),
		})
	}
}

// upsertPeer writes to the sink only while id is still a joined peer.
func (l *LocalOnlyTransport) upsertPeer(id string, u participant.Update) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.joined || !l.hasPeerLocked(id) {
		return false
	}
	_ = l.req.Sink.UpsertRemote(id, u)
	return true
}

func (l *LocalOnlyTransport) hasPeerLocked(id string) bool {
	for _, p := range l.peers {
		if p == id {
			return true
		}
	}
	return false
}

// simulateSpeaking picks one peer per tick and flips its speaking flag.
func (l *LocalOnlyTransport) simulateSpeaking(count int, stop <-chan struct{}) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.SpeakingInterval)
	defer ticker.Stop()

	speaking := make(map[string]bool, count)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		l.mu.Lock()
		if len(l.peers) == 0 {
			l.mu.Unlock()
			continue
		}
		id := l.peers[l.rng.Intn(len(l.peers))]
		l.mu.Unlock()

		if l.upsertPeer(id, participant.Update{IsSpeaking: participant.Bool(!speaking[id])}) {
			speaking[id] = !speaking[id]
		}
	}
}
