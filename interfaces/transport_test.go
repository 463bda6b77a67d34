package interfaces

import (
	"testing"
	"time"

	"github.com/opd-ai/callkit/participant"
	"github.com/stretchr/testify/assert"
)

func TestTransportConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  *TransportConfig
		wantErr bool
	}{
		{"nil", nil, true},
		{"simulation", &TransportConfig{UseSimulation: true, SimulatedPeers: 2}, false},
		{"real without url", &TransportConfig{}, true},
		{"real", &TransportConfig{SignalingURL: "ws://localhost:8080/ws", JoinTimeout: time.Second}, false},
		{"negative timeout", &TransportConfig{UseSimulation: true, JoinTimeout: -1}, true},
		{"too many peers", &TransportConfig{UseSimulation: true, SimulatedPeers: 17}, true},
		{"speaking without interval", &TransportConfig{UseSimulation: true, SimulateSpeaking: true}, true},
		{"speaking", &TransportConfig{UseSimulation: true, SimulateSpeaking: true, SpeakingInterval: time.Second}, false},
		{"negative delay", &TransportConfig{UseSimulation: true, ConnectDelay: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJoinRequestValidate(t *testing.T) {
	assert.Error(t, JoinRequest{Sink: participant.NewRegistry()}.Validate())
	assert.ErrorIs(t, JoinRequest{SessionID: "s"}.Validate(), ErrNilSink)
	assert.NoError(t, JoinRequest{SessionID: "s", Sink: participant.NewRegistry()}.Validate())
}

func TestRegistryIsParticipantSink(t *testing.T) {
	var _ ParticipantSink = participant.NewRegistry()
}
