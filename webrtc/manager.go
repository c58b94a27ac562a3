// Package webrtc terminates the WebRTC DataChannel transport: it answers
// client offers relayed over the control channel, attaches negotiated data
// channels to the gateway hub, and routes inbound frames to ingress.
package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"arena1/config"
	"arena1/gateway"
	"arena1/logging"
	"arena1/sim"
	"arena1/transport"
)

// SignalEnvelope is the signaling message exchanged over the control
// channel. SDP and candidate blobs pass through the hub unparsed; this
// package is the only place that opens them.
type SignalEnvelope struct {
	Kind      string          `json:"kind"` // offer, answer, ice
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Manager owns the server-side peer connections
type Manager struct {
	hub    *gateway.Hub
	api    *webrtc.API
	config webrtc.Configuration

	mu    sync.Mutex
	peers map[string]*peerSession // keyed by peer id
}

// peerSession is one client's WebRTC attachment
type peerSession struct {
	peerID     string
	roomID     string
	connection *webrtc.PeerConnection
	registered *gateway.Connection
}

// NewManager creates a manager bound to the hub
func NewManager(hub *gateway.Hub) *Manager {
	return &Manager{
		hub: hub,
		api: webrtc.NewAPI(),
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		peers: make(map[string]*peerSession),
	}
}

// HandleSignal implements gateway.SignalRelay. Offers produce answers; ICE
// candidates are folded into the pending peer connection.
func (m *Manager) HandleSignal(peerID, roomID string, payload json.RawMessage) (json.RawMessage, error) {
	var envelope SignalEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("unparseable signaling envelope: %w", err)
	}

	switch envelope.Kind {
	case "offer":
		return m.handleOffer(peerID, roomID, envelope.SDP)
	case "ice":
		return nil, m.handleICE(peerID, envelope.Candidate)
	default:
		return nil, fmt.Errorf("unknown signaling kind %q", envelope.Kind)
	}
}

// handleOffer answers one client offer and wires the data channel into the
// hub when it opens
func (m *Manager) handleOffer(peerID, roomID, sdp string) (json.RawMessage, error) {
	peerConnection, err := m.api.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	session := &peerSession{
		peerID:     peerID,
		roomID:     roomID,
		connection: peerConnection,
	}

	m.mu.Lock()
	if existing, ok := m.peers[peerID]; ok {
		existing.close(m.hub)
	}
	m.peers[peerID] = session
	m.mu.Unlock()

	peerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			sender := &dcSender{dc: dc, pc: peerConnection}
			session.registered = m.hub.Register(peerID, roomID, transport.KindWebRTC, false, sender)
			logging.Info("webrtc data channel open", map[string]interface{}{
				"peer_id": peerID,
				"room_id": roomID,
				"label":   dc.Label(),
			})
		})

		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			m.handleInbound(session, msg.Data)
		})

		dc.OnClose(func() {
			if session.registered != nil {
				m.hub.Unregister(session.registered.ID)
			}
		})
	})

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			m.Remove(peerID)
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := peerConnection.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConnection)
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	reply, err := json.Marshal(SignalEnvelope{
		Kind: "answer",
		SDP:  peerConnection.LocalDescription().SDP,
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// handleICE folds one remote candidate into the pending connection
func (m *Manager) handleICE(peerID string, candidate json.RawMessage) error {
	m.mu.Lock()
	session, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending peer connection for %s", peerID)
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("unparseable ICE candidate: %w", err)
	}
	return session.connection.AddICECandidate(init)
}

// handleInbound routes one data-channel frame: inputs go to ingress, acks
// to the worker
func (m *Manager) handleInbound(session *peerSession, data []byte) {
	if session.registered == nil {
		return
	}

	var frame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	switch frame.Type {
	case transport.TypeInput:
		var input sim.PlayerInput
		if err := json.Unmarshal(frame.Payload, &input); err != nil {
			return
		}
		input.PlayerID = session.peerID
		m.hub.IngressInput(session.registered, input)

	case transport.TypeAck:
		var ack struct {
			Tick uint64 `json:"acknowledged_tick"`
		}
		if err := json.Unmarshal(frame.Payload, &ack); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), config.GetRPCTimeout())
		m.hub.WorkerClient().Ack(ctx, session.roomID, session.peerID, ack.Tick)
		cancel()
	}
}

// Remove tears down one peer's WebRTC attachment
func (m *Manager) Remove(peerID string) {
	m.mu.Lock()
	session, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()

	if ok {
		session.close(m.hub)
	}
}

// PeerCount reports active WebRTC attachments
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func (s *peerSession) close(hub *gateway.Hub) {
	if s.registered != nil {
		hub.Unregister(s.registered.ID)
	}
	s.connection.Close()
}

// dcSender adapts a data channel to the hub's Sender
type dcSender struct {
	dc *webrtc.DataChannel
	pc *webrtc.PeerConnection
}

func (s *dcSender) Send(data []byte) error {
	// SCTP buffered amount backs off naturally; a hard failure surfaces here
	if s.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel not open: %s", s.dc.ReadyState())
	}
	return s.dc.Send(data)
}

func (s *dcSender) Close() error {
	s.dc.Close()
	return s.pc.Close()
}
