package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"arena1/auth"
	"arena1/config"
	"arena1/logging"
	"arena1/sim"
	"arena1/transport"
	"arena1/worker"
)

func getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  config.GetWebSocketReadBufferSize(),
		WriteBufferSize: config.GetWebSocketWriteBufferSize(),
		CheckOrigin: func(r *http.Request) bool {
			return true // Origin enforcement happens at the edge proxy
		},
	}
}

// SignalRelay terminates WebRTC signaling: it consumes opaque SDP/ICE
// envelopes and returns reply envelopes to forward back, unparsed by the hub
type SignalRelay interface {
	HandleSignal(peerID, roomID string, payload json.RawMessage) (json.RawMessage, error)
}

// wsSender adapts one gorilla connection to the hub's Sender. Writes are
// serialized under a mutex because the write pump and the control pings
// share the socket.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(config.GetWebSocketWriteTimeout()))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSender) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(config.GetWebSocketWriteTimeout()))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *wsSender) Close() error {
	return s.conn.Close()
}

// wireFrame is the inbound frame shape with the payload left raw
type wireFrame struct {
	Channel   transport.Channel `json:"channel"`
	Seq       uint32            `json:"seq"`
	Timestamp uint64            `json:"timestamp"`
	Type      string            `json:"type"`
	Payload   json.RawMessage   `json:"payload"`
}

// helloPayload is the client's handshake announcement
type helloPayload struct {
	RoomID       string   `json:"room_id"`
	Capabilities []string `json:"capabilities"`
}

// ServeWS upgrades one data-plane connection: authenticate, handshake,
// negotiate the transport, register with the hub, then pump frames
func ServeWS(hub *Hub, authManager *auth.Manager, relay SignalRelay, w http.ResponseWriter, r *http.Request) {
	claims, err := authManager.ValidateRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("websocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	conn.SetReadLimit(config.GetWebSocketMaxMessageSize())

	// Handshake: the first frame must announce the room and capabilities
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	var hello wireFrame
	if err := json.Unmarshal(raw, &hello); err != nil || hello.Type != transport.TypeHandshakeHello {
		logging.Warn("handshake expected, closing connection", map[string]interface{}{
			"peer_id": claims.Subject,
		})
		conn.Close()
		return
	}

	var announce helloPayload
	if err := json.Unmarshal(hello.Payload, &announce); err != nil || announce.RoomID == "" {
		conn.Close()
		return
	}

	negotiated := transport.Negotiate(announce.Capabilities)

	sender := &wsSender{conn: conn}
	registered := hub.Register(claims.Subject, announce.RoomID, transport.KindWebSocket,
		negotiated.FallbackUsed, sender)

	hub.SendControl(registered, transport.TypeHandshakeAck, map[string]interface{}{
		"connection_id": registered.ID,
		"transport":     negotiated.Selected.String(),
		"fallback_used": registered.FallbackUsed,
	})

	client := &wsClient{
		hub:    hub,
		conn:   conn,
		sender: sender,
		reg:    registered,
		peerID: claims.Subject,
		roomID: announce.RoomID,
		relay:  relay,
	}

	go client.pingLoop()
	go client.readPump()
}

// wsClient is one WebSocket attachment's read side
type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	sender *wsSender
	reg    *Connection
	peerID string
	roomID string
	relay  SignalRelay
}

// pingLoop keeps the socket alive with periodic protocol pings
func (c *wsClient) pingLoop() {
	ticker := time.NewTicker(config.GetWebSocketPingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-c.reg.closed:
			return
		case <-ticker.C:
			if err := c.sender.ping(); err != nil {
				c.reg.MarkDead()
				return
			}
		}
	}
}

// readPump consumes inbound frames until the connection drops
func (c *wsClient) readPump() {
	defer func() {
		c.hub.Unregister(c.reg.ID)
	}()

	c.conn.SetReadDeadline(time.Now().Add(config.GetWebSocketPongTimeout()))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(config.GetWebSocketPongTimeout()))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error("websocket connection error", map[string]interface{}{
					"peer_id": c.peerID,
					"error":   err.Error(),
				})
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(config.GetWebSocketPongTimeout()))

		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logging.Trace("gateway", "unparseable frame dropped", map[string]interface{}{
				"peer_id": c.peerID,
			})
			continue
		}

		c.handleFrame(frame)
	}
}

// handleFrame routes one inbound frame by type
func (c *wsClient) handleFrame(frame wireFrame) {
	switch frame.Type {
	case transport.TypePing:
		// Echo the nonce for client RTT measurement
		var ping map[string]interface{}
		json.Unmarshal(frame.Payload, &ping)
		c.hub.SendControl(c.reg, transport.TypePong, ping)

		// A ping carrying a measured RTT feeds latency compensation
		if rtt, ok := ping["rtt_ms"].(float64); ok && rtt > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), config.GetRPCTimeout())
			c.hub.WorkerClient().UpdatePlayerPing(ctx, c.roomID, c.peerID, rtt)
			cancel()
		}

	case transport.TypeInput:
		var input sim.PlayerInput
		if err := json.Unmarshal(frame.Payload, &input); err != nil {
			return
		}
		input.PlayerID = c.peerID // peer identity is authoritative, not the payload
		c.hub.IngressInput(c.reg, input)

	case transport.TypeAck:
		var ack struct {
			Tick uint64 `json:"acknowledged_tick"`
		}
		if err := json.Unmarshal(frame.Payload, &ack); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), config.GetRPCTimeout())
		c.hub.WorkerClient().Ack(ctx, c.roomID, c.peerID, ack.Tick)
		cancel()

	case transport.TypeClientPrediction:
		var req worker.ClientPredictionRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return
		}
		req.RoomID = c.roomID
		req.PlayerID = c.peerID

		ctx, cancel := context.WithTimeout(context.Background(), config.GetRPCTimeout())
		predicted, err := c.hub.WorkerClient().ClientPrediction(ctx, req)
		cancel()
		if err == nil && predicted != nil {
			c.hub.SendState(c.reg, transport.TypeClientPrediction, json.RawMessage(predicted))
		}

	case transport.TypeSignaling:
		if c.relay == nil {
			return
		}
		reply, err := c.relay.HandleSignal(c.peerID, c.roomID, frame.Payload)
		if err != nil {
			logging.Warn("signaling relay failed", map[string]interface{}{
				"peer_id": c.peerID,
				"error":   err.Error(),
			})
			return
		}
		if reply != nil {
			c.hub.SendControl(c.reg, transport.TypeSignaling, reply)
		}

	default:
		logging.Trace("gateway", "unknown frame type dropped", map[string]interface{}{
			"peer_id": c.peerID,
			"type":    frame.Type,
		})
	}
}
