// Package gateway implements the edge tier: the connection registry, data
// plane pumps, transport negotiation, ingress forwarding to the worker, and
// snapshot fan-out back to clients.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"arena1/config"
	"arena1/errs"
	"arena1/logging"
	"arena1/metrics"
	"arena1/sim"
	"arena1/transport"
	"arena1/worker"
)

// Sender delivers one marshaled frame over a concrete transport attachment
type Sender interface {
	Send(data []byte) error
	Close() error
}

// Connection is one transport attachment owned by the hub
type Connection struct {
	ID           string
	PeerID       string
	RoomID       string
	Transport    transport.Kind
	FallbackUsed bool
	Priority     int

	seq    *transport.SequenceState
	send   chan []byte
	sem    chan struct{}
	sender Sender
	dead   atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
}

// MarkDead flags the connection for removal on the next sweep
func (c *Connection) MarkDead() {
	c.dead.Store(true)
}

// Dead reports whether the connection was marked for removal
func (c *Connection) Dead() bool {
	return c.dead.Load()
}

// shutdown closes the connection's closed signal and its transport exactly once
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.sender != nil {
			c.sender.Close()
		}
	})
}

// inboundInput is one input frame staged for worker forwarding
type inboundInput struct {
	connID string
	roomID string
	input  sim.PlayerInput
}

// Hub is the gateway dispatcher: connection registry with reverse indices,
// per-room bounded ingress channels, and snapshot fan-out
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	byRoom      map[string]map[string]*Connection
	byPeer      map[string]map[string]*Connection

	// lastForwarded de-duplicates ingress per peer by input sequence
	dedupMu       sync.Mutex
	lastForwarded map[string]uint32

	ingressMu sync.Mutex
	ingress   map[string]chan inboundInput

	workerClient *WorkerClient
	bandwidth    *metrics.BandwidthTracker

	sendTimeout  time.Duration
	egressBuffer int
	semSize      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates the dispatcher around a worker client
func NewHub(workerClient *WorkerClient) *Hub {
	return &Hub{
		connections:   make(map[string]*Connection),
		byRoom:        make(map[string]map[string]*Connection),
		byPeer:        make(map[string]map[string]*Connection),
		lastForwarded: make(map[string]uint32),
		ingress:       make(map[string]chan inboundInput),
		workerClient:  workerClient,
		bandwidth:     metrics.NewBandwidthTracker(),
		sendTimeout:   config.GetSendTimeout(),
		egressBuffer:  config.GetEgressBuffer(),
		semSize:       config.GetSendSemaphore(),
	}
}

// Run starts the hub's background sweep until the context is cancelled
func (h *Hub) Run(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.ctx.Done():
				return
			case <-ticker.C:
				h.sweepDead()
			}
		}
	}()
}

// Shutdown cancels all connection tasks and waits for them to drain
func (h *Hub) Shutdown() {
	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Lock()
	for _, conn := range h.connections {
		conn.shutdown()
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// Register attaches a connection to the registry and its reverse indices,
// and starts its write pump
func (h *Hub) Register(peerID, roomID string, kind transport.Kind, fallbackUsed bool, sender Sender) *Connection {
	conn := &Connection{
		ID:           uuid.NewString(),
		PeerID:       peerID,
		RoomID:       roomID,
		Transport:    kind,
		FallbackUsed: fallbackUsed,
		seq:          transport.NewSequenceState(),
		send:         make(chan []byte, h.egressBuffer),
		sem:          make(chan struct{}, h.semSize),
		sender:       sender,
		closed:       make(chan struct{}),
	}

	h.mu.Lock()
	h.connections[conn.ID] = conn
	if h.byRoom[roomID] == nil {
		h.byRoom[roomID] = make(map[string]*Connection)
	}
	h.byRoom[roomID][conn.ID] = conn
	if h.byPeer[peerID] == nil {
		h.byPeer[peerID] = make(map[string]*Connection)
	}
	h.byPeer[peerID][conn.ID] = conn
	h.mu.Unlock()

	metrics.ActiveConnections.WithLabelValues(kind.String()).Inc()
	logging.Info("connection registered", map[string]interface{}{
		"connection_id": conn.ID,
		"peer_id":       peerID,
		"room_id":       roomID,
		"transport":     kind.String(),
		"fallback_used": fallbackUsed,
	})

	h.wg.Add(1)
	go h.writePump(conn)

	return conn
}

// Unregister removes a connection from the registry and closes it
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	conn, ok := h.connections[connID]
	if ok {
		delete(h.connections, connID)
		if roomConns := h.byRoom[conn.RoomID]; roomConns != nil {
			delete(roomConns, connID)
			if len(roomConns) == 0 {
				delete(h.byRoom, conn.RoomID)
			}
		}
		if peerConns := h.byPeer[conn.PeerID]; peerConns != nil {
			delete(peerConns, connID)
			if len(peerConns) == 0 {
				delete(h.byPeer, conn.PeerID)
			}
		}
	}
	h.mu.Unlock()

	if ok {
		conn.shutdown()
		metrics.ActiveConnections.WithLabelValues(conn.Transport.String()).Dec()
		logging.Info("connection unregistered", map[string]interface{}{
			"connection_id": connID,
			"peer_id":       conn.PeerID,
		})
	}
}

// writePump drains a connection's send channel onto its transport in FIFO
// order; a failed write marks the connection dead
func (h *Hub) writePump(conn *Connection) {
	defer h.wg.Done()

	for {
		select {
		case <-conn.closed:
			return
		case <-h.ctx.Done():
			return
		case data := <-conn.send:
			if err := conn.sender.Send(data); err != nil {
				conn.MarkDead()
				logging.Warn("connection send failed", map[string]interface{}{
					"connection_id": conn.ID,
					"error":         err.Error(),
				})
				return
			}
		}
	}
}

// trySend enqueues one frame to a connection under its send semaphore with
// the configured timeout. A full channel drops its oldest queued frame
// (counted as a backpressure drop) and retries once; a semaphore timeout or
// a failed retry marks the connection dead. The simulation never blocks on
// egress.
func (h *Hub) trySend(conn *Connection, data []byte) bool {
	if conn.Dead() {
		return false
	}

	timer := time.NewTimer(h.sendTimeout)
	defer timer.Stop()

	select {
	case conn.sem <- struct{}{}:
	case <-timer.C:
		conn.MarkDead()
		return false
	}
	defer func() { <-conn.sem }()

	select {
	case conn.send <- data:
		return true
	default:
		// Bounded channel overflow: drop the oldest, count it, retry once
		select {
		case <-conn.send:
			metrics.BackpressureDrops.WithLabelValues("egress").Inc()
		default:
		}
		select {
		case conn.send <- data:
			return true
		default:
			conn.MarkDead()
			return false
		}
	}
}

// Deliver implements worker.SnapshotSink: fan one tick's frames out to the
// room's connections. Per-connection order is preserved; cross-connection
// order is not.
func (h *Hub) Deliver(roomID string, frames []worker.OutFrame) {
	h.mu.RLock()
	roomConns := make([]*Connection, 0, len(h.byRoom[roomID]))
	for _, conn := range h.byRoom[roomID] {
		roomConns = append(roomConns, conn)
	}
	h.mu.RUnlock()

	if len(roomConns) == 0 {
		return
	}

	for _, frame := range frames {
		for _, conn := range roomConns {
			if conn.PeerID != frame.PeerID {
				continue
			}

			envelope := conn.seq.NewFrame(transport.ChannelState, frame.Class, json.RawMessage(frame.Payload))
			data, err := json.Marshal(envelope)
			if err != nil {
				continue
			}

			if h.trySend(conn, data) {
				h.bandwidth.RecordSent(frameClass(frame.Class), len(data))
			}
		}
	}
}

// SendControl pushes one control frame to a specific connection
func (h *Hub) SendControl(conn *Connection, frameType string, payload interface{}) {
	envelope := conn.seq.NewFrame(transport.ChannelControl, frameType, payload)
	data, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	h.trySend(conn, data)
}

// SendState pushes one state frame to a specific connection
func (h *Hub) SendState(conn *Connection, frameType string, payload interface{}) {
	envelope := conn.seq.NewFrame(transport.ChannelState, frameType, payload)
	data, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	if h.trySend(conn, data) {
		h.bandwidth.RecordSent(frameClass(frameType), len(data))
	}
}

// IngressInput stages one validated-session input for worker forwarding.
// Duplicate sequences per peer are dropped here, before the RPC hop.
func (h *Hub) IngressInput(conn *Connection, input sim.PlayerInput) {
	h.dedupMu.Lock()
	if last, ok := h.lastForwarded[conn.PeerID]; ok && input.InputSequence <= last {
		h.dedupMu.Unlock()
		logging.Trace("gateway", "duplicate input dropped", map[string]interface{}{
			"peer_id": conn.PeerID,
			"seq":     input.InputSequence,
		})
		return
	}
	h.lastForwarded[conn.PeerID] = input.InputSequence
	h.dedupMu.Unlock()

	h.enqueue(conn.RoomID, inboundInput{
		connID: conn.ID,
		roomID: conn.RoomID,
		input:  input,
	})
}

// enqueue places one input on the room's bounded channel, dropping the
// oldest on overflow. The channel's forwarder goroutine is started lazily.
func (h *Hub) enqueue(roomID string, in inboundInput) {
	h.ingressMu.Lock()
	ch, ok := h.ingress[roomID]
	if !ok {
		ch = make(chan inboundInput, h.egressBuffer)
		h.ingress[roomID] = ch
		h.wg.Add(1)
		go h.forwardLoop(roomID, ch)
	}
	h.ingressMu.Unlock()

	select {
	case ch <- in:
	default:
		// Drop oldest, never block the receiver
		select {
		case <-ch:
			metrics.BackpressureDrops.WithLabelValues("ingress").Inc()
		default:
		}
		select {
		case ch <- in:
		default:
			metrics.BackpressureDrops.WithLabelValues("ingress").Inc()
		}
	}
}

// forwardLoop drains one room's ingress channel into the worker RPC and
// returns the per-call snapshot to the originating connection
func (h *Hub) forwardLoop(roomID string, ch chan inboundInput) {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case in := <-ch:
			resp, err := h.workerClient.PushInput(in.roomID, in.input)
			if err != nil {
				if errs.IsKind(err, errs.KindRoomStateInvalid) || errs.IsKind(err, errs.KindRoomNotFound) {
					h.dropRoomChannel(roomID)
				}
				continue
			}

			h.mu.RLock()
			conn := h.connections[in.connID]
			h.mu.RUnlock()
			if conn == nil || conn.Dead() {
				continue
			}

			if resp.Reconcile != nil {
				h.SendState(conn, transport.TypeReconcile, resp.Reconcile)
			}
			if resp.Snapshot != nil {
				h.SendState(conn, snapshotFrameType(resp.Snapshot.Type), resp.Snapshot)
			}
		}
	}
}

// dropRoomChannel forgets a defunct room's ingress channel
func (h *Hub) dropRoomChannel(roomID string) {
	h.ingressMu.Lock()
	delete(h.ingress, roomID)
	h.ingressMu.Unlock()
}

// sweepDead removes connections marked dead since the last sweep
func (h *Hub) sweepDead() {
	h.mu.RLock()
	var dead []string
	for id, conn := range h.connections {
		if conn.Dead() {
			dead = append(dead, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range dead {
		h.Unregister(id)
	}
}

// ConnectionsInRoom counts a room's live attachments
func (h *Hub) ConnectionsInRoom(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byRoom[roomID])
}

// ConnectionCount returns the registry size
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// BandwidthReport exposes the gateway-side bandwidth accounting
func (h *Hub) BandwidthReport() metrics.BandwidthReport {
	return h.bandwidth.Report()
}

// WorkerClient exposes the RPC client for the control plane handlers
func (h *Hub) WorkerClient() *WorkerClient {
	return h.workerClient
}

// frameClass maps a frame type to its bandwidth accounting class
func frameClass(frameType string) string {
	switch frameType {
	case transport.TypeFullState:
		return metrics.ClassFullState
	case transport.TypeDeltaState:
		return metrics.ClassDeltaState
	case transport.TypeReconcile:
		return metrics.ClassReconcile
	case transport.TypeAck:
		return metrics.ClassAck
	case transport.TypeClientPrediction:
		return metrics.ClassClientPrediction
	default:
		return frameType
	}
}

// snapshotFrameType maps an encoder message type onto the wire frame type
func snapshotFrameType(msgType string) string {
	if msgType == "full_state" {
		return transport.TypeFullState
	}
	return transport.TypeDeltaState
}
