// Package worker implements the authority tier: it hosts rooms, runs their
// fixed-tick simulations, encodes per-subscriber snapshots, computes
// reconciliation, and exposes the unary RPC surface the gateway calls.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"arena1/config"
	"arena1/database"
	"arena1/errs"
	"arena1/metrics"
	"arena1/prediction"
	"arena1/rooms"
	"arena1/sim"
	"arena1/snapshot"
	"arena1/statesync"
)

// Frame classes delivered to the gateway for fan-out
const (
	FrameFullState      = "full_state"
	FrameDeltaState     = "delta_state"
	FrameReconcile      = "reconcile"
	FramePrediction     = "client_prediction"
	FrameEvent          = "event"
	FrameFatalRoomError = "fatal_room_error"
)

// OutFrame is one message addressed to one peer in a room
type OutFrame struct {
	PeerID  string          `json:"peer_id"`
	Class   string          `json:"class"`
	Payload json.RawMessage `json:"payload"`
}

// SnapshotSink receives per-tick frames for delivery to the edge
type SnapshotSink interface {
	Deliver(roomID string, frames []OutFrame)
}

// game is one room's runtime: the world, sync framework, prediction shadow,
// and snapshot encoder, plus the tick loop handle
type game struct {
	roomID  string
	world   *sim.World
	sync    *statesync.Framework
	predict *prediction.Engine
	encoder *snapshot.Encoder
	chat    *chatLog

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// Service is the worker's room host
type Service struct {
	mu      sync.RWMutex
	manager *rooms.Manager
	games   map[string]*game

	errors    *errs.Handler
	store     *database.Store
	sink      SnapshotSink
	frames    *metrics.FrameTimeTracker
	bandwidth *metrics.BandwidthTracker

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	tickInterval time.Duration
	mapsDir      string
}

// NewService creates the worker service. store may be nil when the record
// store collaborator is absent; sink may be nil in tests.
func NewService(store *database.Store, sink SnapshotSink) *Service {
	s := &Service{
		manager:      rooms.NewManager(),
		games:        make(map[string]*game),
		errors:       errs.NewHandler(),
		store:        store,
		sink:         sink,
		frames:       metrics.NewFrameTimeTracker(),
		bandwidth:    metrics.NewBandwidthTracker(),
		tickInterval: time.Second / time.Duration(config.GetTickRate()),
		mapsDir:      config.GetMapsDir(),
	}
	s.manager.OnStateChange(s.onStateChange)
	return s
}

// Start launches the background lifecycle loop. Shutdown cancels it along
// with every room loop.
func (s *Service) Start(ctx context.Context) {
	s.rootCtx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(config.GetCleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-s.rootCtx.Done():
				return
			case <-ticker.C:
				s.manager.Tick()
				s.cleanupGames()
			}
		}
	}()
}

// Shutdown closes every room, cancels all loops, and waits for them to
// return
func (s *Service) Shutdown() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.games))
	for id := range s.games {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.manager.Close(id)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Manager exposes the room manager for status surfaces
func (s *Service) Manager() *rooms.Manager {
	return s.manager
}

// FrameStats exposes the tick frame-time summary
func (s *Service) FrameStats() metrics.FrameTimeStats {
	return s.frames.Stats()
}

// BandwidthReport exposes the bandwidth accounting
func (s *Service) BandwidthReport() metrics.BandwidthReport {
	return s.bandwidth.Report()
}

// ErrorStats exposes the error counters
func (s *Service) ErrorStats() errs.Stats {
	return s.errors.Statistics()
}

// CreateRoom provisions a room and its simulation runtime. The host is
// registered as the first player and subscriber.
func (s *Service) CreateRoom(req rooms.CreateRequest) (*rooms.Info, error) {
	info, err := s.manager.Create(req)
	if err != nil {
		return nil, err
	}

	mapCfg := sim.LoadMap(s.mapsDir, info.MapName)
	if err := mapCfg.Validate(); err != nil {
		s.manager.Close(info.ID)
		return nil, errs.Wrap(errs.KindConfigInvalid, "map validation failed", err)
	}

	g := &game{
		roomID:  info.ID,
		world:   sim.NewWorld(info.ID, sim.ParseGameMode(req.GameMode), mapCfg),
		sync:    statesync.NewFramework(),
		predict: prediction.NewEngine(),
		encoder: snapshot.NewEncoder(),
		chat:    newChatLog(s.store),
	}

	s.mu.Lock()
	s.games[info.ID] = g
	s.mu.Unlock()

	s.registerPlayer(g, req.HostID, "")

	return info, nil
}

// gameFor fetches a room's runtime
func (s *Service) gameFor(roomID string) (*game, error) {
	s.mu.RLock()
	g, ok := s.games[roomID]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.KindRoomNotFound, "room %s not hosted", roomID)
	}
	return g, nil
}

// registerPlayer wires a player into the world, sync framework, prediction
// shadow, and snapshot encoder
func (s *Service) registerPlayer(g *game, playerID, team string) {
	g.world.AddPlayer(playerID, team)
	g.sync.RegisterClient(playerID)
	g.encoder.AddSubscriber(playerID)
	g.predict.InitializePlayer(playerID, g.world.Snapshot())
}

// JoinPlayer admits a player to the room and returns the membership info
// plus the seed Full snapshot for the new subscriber
func (s *Service) JoinPlayer(roomID, playerID, name, password, team string) (*rooms.Info, *snapshot.Message, error) {
	g, err := s.gameFor(roomID)
	if err != nil {
		return nil, nil, err
	}

	info, err := s.manager.JoinPlayer(roomID, playerID, name, password, team)
	if err != nil {
		return nil, nil, err
	}

	s.registerPlayer(g, playerID, team)

	seed, size, err := g.encoder.Encode(playerID, g.world.Snapshot())
	if err != nil {
		return info, nil, err
	}
	s.bandwidth.RecordSent(metrics.ClassFullState, size)

	return info, seed, nil
}

// JoinSpectator admits a spectator and returns the seed snapshot of the
// whole room
func (s *Service) JoinSpectator(roomID, spectatorID, name, cameraMode string) (*rooms.Info, *snapshot.Message, error) {
	g, err := s.gameFor(roomID)
	if err != nil {
		return nil, nil, err
	}

	camera := rooms.CameraOverview
	switch cameraMode {
	case "follow_player":
		camera = rooms.CameraFollowPlayer
	case "free":
		camera = rooms.CameraFree
	}

	info, err := s.manager.JoinSpectator(roomID, spectatorID, name, camera)
	if err != nil {
		return nil, nil, err
	}

	g.encoder.AddSpectator(spectatorID)
	seed, size, err := g.encoder.Encode(spectatorID, g.world.Snapshot())
	if err != nil {
		return info, nil, err
	}
	s.bandwidth.RecordSent(metrics.ClassFullState, size)

	return info, seed, nil
}

// Leave removes a member from the room and its runtime
func (s *Service) Leave(roomID, memberID string) error {
	g, err := s.gameFor(roomID)
	if err != nil {
		return err
	}

	if err := s.manager.Leave(roomID, memberID); err != nil {
		return err
	}

	g.world.RemovePlayer(memberID)
	g.sync.RemoveClient(memberID)
	g.encoder.RemoveSubscriber(memberID)
	g.predict.RemovePlayer(memberID)
	return nil
}

// SetReady toggles a player's ready flag
func (s *Service) SetReady(roomID, playerID string, ready bool) error {
	return s.manager.SetReady(roomID, playerID, ready)
}

// UpdatePing folds one ping sample into room membership, the sync registry,
// and the adaptive latency compensation
func (s *Service) UpdatePing(roomID, playerID string, pingMs float64) error {
	if err := s.manager.UpdatePing(roomID, playerID, pingMs); err != nil {
		return err
	}
	if g, err := s.gameFor(roomID); err == nil {
		g.sync.UpdatePing(playerID, pingMs)
		g.predict.UpdateLatency(playerID, uint64(pingMs))
	}
	return nil
}

// StartGame begins the host-initiated countdown
func (s *Service) StartGame(roomID, requesterID string) error {
	return s.manager.StartGame(roomID, requesterID)
}

// EndGame finishes the match on host request
func (s *Service) EndGame(roomID, requesterID string) (*rooms.Info, error) {
	if err := s.manager.EndGame(roomID, requesterID, ""); err != nil {
		return nil, err
	}
	return s.manager.GetInfo(roomID)
}

// PushInput validates and stages one input frame. When the room loop is not
// running the simulation is advanced synchronously, so lobby rooms still
// tick on demand; the post-tick snapshot for the caller is returned either
// way, along with any pending reconciliation.
func (s *Service) PushInput(in sim.PlayerInput, roomID string) (*snapshot.Message, *statesync.ReconciliationData, error) {
	g, err := s.gameFor(roomID)
	if err != nil {
		return nil, nil, err
	}

	state, err := s.manager.State(roomID)
	if err != nil {
		return nil, nil, err
	}
	if state == rooms.StateClosed || state == rooms.StateFinished || g.world.Faulted() {
		return nil, nil, errs.Newf(errs.KindRoomStateInvalid, "room %s not accepting input in state %s",
			roomID, state)
	}

	if err := g.world.SubmitInput(in); err != nil {
		return nil, nil, err
	}
	s.bandwidth.RecordReceived(metrics.ClassClientPrediction, approxInputSize)

	g.mu.Lock()
	loopRunning := g.running
	g.mu.Unlock()

	if !loopRunning {
		if err := s.tickOnce(g); err != nil {
			if errs.IsKind(err, errs.KindSimulationFault) {
				// Room-fatal: isolate to this room
				s.manager.Close(roomID)
			}
			return nil, nil, err
		}
	}

	msg, size, err := g.encoder.Encode(in.PlayerID, g.world.Snapshot())
	if err != nil {
		return nil, nil, err
	}
	s.recordSnapshotSent(msg, size)

	var recon *statesync.ReconciliationData
	if g.sync.NeedsReconciliation(in.PlayerID, g.world.CurrentTick()) {
		recon, err = g.sync.CalculateReconciliation(in.PlayerID, g.world.CurrentTick())
		if err != nil {
			s.errors.Handle(err, nil)
			recon = nil
		}
		if recon != nil {
			g.predict.RecordReconciliation(in.PlayerID, recon.PositionCorrection.Length(), config.GetDivergenceLimit())
			g.predict.ApplyReconciliation(in.PlayerID, recon)
		}
	}

	return msg, recon, nil
}

// approxInputSize is the accounting size of one input frame on the wire
const approxInputSize = 96

// Ack records a client's acknowledged tick, advancing its delta base
func (s *Service) Ack(roomID, playerID string, tick uint64) error {
	g, err := s.gameFor(roomID)
	if err != nil {
		return err
	}
	g.sync.RecordAck(playerID, tick)
	g.encoder.Ack(playerID, tick)
	s.bandwidth.RecordReceived(metrics.ClassAck, 24)
	return nil
}

// ClientPrediction ingests a client's self-reported predicted state and
// returns the server-side extrapolation with its confidence
func (s *Service) ClientPrediction(roomID, playerID string, predictedTick uint64, pos sim.Vec3, inputSeq uint32) (*prediction.PredictedState, error) {
	g, err := s.gameFor(roomID)
	if err != nil {
		return nil, err
	}

	g.sync.UpdateClientPrediction(playerID, predictedTick, pos, inputSeq)

	current := g.world.CurrentTick()
	steps := 1
	if predictedTick > current {
		steps = int(predictedTick - current)
	}
	predicted, ok := g.predict.Predict(playerID, sim.PlayerInput{PlayerID: playerID}, current, steps)
	if !ok {
		return nil, nil
	}
	return &predicted, nil
}

// SendChat appends a chat line and broadcasts it as an event frame
func (s *Service) SendChat(roomID, senderID, senderName, body string) error {
	g, err := s.gameFor(roomID)
	if err != nil {
		return err
	}
	if body == "" {
		return errs.New(errs.KindInputInvalid, "empty chat message")
	}

	msg := g.chat.append(roomID, senderID, senderName, body)

	payload, _ := json.Marshal(map[string]interface{}{
		"name": "chat",
		"data": msg,
	})
	s.deliverToRoom(g, FrameEvent, payload)
	return nil
}

// ChatHistory returns a room's recent chat
func (s *Service) ChatHistory(roomID string, limit int) ([]database.ChatMessage, error) {
	g, err := s.gameFor(roomID)
	if err != nil {
		return nil, err
	}
	return g.chat.history(roomID, limit), nil
}

// onStateChange reacts to lifecycle transitions: Playing starts the room
// loop, Finished stops it and persists the match result, Closed stops it
// and notifies every connection with a terminal frame
func (s *Service) onStateChange(change rooms.StateChange) {
	g, err := s.gameFor(change.RoomID)
	if err != nil {
		return
	}

	switch change.To {
	case rooms.StatePlaying:
		s.startLoop(g)
	case rooms.StateFinished:
		s.stopLoop(g)
		s.saveMatchResult(g, change.Winner)
		payload, _ := json.Marshal(map[string]interface{}{
			"name": "game_finished",
			"data": map[string]interface{}{"winner": change.Winner},
		})
		s.deliverToRoom(g, FrameEvent, payload)
	case rooms.StateClosed:
		s.stopLoop(g)
		payload, _ := json.Marshal(map[string]interface{}{
			"kind":    string(errs.KindRoomStateInvalid),
			"message": "room closed",
		})
		s.deliverToRoom(g, FrameFatalRoomError, payload)
	}
}

// saveMatchResult writes the final scores to the record store
func (s *Service) saveMatchResult(g *game, winner string) {
	if s.store == nil {
		return
	}

	status := g.world.ModeStatus()
	scores := make(map[string]int)
	snap := g.world.Snapshot()
	for _, es := range snap.Entities {
		if es.Role == sim.RolePlayer {
			scores[es.PlayerID] = es.Score
		}
	}
	if winner == "" {
		winner = status.Winner
	}

	info, err := s.manager.GetInfo(g.roomID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := &database.MatchResult{
		RoomID:        g.roomID,
		GameMode:      info.GameMode,
		MapName:       info.MapName,
		Winner:        winner,
		Reason:        status.Reason,
		Scores:        scores,
		DurationTicks: status.ElapsedTicks,
		FinishedAt:    time.Now(),
	}
	if err := s.store.SaveMatchResult(ctx, result); err != nil {
		s.errors.Handle(errs.Wrap(errs.KindCollaboratorDown, "match result write failed", err), nil)
	}
}

// deliverToRoom fans one payload out to every member via the sink
func (s *Service) deliverToRoom(g *game, class string, payload json.RawMessage) {
	if s.sink == nil {
		return
	}
	players, spectators, err := s.manager.MemberIDs(g.roomID)
	if err != nil {
		return
	}

	frames := make([]OutFrame, 0, len(players)+len(spectators))
	for _, id := range append(players, spectators...) {
		frames = append(frames, OutFrame{PeerID: id, Class: class, Payload: payload})
	}
	s.sink.Deliver(g.roomID, frames)
}

// recordSnapshotSent accounts one encoded snapshot by its form
func (s *Service) recordSnapshotSent(msg *snapshot.Message, size int) {
	if msg.Type == snapshot.TypeFullState {
		s.bandwidth.RecordSent(metrics.ClassFullState, size)
	} else {
		s.bandwidth.RecordSent(metrics.ClassDeltaState, size)
	}
}

// cleanupGames drops runtimes whose rooms were purged and sweeps idle
// client states
func (s *Service) cleanupGames() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, g := range s.games {
		if _, err := s.manager.State(id); err != nil {
			s.stopLoop(g)
			delete(s.games, id)
			continue
		}
		g.sync.Cleanup()
	}
}
