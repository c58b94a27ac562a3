package worker

import (
	"context"
	"encoding/json"
	"time"

	"arena1/config"
	"arena1/errs"
	"arena1/logging"
	"arena1/metrics"
	"arena1/rooms"
	"arena1/sim"
	"arena1/snapshot"
)

// startLoop launches the room's fixed-rate tick goroutine. Idempotent; a
// running loop is left alone.
func (s *Service) startLoop(g *game) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.rootCtx)
	g.running = true
	g.cancel = cancel
	g.mu.Unlock()

	s.wg.Add(1)
	go s.runLoop(ctx, g)

	logging.Info("room loop started", map[string]interface{}{
		"room_id": g.roomID,
	})
}

// stopLoop cancels the room's tick goroutine. The loop returns at its next
// select, without a further tick.
func (s *Service) stopLoop(g *game) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	g.running = false
	g.cancel()
}

// runLoop is the per-room goroutine: one fixed-rate tick, then fan-out.
// No two goroutines ever tick the same room; the tick critical section is
// CPU-only under the world's exclusive lock.
func (s *Service) runLoop(ctx context.Context, g *game) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Debug("room loop cancelled", map[string]interface{}{
				"room_id": g.roomID,
			})
			return

		case <-ticker.C:
			s.frames.StartFrame()
			if err := s.tickOnce(g); err != nil {
				s.frames.EndFrame()
				if errs.IsKind(err, errs.KindSimulationFault) {
					// Room-fatal: isolate to this room and stop
					s.manager.Close(g.roomID)
					return
				}
				continue
			}
			s.broadcastTick(g)
			s.frames.EndFrame()
		}
	}
}

// tickOnce advances the room by one tick and feeds the sync framework and
// prediction shadow. Simulation faults close the room; other rooms are
// unaffected.
func (s *Service) tickOnce(g *game) error {
	snap, processed, err := g.world.Tick()
	if err != nil {
		action, _ := s.errors.Handle(err, nil)
		if action == errs.ActionResetClientState {
			// Per-player fault recovery: reset every shadow so replays
			// restart from server truth
			players, _, memberErr := s.manager.MemberIDs(g.roomID)
			if memberErr == nil {
				for _, id := range players {
					g.sync.ResetClient(id)
				}
			}
		}
		return err
	}

	g.sync.AddServerState(snap, processed)
	g.predict.Observe(snap)
	s.mirrorScores(g, snap)

	// Win condition reported by the simulation ends the match
	status := g.world.ModeStatus()
	if status.Finished {
		if state, stateErr := s.manager.State(g.roomID); stateErr == nil && state == rooms.StatePlaying {
			s.manager.EndGame(g.roomID, "", status.Winner)
		}
	}

	return nil
}

// mirrorScores copies authoritative scores onto the room membership list
func (s *Service) mirrorScores(g *game, snap sim.Snapshot) {
	scores := make(map[string]int)
	for _, es := range snap.Entities {
		if es.Role == sim.RolePlayer {
			scores[es.PlayerID] = es.Score
		}
	}
	if len(scores) > 0 {
		s.manager.UpdateScores(g.roomID, scores, snap.Tick)
	}
}

// broadcastTick encodes the current state for every subscriber and computes
// reconciliation for diverged players, delivering everything via the sink
func (s *Service) broadcastTick(g *game) {
	if s.sink == nil {
		return
	}

	players, spectators, err := s.manager.MemberIDs(g.roomID)
	if err != nil {
		return
	}

	snap := g.world.Snapshot()
	tick := snap.Tick
	frames := make([]OutFrame, 0, len(players)+len(spectators))

	for _, playerID := range players {
		// Reconciliation first so the correction rides ahead of the state
		// update on the ordered per-connection channel
		if g.sync.NeedsReconciliation(playerID, tick) {
			recon, reconErr := g.sync.CalculateReconciliation(playerID, tick)
			if reconErr != nil {
				s.errors.Handle(reconErr, nil)
			} else if recon != nil {
				g.predict.RecordReconciliation(playerID, recon.PositionCorrection.Length(), config.GetDivergenceLimit())
				g.predict.ApplyReconciliation(playerID, recon)

				if payload, marshalErr := json.Marshal(recon); marshalErr == nil {
					frames = append(frames, OutFrame{
						PeerID:  playerID,
						Class:   FrameReconcile,
						Payload: payload,
					})
					s.bandwidth.RecordSent(metrics.ClassReconcile, len(payload))
				}
			}
		}

		s.appendSnapshotFrame(g, &frames, playerID, snap)
	}

	for _, spectatorID := range spectators {
		s.appendSnapshotFrame(g, &frames, spectatorID, snap)
	}

	if len(frames) > 0 {
		s.sink.Deliver(g.roomID, frames)
	}
}

// appendSnapshotFrame encodes one subscriber's snapshot message. Encoding
// faults are recovered by forcing the next update Full.
func (s *Service) appendSnapshotFrame(g *game, frames *[]OutFrame, id string, snap sim.Snapshot) {
	msg, size, err := g.encoder.Encode(id, snap)
	if err != nil {
		if action, _ := s.errors.Handle(err, nil); action == errs.ActionForceFullSnapshot {
			g.encoder.ForceFull(id)
		}
		return
	}
	s.recordSnapshotSent(msg, size)

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	class := FrameDeltaState
	if msg.Type == snapshot.TypeFullState {
		class = FrameFullState
	}
	*frames = append(*frames, OutFrame{PeerID: id, Class: class, Payload: payload})
}
