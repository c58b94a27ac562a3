package sim

import "sort"

// GameMode selects the rule set a room plays under
type GameMode uint8

const (
	ModeDeathmatch GameMode = iota
	ModeTeamDeathmatch
	ModeCaptureTheFlag
	ModeKingOfTheHill
)

func (m GameMode) String() string {
	switch m {
	case ModeDeathmatch:
		return "deathmatch"
	case ModeTeamDeathmatch:
		return "team_deathmatch"
	case ModeCaptureTheFlag:
		return "capture_the_flag"
	case ModeKingOfTheHill:
		return "king_of_the_hill"
	default:
		return "unknown"
	}
}

// ParseGameMode maps the wire string back to a mode, defaulting to deathmatch
func ParseGameMode(s string) GameMode {
	switch s {
	case "team_deathmatch", "tdm":
		return ModeTeamDeathmatch
	case "capture_the_flag", "ctf":
		return ModeCaptureTheFlag
	case "king_of_the_hill", "koth":
		return ModeKingOfTheHill
	default:
		return ModeDeathmatch
	}
}

// ModeState tracks win-condition progress across ticks
type ModeState struct {
	ElapsedTicks uint64             `json:"elapsed_ticks"`
	TeamScores   map[string]int     `json:"team_scores,omitempty"`
	Finished     bool               `json:"finished"`
	Winner       string             `json:"winner,omitempty"` // player id or team tag
	Reason       string             `json:"reason,omitempty"` // score_limit or time_limit
}

// advanceMode runs step 4 of the tick procedure: scoring aggregation, the
// match timer, and the win condition for the active mode.
// Caller holds the world lock.
func (w *World) advanceMode() {
	if w.modeState.Finished {
		return
	}
	w.modeState.ElapsedTicks++

	switch w.mode {
	case ModeTeamDeathmatch, ModeCaptureTheFlag:
		w.aggregateTeamScores()
	case ModeKingOfTheHill:
		w.scoreHill()
	}

	// Score limit
	limit := w.mapCfg.Modes.ScoreLimit
	if limit > 0 {
		switch w.mode {
		case ModeDeathmatch, ModeKingOfTheHill:
			for _, id := range w.order {
				e := w.entities[id]
				if e.Role == RolePlayer && e.Score >= limit {
					w.finish(e.PlayerID, "score_limit")
					return
				}
			}
		case ModeTeamDeathmatch, ModeCaptureTheFlag:
			// Teams checked in sorted order so simultaneous limit hits
			// resolve identically across runs
			teams := make([]string, 0, len(w.modeState.TeamScores))
			for team := range w.modeState.TeamScores {
				teams = append(teams, team)
			}
			sort.Strings(teams)
			for _, team := range teams {
				if w.modeState.TeamScores[team] >= limit {
					w.finish(team, "score_limit")
					return
				}
			}
		}
	}

	// Time limit
	limitTicks := uint64(w.mapCfg.Modes.TimeLimitSeconds * float64(w.tickRate))
	if limitTicks > 0 && w.modeState.ElapsedTicks >= limitTicks {
		w.finish(w.leader(), "time_limit")
	}
}

// aggregateTeamScores folds player scores into their team buckets
func (w *World) aggregateTeamScores() {
	if w.modeState.TeamScores == nil {
		w.modeState.TeamScores = make(map[string]int)
	}
	for team := range w.modeState.TeamScores {
		w.modeState.TeamScores[team] = 0
	}
	for _, id := range w.order {
		e := w.entities[id]
		if e.Role == RolePlayer && e.Team != "" {
			w.modeState.TeamScores[e.Team] += e.Score
		}
	}
}

// scoreHill awards one point per full second spent inside the hill
func (w *World) scoreHill() {
	if w.modeState.ElapsedTicks%uint64(w.tickRate) != 0 {
		return
	}
	center := w.mapCfg.Modes.HillCenter
	radius := w.mapCfg.Modes.HillRadius
	for _, id := range w.order {
		e := w.entities[id]
		if e.Role == RolePlayer && e.Position.DistanceTo(center) <= radius {
			e.Score++
		}
	}
}

// leader returns the current best player or team for time-limit resolution
func (w *World) leader() string {
	switch w.mode {
	case ModeTeamDeathmatch, ModeCaptureTheFlag:
		best, bestScore := "", -1
		for team, score := range w.modeState.TeamScores {
			if score > bestScore || (score == bestScore && team < best) {
				best, bestScore = team, score
			}
		}
		return best
	default:
		best, bestScore := "", -1
		for _, id := range w.order {
			e := w.entities[id]
			if e.Role != RolePlayer {
				continue
			}
			if e.Score > bestScore || (e.Score == bestScore && e.PlayerID < best) {
				best, bestScore = e.PlayerID, e.Score
			}
		}
		return best
	}
}

func (w *World) finish(winner, reason string) {
	w.modeState.Finished = true
	w.modeState.Winner = winner
	w.modeState.Reason = reason
}
