package rooms

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"arena1/config"
	"arena1/errs"
	"arena1/logging"
	"arena1/metrics"
	"arena1/sim"
)

// ListFilter narrows the room listing
type ListFilter struct {
	GameMode    string
	State       string
	HasCapacity bool
	PublicOnly  bool
}

// CreateRequest carries the room creation parameters
type CreateRequest struct {
	Name              string
	HostID            string
	HostName          string
	MaxPlayers        int
	GameMode          string
	MapName           string
	TimeLimit         time.Duration
	Password          string
	Private           bool
	AllowSpectators   bool
	AutoStart         bool
	MinPlayersToStart int
}

// StateChange notifies the owner of a lifecycle transition
type StateChange struct {
	RoomID string
	From   State
	To     State
	Winner string
}

// Manager owns every room hosted by this worker. Per-room transitions are
// serialized under a per-room lock; the manager map itself is read-mostly.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	locks map[string]*sync.Mutex

	maxRooms      int
	countdown     time.Duration
	closedGrace   time.Duration
	finishedIdle  time.Duration
	onStateChange func(StateChange)

	now func() time.Time
}

// NewManager creates a manager with the configured lifecycle tuning
func NewManager() *Manager {
	return &Manager{
		rooms:        make(map[string]*Room),
		locks:        make(map[string]*sync.Mutex),
		maxRooms:     config.GetMaxRooms(),
		countdown:    config.GetStartCountdown(),
		closedGrace:  config.GetClosedGrace(),
		finishedIdle: config.GetFinishedIdleMax(),
		now:          time.Now,
	}
}

// OnStateChange installs the transition callback. Must be set before rooms
// are created; the callback runs outside the room lock.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.onStateChange = fn
}

// Create provisions a new room in Waiting with the host as its first player
func (m *Manager) Create(req CreateRequest) (*Info, error) {
	if req.Name == "" {
		return nil, errs.New(errs.KindInputInvalid, "room name required")
	}
	if req.HostID == "" {
		return nil, errs.New(errs.KindInputInvalid, "host id required")
	}

	maxPlayers := req.MaxPlayers
	if maxPlayers <= 0 {
		maxPlayers = config.GetDefaultMaxPlayers()
	}
	minToStart := req.MinPlayersToStart
	if minToStart <= 0 {
		minToStart = 1
	}
	if minToStart > maxPlayers {
		return nil, errs.Newf(errs.KindInputInvalid,
			"min players to start %d exceeds capacity %d", minToStart, maxPlayers)
	}

	var passwordHash string
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfigInvalid, "password hash failed", err)
		}
		passwordHash = string(hash)
	}

	now := m.now()
	room := &Room{
		ID:     uuid.NewString(),
		Name:   req.Name,
		HostID: req.HostID,
		Settings: Settings{
			MaxPlayers:        maxPlayers,
			GameMode:          sim.ParseGameMode(req.GameMode),
			MapName:           req.MapName,
			TimeLimit:         req.TimeLimit,
			PasswordHash:      passwordHash,
			Private:           req.Private,
			AllowSpectators:   req.AllowSpectators,
			AutoStart:         req.AutoStart,
			MinPlayersToStart: minToStart,
		},
		state:        StateWaiting,
		players:      make(map[string]*Player),
		spectators:   make(map[string]*Spectator),
		CreatedAt:    now,
		lastActivity: now,
	}
	if room.Settings.MapName == "" {
		room.Settings.MapName = config.GetDefaultMap()
	}

	host := &Player{
		ID:       req.HostID,
		Name:     req.HostName,
		JoinedAt: now,
	}
	room.players[req.HostID] = host
	room.joinOrder = append(room.joinOrder, req.HostID)

	m.mu.Lock()
	if len(m.rooms) >= m.maxRooms {
		m.mu.Unlock()
		return nil, errs.Newf(errs.KindRoomStateInvalid, "worker at room capacity %d", m.maxRooms)
	}
	m.rooms[room.ID] = room
	m.locks[room.ID] = &sync.Mutex{}
	m.mu.Unlock()

	metrics.ActiveRooms.Inc()
	logging.Info("room created", map[string]interface{}{
		"room_id":   room.ID,
		"name":      room.Name,
		"host_id":   room.HostID,
		"game_mode": room.Settings.GameMode.String(),
		"map":       room.Settings.MapName,
	})

	info := room.info(true)
	return &info, nil
}

// lockRoom fetches a room and its lock, acquiring the lock before return
func (m *Manager) lockRoom(roomID string) (*Room, *sync.Mutex, error) {
	m.mu.RLock()
	room, ok := m.rooms[roomID]
	lock := m.locks[roomID]
	m.mu.RUnlock()

	if !ok {
		return nil, nil, errs.Newf(errs.KindRoomNotFound, "room %s not found", roomID)
	}
	lock.Lock()
	return room, lock, nil
}

// List returns room summaries matching the filter, newest first
func (m *Manager) List(filter ListFilter) []Info {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		room, lock, err := m.lockRoom(id)
		if err != nil {
			continue
		}
		info := room.info(false)
		state := room.state
		lock.Unlock()

		if state == StateClosed {
			continue
		}
		if filter.GameMode != "" && !strings.EqualFold(info.GameMode, filter.GameMode) {
			continue
		}
		if filter.State != "" && !strings.EqualFold(info.State, filter.State) {
			continue
		}
		if filter.HasCapacity && info.PlayerCount >= info.MaxPlayers {
			continue
		}
		if filter.PublicOnly && info.Private {
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos
}

// GetInfo returns one room's summary including members
func (m *Manager) GetInfo(roomID string) (*Info, error) {
	room, lock, err := m.lockRoom(roomID)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	info := room.info(true)
	return &info, nil
}

// JoinPlayer admits a player. Concurrent joins serialize on the room lock,
// so the (max+1)-th requester deterministically receives RoomFull.
func (m *Manager) JoinPlayer(roomID, playerID, name, password, team string) (*Info, error) {
	room, lock, err := m.lockRoom(roomID)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	if room.state != StateWaiting && room.state != StatePlaying {
		return nil, errs.Newf(errs.KindRoomStateInvalid, "room %s not joinable in state %s",
			roomID, room.state)
	}

	if room.Settings.PasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(room.Settings.PasswordHash), []byte(password)) != nil {
			return nil, errs.New(errs.KindAuthFailed, "room password mismatch")
		}
	}

	if _, present := room.players[playerID]; present {
		info := room.info(true)
		return &info, nil
	}

	if len(room.players) >= room.Settings.MaxPlayers {
		return nil, errs.Newf(errs.KindRoomFull, "room %s is full", roomID)
	}

	room.players[playerID] = &Player{
		ID:       playerID,
		Name:     name,
		Team:     team,
		JoinedAt: m.now(),
	}
	room.joinOrder = append(room.joinOrder, playerID)
	room.lastActivity = m.now()

	logging.Info("player joined room", map[string]interface{}{
		"room_id":   roomID,
		"player_id": playerID,
		"players":   len(room.players),
	})

	info := room.info(true)
	return &info, nil
}

// JoinSpectator admits a spectator when the room allows them
func (m *Manager) JoinSpectator(roomID, spectatorID, name string, camera CameraMode) (*Info, error) {
	room, lock, err := m.lockRoom(roomID)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	if !room.Settings.AllowSpectators {
		return nil, errs.Newf(errs.KindRoomStateInvalid, "room %s does not allow spectators", roomID)
	}
	if room.state == StateFinished || room.state == StateClosed {
		return nil, errs.Newf(errs.KindRoomStateInvalid, "room %s not observable in state %s",
			roomID, room.state)
	}

	room.spectators[spectatorID] = &Spectator{
		ID:       spectatorID,
		Name:     name,
		Camera:   camera,
		JoinedAt: m.now(),
	}
	room.lastActivity = m.now()

	info := room.info(true)
	return &info, nil
}

// Leave removes a player or spectator. The last player leaving closes the
// room; a departing host hands the room to the oldest remaining player.
func (m *Manager) Leave(roomID, memberID string) error {
	room, lock, err := m.lockRoom(roomID)
	if err != nil {
		return err
	}

	var change *StateChange
	if _, ok := room.spectators[memberID]; ok {
		delete(room.spectators, memberID)
		room.lastActivity = m.now()
		lock.Unlock()
		return nil
	}

	if _, ok := room.players[memberID]; !ok {
		lock.Unlock()
		return errs.Newf(errs.KindRoomStateInvalid, "member %s not in room %s", memberID, roomID)
	}

	delete(room.players, memberID)
	for i, id := range room.joinOrder {
		if id == memberID {
			room.joinOrder = append(room.joinOrder[:i], room.joinOrder[i+1:]...)
			break
		}
	}
	room.lastActivity = m.now()

	if len(room.players) == 0 {
		change = m.transitionLocked(room, StateClosed, "")
	} else if room.HostID == memberID {
		room.HostID = room.joinOrder[0]
		logging.Info("room host migrated", map[string]interface{}{
			"room_id": roomID,
			"host_id": room.HostID,
		})
	}
	lock.Unlock()

	m.emit(change)
	return nil
}

// SetReady toggles a player's ready flag; under AutoStart, a fully ready
// room at min capacity begins its countdown
func (m *Manager) SetReady(roomID, playerID string, ready bool) error {
	room, lock, err := m.lockRoom(roomID)
	if err != nil {
		return err
	}

	player, ok := room.players[playerID]
	if !ok {
		lock.Unlock()
		return errs.Newf(errs.KindRoomStateInvalid, "player %s not in room %s", playerID, roomID)
	}
	player.Ready = ready
	room.lastActivity = m.now()

	var change *StateChange
	if room.Settings.AutoStart &&
		room.state == StateWaiting &&
		len(room.players) >= room.Settings.MinPlayersToStart &&
		room.allReady() {
		change = m.beginCountdownLocked(room)
	}
	lock.Unlock()

	m.emit(change)
	return nil
}

// UpdatePing records a player's latest ping sample
func (m *Manager) UpdatePing(roomID, playerID string, pingMs float64) error {
	room, lock, err := m.lockRoom(roomID)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	player, ok := room.players[playerID]
	if !ok {
		return errs.Newf(errs.KindRoomStateInvalid, "player %s not in room %s", playerID, roomID)
	}
	player.PingMs = pingMs
	return nil
}

// UpdateScores mirrors authoritative scores back onto the membership list
func (m *Manager) UpdateScores(roomID string, scores map[string]int, tick uint64) {
	room, lock, err := m.lockRoom(roomID)
	if err != nil {
		return
	}
	defer lock.Unlock()

	for playerID, score := range scores {
		if p, ok := room.players[playerID]; ok {
			p.Score = score
			p.LastSeenTick = tick
		}
	}
}

// StartGame is the host-only transition Waiting -> Starting
func (m *Manager) StartGame(roomID, requesterID string) error {
	room, lock, err := m.lockRoom(roomID)
	if err != nil {
		return err
	}

	if room.HostID != requesterID {
		lock.Unlock()
		return errs.New(errs.KindAuthFailed, "only the host can start the game")
	}
	if room.state != StateWaiting {
		lock.Unlock()
		return errs.Newf(errs.KindRoomStateInvalid, "room %s cannot start from state %s",
			roomID, room.state)
	}
	if len(room.players) < room.Settings.MinPlayersToStart {
		lock.Unlock()
		return errs.Newf(errs.KindRoomStateInvalid, "room %s needs %d players to start",
			roomID, room.Settings.MinPlayersToStart)
	}

	change := m.beginCountdownLocked(room)
	lock.Unlock()

	m.emit(change)
	return nil
}

// beginCountdownLocked moves a room into Starting; caller holds the lock
func (m *Manager) beginCountdownLocked(room *Room) *StateChange {
	change := m.transitionLocked(room, StateStarting, "")
	room.startDeadline = m.now().Add(m.countdown)
	return change
}

// EndGame is the host-only (or win-condition) transition Playing -> Finished
func (m *Manager) EndGame(roomID, requesterID, winner string) error {
	room, lock, err := m.lockRoom(roomID)
	if err != nil {
		return err
	}

	// An empty requester is the simulation reporting a win condition
	if requesterID != "" && room.HostID != requesterID {
		lock.Unlock()
		return errs.New(errs.KindAuthFailed, "only the host can end the game")
	}
	if room.state != StatePlaying && room.state != StateStarting {
		lock.Unlock()
		return errs.Newf(errs.KindRoomStateInvalid, "room %s cannot end from state %s",
			roomID, room.state)
	}

	change := m.transitionLocked(room, StateFinished, winner)
	room.finishedAt = m.now()
	lock.Unlock()

	m.emit(change)
	return nil
}

// Close force-closes a room from any state
func (m *Manager) Close(roomID string) error {
	room, lock, err := m.lockRoom(roomID)
	if err != nil {
		return err
	}

	var change *StateChange
	if room.state != StateClosed {
		change = m.transitionLocked(room, StateClosed, "")
	}
	lock.Unlock()

	m.emit(change)
	return nil
}

// State reads a room's current lifecycle state
func (m *Manager) State(roomID string) (State, error) {
	room, lock, err := m.lockRoom(roomID)
	if err != nil {
		return StateClosed, err
	}
	defer lock.Unlock()
	return room.state, nil
}

// HostOf reads a room's current host
func (m *Manager) HostOf(roomID string) (string, error) {
	room, lock, err := m.lockRoom(roomID)
	if err != nil {
		return "", err
	}
	defer lock.Unlock()
	return room.HostID, nil
}

// MemberIDs lists player ids then spectator ids for fan-out
func (m *Manager) MemberIDs(roomID string) ([]string, []string, error) {
	room, lock, err := m.lockRoom(roomID)
	if err != nil {
		return nil, nil, err
	}
	defer lock.Unlock()

	players := append([]string(nil), room.joinOrder...)
	spectators := make([]string, 0, len(room.spectators))
	for id := range room.spectators {
		spectators = append(spectators, id)
	}
	sort.Strings(spectators)
	return players, spectators, nil
}

// Tick advances time-driven transitions: countdown promotion and cleanup.
// Called periodically by the owning worker.
func (m *Manager) Tick() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	now := m.now()
	var changes []*StateChange
	var purge []string

	for _, id := range ids {
		room, lock, err := m.lockRoom(id)
		if err != nil {
			continue
		}

		switch room.state {
		case StateStarting:
			if now.After(room.startDeadline) {
				changes = append(changes, m.transitionLocked(room, StatePlaying, ""))
				room.startedAt = now
			}
		case StateFinished:
			if now.Sub(room.lastActivity) > m.finishedIdle {
				changes = append(changes, m.transitionLocked(room, StateClosed, ""))
			}
		case StateClosed:
			if now.Sub(room.closedAt) > m.closedGrace {
				purge = append(purge, id)
			}
		}
		lock.Unlock()
	}

	for _, change := range changes {
		m.emit(change)
	}

	if len(purge) > 0 {
		m.mu.Lock()
		for _, id := range purge {
			delete(m.rooms, id)
			delete(m.locks, id)
		}
		m.mu.Unlock()

		metrics.ActiveRooms.Sub(float64(len(purge)))
		logging.Info("purged closed rooms", map[string]interface{}{
			"count": len(purge),
		})
	}
}

// transitionLocked applies a state change; caller holds the room lock
func (m *Manager) transitionLocked(room *Room, next State, winner string) *StateChange {
	if room.state == next {
		return nil
	}
	change := &StateChange{RoomID: room.ID, From: room.state, To: next, Winner: winner}
	logging.Info("room state transition", map[string]interface{}{
		"room_id": room.ID,
		"from":    room.state.String(),
		"to":      next.String(),
	})
	room.state = next
	room.lastActivity = m.now()
	if next == StateClosed {
		room.closedAt = m.now()
	}
	return change
}

// emit delivers a state change outside any lock
func (m *Manager) emit(change *StateChange) {
	if change != nil && m.onStateChange != nil {
		m.onStateChange(*change)
	}
}

// RoomCount returns the number of hosted rooms
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
