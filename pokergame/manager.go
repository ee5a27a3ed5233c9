package pokergame

import (
	"fmt"

	"github.com/decred/slog"
	"github.com/vctt94/bisonbotkit/utils"
)

// NewRoomManager builds the registry. The notifier and hooks are shared by
// every room the manager creates and are assigned before the first
// CreateRoom call.
func NewRoomManager(log slog.Logger) *RoomManager {
	return &RoomManager{rooms: make(map[string]*Room), Log: log}
}

// CreateRoom builds a room with a fresh engine instance and registers it.
// A zero cfg.ID gets a random identifier assigned.
func (m *RoomManager) CreateRoom(cfg RoomConfig) (*Room, error) {
	if m.NewEngine == nil {
		return nil, fmt.Errorf("room manager has no engine factory")
	}
	if cfg.ID == "" {
		id, err := utils.GenerateRandomString(16)
		if err != nil {
			return nil, fmt.Errorf("generate room id: %w", err)
		}
		cfg.ID = id
	}

	m.mu.Lock()
	if _, exists := m.rooms[cfg.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("room %s already exists", cfg.ID)
	}
	m.mu.Unlock()

	engine, err := m.NewEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("create engine for room %s: %w", cfg.ID, err)
	}
	room, err := NewRoom(cfg, engine, m.Log, m.Notifier, m.OnHandComplete)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.rooms[cfg.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("room %s already exists", cfg.ID)
	}
	m.rooms[cfg.ID] = room
	total := len(m.rooms)
	m.mu.Unlock()

	m.Log.Debugf("room %s created (total rooms: %d)", cfg.ID, total)
	return room, nil
}

// GetRoom looks a room up by id, nil when absent.
func (m *RoomManager) GetRoom(id string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[id]
}

// RoomsSnapshot returns a shallow copy of the live rooms.
func (m *RoomManager) RoomsSnapshot() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// RemoveRoom unregisters a room and fires the removal hook. Rooms are
// destroyed when their last player departs; the hook is where session
// closure happens.
func (m *RoomManager) RemoveRoom(id string) error {
	m.mu.Lock()
	_, ok := m.rooms[id]
	if ok {
		delete(m.rooms, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}

	m.Log.Debugf("room %s removed", id)
	if m.OnRoomRemoved != nil {
		m.OnRoomRemoved(id)
	}
	return nil
}

// ReapEmptyRooms removes every room whose last player has departed and
// returns the removed ids. Callers run this after draining departures.
func (m *RoomManager) ReapEmptyRooms() []string {
	var empty []string
	for _, room := range m.RoomsSnapshot() {
		if room.PlayerCount() == 0 {
			empty = append(empty, room.Config().ID)
		}
	}
	for _, id := range empty {
		_ = m.RemoveRoom(id)
	}
	return empty
}
