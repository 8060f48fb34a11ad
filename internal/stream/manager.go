// Package stream tracks live rooms and describes how their renditions are
// laid out in the media and metadata stores.
package stream

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Room is a live publish session as seen by the API.
type Room struct {
	Key          string    `json:"room"`
	Organization string    `json:"organization,omitempty"`
	ConnectionID string    `json:"connectionId"`
	StartedAt    time.Time `json:"startedAt"`

	mu     sync.RWMutex
	status RoomStatus
	done   chan struct{}
}

// RoomStatus is the mutable part of a room.
type RoomStatus struct {
	Codecs      string  `json:"codecs,omitempty"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	FrameRate   float64 `json:"frameRate,omitempty"`
	BitrateBps  int64   `json:"bitrateBps"`
	Transcoding bool    `json:"transcoding"`
}

// Status returns a snapshot of the room status.
func (r *Room) Status() RoomStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Update applies fn to the room status.
func (r *Room) Update(fn func(*RoomStatus)) {
	r.mu.Lock()
	fn(&r.status)
	r.mu.Unlock()
}

// Done is closed when the room is removed.
func (r *Room) Done() <-chan struct{} { return r.done }

// Manager manages the lifecycle of active rooms.
type Manager struct {
	log   *slog.Logger
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewManager creates a new room manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:   log.With("component", "stream-manager"),
		rooms: make(map[string]*Room),
	}
}

// Create registers a new room. Returns the room and true if created, or nil
// and false if the room is already live.
func (m *Manager) Create(key, organization, connectionID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[key]; ok {
		m.log.Warn("room already live, rejecting duplicate", "room", key)
		return nil, false
	}

	r := &Room{
		Key:          key,
		Organization: organization,
		ConnectionID: connectionID,
		StartedAt:    time.Now(),
		done:         make(chan struct{}),
	}

	m.rooms[key] = r
	m.log.Info("room created", "room", key, "connection_id", connectionID)
	return r, true
}

// Get returns the live room with the given key.
func (m *Manager) Get(key string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[key]
	return r, ok
}

// Remove removes a room if it still belongs to connectionID. A stale
// session cannot remove the room of a newer one.
func (m *Manager) Remove(key, connectionID string) {
	m.mu.Lock()
	r, ok := m.rooms[key]
	if ok && r.ConnectionID == connectionID {
		delete(m.rooms, key)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		close(r.done)
		m.log.Info("room removed", "room", key, "connection_id", connectionID)
	}
}

// List returns all live rooms ordered by key.
func (m *Manager) List() []*Room {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Key < rooms[j].Key })
	return rooms
}
