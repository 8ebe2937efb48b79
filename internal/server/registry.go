package server

import (
	"errors"
	"sync"

	"github.com/npezzotti/go-chatrelay/internal/stats"
)

var ErrAlreadyJoined = errors.New("connection already joined a room")

// Registry maps room ids to the connections currently in them. A room is
// present only while it has members, and a connection belongs to at most
// one room. No I/O happens while mu is held.
type Registry struct {
	mu      sync.Mutex
	rooms   map[int]map[*Conn]struct{}
	members map[*Conn]int
	stats   stats.StatsProvider
}

func NewRegistry(su stats.StatsProvider) *Registry {
	return &Registry{
		rooms:   make(map[int]map[*Conn]struct{}),
		members: make(map[*Conn]int),
		stats:   su,
	}
}

// Join adds c to roomId, creating the room entry if needed.
func (r *Registry) Join(roomId int, c *Conn) error {
	r.mu.Lock()
	if _, ok := r.members[c]; ok {
		r.mu.Unlock()
		return ErrAlreadyJoined
	}

	conns, ok := r.rooms[roomId]
	if !ok {
		conns = make(map[*Conn]struct{})
		r.rooms[roomId] = conns
	}
	conns[c] = struct{}{}
	r.members[c] = roomId
	r.mu.Unlock()

	if !ok {
		r.stats.Incr(stats.NumActiveRooms)
	}
	return nil
}

// Leave removes c from roomId and drops the room once empty. Leaving a
// room c is not in does nothing. It reports whether c was removed.
func (r *Registry) Leave(roomId int, c *Conn) bool {
	r.mu.Lock()
	if joined, ok := r.members[c]; !ok || joined != roomId {
		r.mu.Unlock()
		return false
	}

	conns := r.rooms[roomId]
	delete(conns, c)
	delete(r.members, c)

	emptied := len(conns) == 0
	if emptied {
		delete(r.rooms, roomId)
	}
	r.mu.Unlock()

	if emptied {
		r.stats.Decr(stats.NumActiveRooms)
	}
	return true
}

// Members returns a copy of the connections in roomId.
func (r *Registry) Members(roomId int) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.rooms[roomId]
	snapshot := make([]*Conn, 0, len(conns))
	for c := range conns {
		snapshot = append(snapshot, c)
	}
	return snapshot
}

func (r *Registry) NumRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) NumConns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
