// Package room holds the process-wide volatile room state: who is present in
// each room and the room's last known code buffer.
//
// A Registry is created empty at startup and torn down with Reset on
// shutdown. Mutations are made by the socket hub's event goroutine; the lock
// exists so read-only callers (stats, tests) can observe it safely.
package room

import (
	"sort"
	"sync"
)

// Entry ties one live connection to a display identity within a room.
// Entries are keyed by ConnID; a user connected twice holds two entries.
type Entry struct {
	UserID   string
	Username string
	ConnID   string
}

type state struct {
	entries []Entry
	buffer  string
}

// Departure reports a room that lost an entry and who remains in it.
type Departure struct {
	Room    string
	Members []Entry
}

type Registry struct {
	rooms map[string]*state
	mu    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*state)}
}

// get returns the room's state, creating it if absent. Callers hold mu.
func (r *Registry) get(code string) *state {
	s, ok := r.rooms[code]
	if !ok {
		s = &state{entries: make([]Entry, 0)}
		r.rooms[code] = s
	}
	return s
}

// Join adds e to the room unless its connection is already present. It
// returns the full membership, the buffer to replay to the joiner, and
// whether an entry was added.
func (r *Registry) Join(code string, e Entry) ([]Entry, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(code)
	for _, existing := range s.entries {
		if existing.ConnID == e.ConnID {
			return cloneEntries(s.entries), s.buffer, false
		}
	}
	s.entries = append(s.entries, e)
	return cloneEntries(s.entries), s.buffer, true
}

// Leave removes the connection's entry from one room.
func (r *Registry) Leave(code, connID string) ([]Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.rooms[code]
	if !ok {
		return nil, false
	}
	removed := s.remove(connID)
	return cloneEntries(s.entries), removed
}

// LeaveAll removes every entry held by the connection. Rooms left empty keep
// an empty membership list; nothing is evicted. Departures are ordered by room.
func (r *Registry) LeaveAll(connID string) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Departure
	for code, s := range r.rooms {
		if s.remove(connID) {
			out = append(out, Departure{Room: code, Members: cloneEntries(s.entries)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

func (s *state) remove(connID string) bool {
	kept := s.entries[:0]
	removed := false
	for _, e := range s.entries {
		if e.ConnID == connID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

func (r *Registry) Members(code string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.rooms[code]
	if !ok {
		return []Entry{}
	}
	return cloneEntries(s.entries)
}

func (r *Registry) IsMember(code, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.rooms[code]
	if !ok {
		return false
	}
	for _, e := range s.entries {
		if e.ConnID == connID {
			return true
		}
	}
	return false
}

// Code returns the room's buffer, or "" for a room that was never edited.
func (r *Registry) Code(code string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.rooms[code]; ok {
		return s.buffer
	}
	return ""
}

// Apply overwrites the room's buffer (last write wins) and returns the
// connections that must receive it: everyone in the room except the sender.
func (r *Registry) Apply(code, text, senderConnID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(code)
	s.buffer = text
	return s.recipients(senderConnID)
}

// Recipients lists the room's connections, minus exclude when non-empty.
func (r *Registry) Recipients(code, exclude string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.rooms[code]
	if !ok {
		return nil
	}
	return s.recipients(exclude)
}

func (s *state) recipients(exclude string) []string {
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		if e.ConnID != exclude {
			out = append(out, e.ConnID)
		}
	}
	return out
}

// ActiveRooms maps each room with at least one entry to its entry count.
func (r *Registry) ActiveRooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make(map[string]int)
	for code, s := range r.rooms {
		if len(s.entries) > 0 {
			active[code] = len(s.entries)
		}
	}
	return active
}

// RoomCount counts every room known to the registry, including empty ones.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Reset drops all state.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = make(map[string]*state)
}

func cloneEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
