// Package session tracks the live participants of each threat model room on
// this gateway process, and bridges presence events to other gateway
// instances over Redis pub/sub. Presence state stays process-local; the
// authoritative document never lives here.
package session

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Event is the outbound envelope fanned out to room participants.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(name string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Name: name, Data: raw}
}

type Cursor struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ElementID string  `json:"elementId,omitempty"`
}

type Typing struct {
	ElementID   string `json:"elementId"`
	ElementType string `json:"elementType,omitempty"`
}

// Participant is the presence state of one connection in one room.
type Participant struct {
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	Cursor      *Cursor   `json:"cursor,omitempty"`
	Selection   []string  `json:"selection"`
	Typing      *Typing   `json:"typing,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type member struct {
	participant Participant
	out         chan Event
}

type room struct {
	members map[string]*member // keyed by connection id
}

// Registry owns the per-document participant sets for this process. All
// access goes through its methods; there is no ambient shared state.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// Join adds a connection to a document room and returns its outbound event
// channel plus a snapshot of everyone already present (joiner excluded).
func (r *Registry) Join(documentID, connID, userID, username string, buffer int) (chan Event, []Participant) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[documentID]
	if !ok {
		rm = &room{members: make(map[string]*member)}
		r.rooms[documentID] = rm
	}

	snapshot := make([]Participant, 0, len(rm.members))
	for _, m := range rm.members {
		snapshot = append(snapshot, m.participant)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].ConnectedAt.Before(snapshot[j].ConnectedAt)
	})

	rm.members[connID] = &member{
		participant: Participant{
			UserID:      userID,
			Username:    username,
			Selection:   []string{},
			ConnectedAt: time.Now().UTC(),
		},
		out: ch,
	}
	return ch, snapshot
}

// Leave removes a connection from a room, closing its channel. The empty room
// is garbage-collected. The second return reports whether the connection was
// actually present, so callers emit the departure notification exactly once.
func (r *Registry) Leave(documentID, connID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[documentID]
	if !ok {
		return Participant{}, false
	}
	m, ok := rm.members[connID]
	if !ok {
		return Participant{}, false
	}
	delete(rm.members, connID)
	close(m.out)
	if len(rm.members) == 0 {
		delete(r.rooms, documentID)
	}
	return m.participant, true
}

// Broadcast fans an event out to every member of the room except excludeConn.
// Slow consumers are skipped rather than blocking the room.
func (r *Registry) Broadcast(documentID string, evt Event, excludeConn string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[documentID]
	if !ok {
		return
	}
	for connID, m := range rm.members {
		if connID == excludeConn {
			continue
		}
		select {
		case m.out <- evt:
		default:
		}
	}
}

// Participants returns the current presence snapshot of a room.
func (r *Registry) Participants(documentID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[documentID]
	if !ok {
		return nil
	}
	out := make([]Participant, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, m.participant)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (r *Registry) UpdateCursor(documentID, connID string, c Cursor) bool {
	return r.mutate(documentID, connID, func(p *Participant) {
		cc := c
		p.Cursor = &cc
	})
}

func (r *Registry) SetTyping(documentID, connID string, t Typing) bool {
	return r.mutate(documentID, connID, func(p *Participant) {
		tt := t
		p.Typing = &tt
	})
}

func (r *Registry) ClearTyping(documentID, connID string) bool {
	return r.mutate(documentID, connID, func(p *Participant) {
		p.Typing = nil
	})
}

// UpdateSelection applies a selection action (replace, add, remove) and
// returns the resulting element id set.
func (r *Registry) UpdateSelection(documentID, connID string, elementIDs []string, action string) ([]string, bool) {
	var result []string
	ok := r.mutate(documentID, connID, func(p *Participant) {
		switch action {
		case "add":
			present := make(map[string]struct{}, len(p.Selection))
			for _, id := range p.Selection {
				present[id] = struct{}{}
			}
			for _, id := range elementIDs {
				if _, dup := present[id]; !dup {
					p.Selection = append(p.Selection, id)
					present[id] = struct{}{}
				}
			}
		case "remove":
			drop := make(map[string]struct{}, len(elementIDs))
			for _, id := range elementIDs {
				drop[id] = struct{}{}
			}
			kept := p.Selection[:0]
			for _, id := range p.Selection {
				if _, gone := drop[id]; !gone {
					kept = append(kept, id)
				}
			}
			p.Selection = kept
		default: // replace
			p.Selection = append([]string{}, elementIDs...)
		}
		result = append([]string{}, p.Selection...)
	})
	return result, ok
}

func (r *Registry) mutate(documentID, connID string, fn func(*Participant)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[documentID]
	if !ok {
		return false
	}
	m, ok := rm.members[connID]
	if !ok {
		return false
	}
	fn(&m.participant)
	return true
}
