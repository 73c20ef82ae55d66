package server

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownConnection is returned when a room operation names a connection
// that is not (or no longer) registered.
var ErrUnknownConnection = errors.New("unknown connection")

// RoomIndex maps rooms to member connections and connections to rooms.
// Both directions are guarded by one lock, so readers never observe a
// membership recorded on one side only.
type RoomIndex struct {
	mu       sync.RWMutex
	members  map[string]map[string]struct{} // roomID -> connIDs
	rooms    map[string]map[string]struct{} // connID -> roomIDs
	registry *Registry
}

// NewRoomIndex creates an empty index validated against registry.
func NewRoomIndex(registry *Registry) *RoomIndex {
	return &RoomIndex{
		members:  make(map[string]map[string]struct{}),
		rooms:    make(map[string]map[string]struct{}),
		registry: registry,
	}
}

// Join adds connID to roomID, creating the room if needed. It reports
// whether the membership is new; joining twice is a no-op.
func (ri *RoomIndex) Join(connID, roomID string) (bool, error) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	// Checked under the index lock: teardown unregisters before dropping, so a
	// join can never resurrect membership for a departed connection.
	if ri.registry != nil && !ri.registry.Has(connID) {
		return false, ErrUnknownConnection
	}

	if _, ok := ri.members[roomID][connID]; ok {
		return false, nil
	}

	if ri.members[roomID] == nil {
		ri.members[roomID] = make(map[string]struct{})
	}
	if ri.rooms[connID] == nil {
		ri.rooms[connID] = make(map[string]struct{})
	}
	ri.members[roomID][connID] = struct{}{}
	ri.rooms[connID][roomID] = struct{}{}
	return true, nil
}

// Leave removes connID from roomID and reports whether it was a member.
func (ri *RoomIndex) Leave(connID, roomID string) bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	return ri.removeLocked(connID, roomID)
}

func (ri *RoomIndex) removeLocked(connID, roomID string) bool {
	members, ok := ri.members[roomID]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}

	delete(members, connID)
	if len(members) == 0 {
		delete(ri.members, roomID)
	}

	if joined := ri.rooms[connID]; joined != nil {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(ri.rooms, connID)
		}
	}
	return true
}

// DropConnection removes connID from every room and returns the rooms it left.
func (ri *RoomIndex) DropConnection(connID string) []string {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	joined := ri.rooms[connID]
	left := make([]string, 0, len(joined))
	for roomID := range joined {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		ri.removeLocked(connID, roomID)
	}
	return left
}

// MembersOf returns a snapshot of the connections in roomID.
func (ri *RoomIndex) MembersOf(roomID string) []string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()

	return keys(ri.members[roomID])
}

// RoomsOf returns a snapshot of the rooms connID belongs to.
func (ri *RoomIndex) RoomsOf(connID string) []string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()

	return keys(ri.rooms[connID])
}

// IsMember reports whether connID currently belongs to roomID.
func (ri *RoomIndex) IsMember(connID, roomID string) bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()

	_, ok := ri.members[roomID][connID]
	return ok
}

// MemberCount returns the number of connections in roomID.
func (ri *RoomIndex) MemberCount(roomID string) int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.members[roomID])
}

// Count returns the number of non-empty rooms.
func (ri *RoomIndex) Count() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.members)
}

func keys(set map[string]struct{}) []string {
	result := make([]string, 0, len(set))
	for key := range set {
		result = append(result, key)
	}
	return result
}
