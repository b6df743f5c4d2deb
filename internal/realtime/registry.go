// Package realtime pushes freshly ingested measurements to live connections.
//
// Connections are grouped two ways: every connection sits in the owner group
// of the user it authenticated as, and in any number of device groups it
// joined explicitly. A measurement goes to the union of its owner's group and
// its device's group, each connection at most once.
package realtime

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrUnknownConnection   = errors.New("realtime: unknown connection")
	ErrDuplicateConnection = errors.New("realtime: connection already registered")
)

// GroupKey names a group. Owner and device keys live in disjoint namespaces.
type GroupKey string

func OwnerGroup(userID string) GroupKey { return GroupKey("owner:" + userID) }

func DeviceGroup(deviceID uuid.UUID) GroupKey { return GroupKey("device:" + deviceID.String()) }

type membership struct {
	owner   GroupKey
	devices map[GroupKey]struct{}
}

// Registry tracks group membership of live connections. It is the only
// shared mutable state of the fan-out and is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	groups map[GroupKey]map[string]struct{}
	conns  map[string]*membership
}

func NewRegistry() *Registry {
	return &Registry{
		groups: map[GroupKey]map[string]struct{}{},
		conns:  map[string]*membership{},
	}
}

func (r *Registry) add(key GroupKey, connID string) {
	m := r.groups[key]
	if m == nil {
		m = map[string]struct{}{}
		r.groups[key] = m
	}
	m[connID] = struct{}{}
}

func (r *Registry) remove(key GroupKey, connID string) {
	m := r.groups[key]
	if m == nil {
		return
	}
	delete(m, connID)
	if len(m) == 0 {
		delete(r.groups, key)
	}
}

// OnConnect places connID in the owner group of userID.
func (r *Registry) OnConnect(connID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return ErrDuplicateConnection
	}
	owner := OwnerGroup(userID)
	r.conns[connID] = &membership{owner: owner, devices: map[GroupKey]struct{}{}}
	r.add(owner, connID)
	return nil
}

// OnDisconnect drops connID from every group. Calling it again is a no-op.
func (r *Registry) OnDisconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mem, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	r.remove(mem.owner, connID)
	for key := range mem.devices {
		r.remove(key, connID)
	}
}

// Join adds connID to the device group. Joining twice is a no-op.
func (r *Registry) Join(connID string, deviceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mem, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	key := DeviceGroup(deviceID)
	mem.devices[key] = struct{}{}
	r.add(key, connID)
	return nil
}

// Leave removes connID from the device group. Leaving a group the
// connection is not in is a no-op.
func (r *Registry) Leave(connID string, deviceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mem, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	key := DeviceGroup(deviceID)
	if _, joined := mem.devices[key]; !joined {
		return nil
	}
	delete(mem.devices, key)
	r.remove(key, connID)
	return nil
}

// MembersOf returns a point-in-time copy of the group's members.
func (r *Registry) MembersOf(key GroupKey) []string {
	return r.Union(key)
}

// Union returns the deduplicated members of all keys, taken under one lock
// so the snapshot is consistent across groups.
func (r *Registry) Union(keys ...GroupKey) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, k := range keys {
		n += len(r.groups[k])
	}
	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for _, k := range keys {
		for id := range r.groups[k] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Joined reports the device groups connID is currently in.
func (r *Registry) Joined(connID string) []GroupKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mem, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]GroupKey, 0, len(mem.devices))
	for k := range mem.devices {
		out = append(out, k)
	}
	return out
}

// Stats returns the number of registered connections and non-empty groups.
func (r *Registry) Stats() (connections, groups int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.groups)
}
