package server

import (
	"sort"
	"sync"
)

// Registry is the concurrent store of live connections. It is built and
// injected rather than kept as package state so tests run isolated
// copies. All locking lives inside; callers never take the mutex.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*DeviceConn
	admins  map[string]*AdminConn
}

func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*DeviceConn),
		admins:  make(map[string]*AdminConn),
	}
}

// AddDevice registers a device connection, returning the superseded
// connection when the deviceId was already live. The caller must close
// the returned connection.
func (r *Registry) AddDevice(d *DeviceConn) (prev *DeviceConn) {
	r.mu.Lock()
	prev = r.devices[d.ID]
	r.devices[d.ID] = d
	r.mu.Unlock()
	return prev
}

// RemoveDevice drops d only while it is still the live entry for its
// id. A superseded connection unregistering late must not evict its
// replacement.
func (r *Registry) RemoveDevice(d *DeviceConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[d.ID] != d {
		return false
	}
	delete(r.devices, d.ID)
	return true
}

func (r *Registry) Device(id string) (*DeviceConn, bool) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	return d, ok
}

func (r *Registry) DeviceIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) AddAdmin(a *AdminConn) {
	r.mu.Lock()
	r.admins[a.ID] = a
	r.mu.Unlock()
}

func (r *Registry) RemoveAdmin(a *AdminConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.admins[a.ID] != a {
		return false
	}
	delete(r.admins, a.ID)
	return true
}

// Admins returns a snapshot so fan-out iterates without holding the
// lock across sends.
func (r *Registry) Admins() []*AdminConn {
	r.mu.RLock()
	out := make([]*AdminConn, 0, len(r.admins))
	for _, a := range r.admins {
		out = append(out, a)
	}
	r.mu.RUnlock()
	return out
}

func (r *Registry) AdminCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.admins)
}
