package server

import (
	"sync"

	"github.com/rs/zerolog"
)

// DeviceCommandSender delivers a bare command envelope to a device.
// Implemented by the Server over the registry; sends must not block.
type DeviceCommandSender interface {
	SendCommand(deviceID, event string) bool
}

// Coordinator reference-counts admin observers per device so one
// physical capture session multiplexes to any number of viewers. The
// device sees screencast:start only on the 0→1 transition and
// screencast:stop only on 1→0.
//
// Commands are emitted while the lock is held. Sends are non-blocking
// queue pushes, and keeping them inside the critical section is what
// guarantees start/stop can never reach the device out of order.
type Coordinator struct {
	log    zerolog.Logger
	sender DeviceCommandSender

	mu       sync.Mutex
	counts   map[string]int    // deviceId → observer count, entries only while ≥ 1
	bindings map[string]string // adminConnectionId → deviceId, at most one per admin
}

func NewCoordinator(sender DeviceCommandSender, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		log:      log.With().Str("component", "screencast").Logger(),
		sender:   sender,
		counts:   make(map[string]int),
		bindings: make(map[string]string),
	}
}

// AdminStart binds adminID to deviceID's stream. The first observer
// starts the capture; later observers join silently. An admin already
// watching another device is moved, releasing the old stream first.
func (c *Coordinator) AdminStart(adminID, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.bindings[adminID]; ok {
		if cur == deviceID {
			return
		}
		c.releaseLocked(adminID)
	}

	c.bindings[adminID] = deviceID
	n := c.counts[deviceID]
	c.counts[deviceID] = n + 1
	if n == 0 {
		if !c.sender.SendCommand(deviceID, EventScreencastStart) {
			c.log.Warn().Str("device", deviceID).Msg("screencast start not delivered")
		}
	}
	c.log.Debug().Str("device", deviceID).Str("admin", adminID).Int("observers", n+1).Msg("observer joined")
}

// AdminStop releases adminID's binding, if any. The last observer out
// stops the capture.
func (c *Coordinator) AdminStop(adminID string) {
	c.mu.Lock()
	c.releaseLocked(adminID)
	c.mu.Unlock()
}

// AdminStopDevice releases adminID's binding only when it matches
// deviceID. A stop naming a device the admin is not watching must not
// release whatever stream the admin actually holds.
func (c *Coordinator) AdminStopDevice(adminID, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.bindings[adminID]; !ok || cur != deviceID {
		c.log.Debug().Str("admin", adminID).Str("device", deviceID).Msg("stop for device not watched")
		return
	}
	c.releaseLocked(adminID)
}

// ReleaseAdmin is the implicit stop on admin disconnect.
func (c *Coordinator) ReleaseAdmin(adminID string) {
	c.AdminStop(adminID)
}

// DropDevice clears all state for a disconnected device. The physical
// capture died with the socket, so no stop is sent and a later
// reconnect starts clean at idle. Stale admin bindings are removed so
// their eventual release cannot decrement a revived counter.
func (c *Coordinator) DropDevice(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.counts, deviceID)
	for admin, dev := range c.bindings {
		if dev == deviceID {
			delete(c.bindings, admin)
		}
	}
}

// Observers reports the current count for a device.
func (c *Coordinator) Observers(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[deviceID]
}

func (c *Coordinator) releaseLocked(adminID string) {
	deviceID, ok := c.bindings[adminID]
	if !ok {
		return
	}
	delete(c.bindings, adminID)

	n := c.counts[deviceID]
	if n <= 0 {
		// Count and binding disagree; clamp rather than go negative or
		// emit a spurious stop.
		c.log.Warn().Str("device", deviceID).Str("admin", adminID).Msg("release with zero ref count")
		delete(c.counts, deviceID)
		return
	}
	n--
	if n == 0 {
		delete(c.counts, deviceID)
		if !c.sender.SendCommand(deviceID, EventScreencastStop) {
			c.log.Warn().Str("device", deviceID).Msg("screencast stop not delivered")
		}
	} else {
		c.counts[deviceID] = n
	}
	c.log.Debug().Str("device", deviceID).Str("admin", adminID).Int("observers", n).Msg("observer left")
}
