package server

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrDeviceOffline distinguishes a command aimed at an unregistered
// device from any other delivery failure. Control-plane callers turn it
// into a "target offline" response instead of silently succeeding.
var ErrDeviceOffline = errors.New("device offline")

// PlaylistSource looks up the playlist assigned to a device. Returns
// nil when the device has no assignment.
type PlaylistSource interface {
	PlaylistForDevice(ctx context.Context, deviceID string) (*ContentUpdate, error)
}

// ScreenshotStore persists uploaded captures.
type ScreenshotStore interface {
	SaveScreenshot(ctx context.Context, deviceID, image, currentURL string, takenAt time.Time) error
}

// EventSink records gateway events durably, best effort. Record must
// never block the caller.
type EventSink interface {
	Record(deviceID, event, detail string)
}

// Options wires the gateway's collaborators. Zero-value fields get
// working defaults; nil collaborators disable the feature they back.
type Options struct {
	Registry      *Registry
	Auth          *Authenticator
	Playlists     PlaylistSource
	Screenshots   ScreenshotStore
	Events        EventSink
	DisplayConfig ConfigUpdate
	Logger        zerolog.Logger
}

// Server routes envelopes between device and admin connections and owns
// the screencast coordinator.
type Server struct {
	registry    *Registry
	coord       *Coordinator
	auth        *Authenticator
	playlists   PlaylistSource
	screenshots ScreenshotStore
	events      EventSink
	display     ConfigUpdate
	handlers    map[string]AdminHandler
	log         zerolog.Logger
}

func NewServer(opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	s := &Server{
		registry:    opts.Registry,
		auth:        opts.Auth,
		playlists:   opts.Playlists,
		screenshots: opts.Screenshots,
		events:      opts.Events,
		display:     opts.DisplayConfig,
		log:         opts.Logger.With().Str("component", "gateway").Logger(),
	}
	s.coord = NewCoordinator(s, opts.Logger)

	s.handlers = map[string]AdminHandler{
		EventScreencastStart: &screencastStartHandler{},
		EventScreencastStop:  &screencastStopHandler{},
		EventRemoteClick:     &remoteRelayHandler{event: EventRemoteClick},
		EventRemoteType:      &remoteRelayHandler{event: EventRemoteType},
		EventRemoteKey:       &remoteRelayHandler{event: EventRemoteKey},
		EventRemoteScroll:    &remoteRelayHandler{event: EventRemoteScroll},
	}
	return s
}

// Coordinator exposes the screencast coordinator, mainly to tests.
func (s *Server) Coordinator() *Coordinator { return s.coord }

// SendCommand implements DeviceCommandSender: a bare `{event, {}}` push
// to one device. Non-blocking; false when the device is gone or its
// queue is full.
func (s *Server) SendCommand(deviceID, event string) bool {
	d, ok := s.registry.Device(deviceID)
	if !ok {
		return false
	}
	data, err := EncodeEnvelope(event, struct{}{})
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("encode command")
		return false
	}
	return d.trySend(data)
}

// SendToDevice relays an arbitrary payload to one device, surfacing
// ErrDeviceOffline when the target is not registered.
func (s *Server) SendToDevice(deviceID, event string, payload any) error {
	d, ok := s.registry.Device(deviceID)
	if !ok {
		return ErrDeviceOffline
	}
	data, err := EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	if !d.trySend(data) {
		return ErrDeviceOffline
	}
	return nil
}

// OnlineDeviceIDs lists currently registered devices.
func (s *Server) OnlineDeviceIDs() []string {
	return s.registry.DeviceIDs()
}

// broadcastAdmins fans one event out to every registered admin. The
// payload is encoded once; each delivery is a non-blocking push onto
// that admin's queue, drained by its own write pump. A slow or dead
// admin only loses its own messages.
func (s *Server) broadcastAdmins(event string, payload any) {
	data, err := EncodeEnvelope(event, payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}
	for _, a := range s.registry.Admins() {
		if !a.trySend(data) {
			s.log.Debug().Str("admin", a.ID).Str("event", event).Msg("broadcast dropped")
		}
	}
}

func (s *Server) registerDevice(d *DeviceConn) (prev *DeviceConn) {
	prev = s.registry.AddDevice(d)
	s.log.Info().Str("device", d.ID).Msg("device connected")
	s.record(d.ID, "connect", "")
	s.broadcastAdmins(EventAdminDeviceConnected, DevicePresence{DeviceID: d.ID})
	return prev
}

func (s *Server) unregisterDevice(d *DeviceConn) {
	// A superseded connection unregistering after replacement must not
	// cascade: the id is still live on the newer socket.
	if !s.registry.RemoveDevice(d) {
		return
	}
	d.close()
	s.coord.DropDevice(d.ID)
	s.log.Info().Str("device", d.ID).Msg("device disconnected")
	s.record(d.ID, "disconnect", "")
	s.broadcastAdmins(EventAdminDeviceDisconnected, DevicePresence{DeviceID: d.ID})
}

func (s *Server) registerAdmin(a *AdminConn) {
	s.registry.AddAdmin(a)
	s.log.Info().Str("admin", a.ID).Msg("admin connected")

	// Fleet snapshot goes to the new admin only, before any broadcast
	// it might observe.
	if data, err := EncodeEnvelope(EventAdminDevicesSync, DevicesSync{DeviceIDs: s.registry.DeviceIDs()}); err == nil {
		a.trySend(data)
	}
}

func (s *Server) unregisterAdmin(a *AdminConn) {
	if !s.registry.RemoveAdmin(a) {
		return
	}
	a.close()
	s.coord.ReleaseAdmin(a.ID)
	s.log.Info().Str("admin", a.ID).Int64("dropped", a.dropped.Load()).Msg("admin disconnected")
}

// pushDeviceState sends the current display config and assigned
// playlist to a freshly registered device.
func (s *Server) pushDeviceState(ctx context.Context, d *DeviceConn) {
	if data, err := EncodeEnvelope(EventConfigUpdate, s.display); err == nil {
		d.trySend(data)
	}
	if s.playlists == nil {
		return
	}
	content, err := s.playlists.PlaylistForDevice(ctx, d.ID)
	if err != nil {
		s.log.Error().Err(err).Str("device", d.ID).Msg("playlist lookup")
		return
	}
	if content == nil {
		return
	}
	if data, err := EncodeEnvelope(EventContentUpdate, content); err == nil {
		d.trySend(data)
	}
}

func (s *Server) record(deviceID, event, detail string) {
	if s.events != nil {
		s.events.Record(deviceID, event, detail)
	}
}
