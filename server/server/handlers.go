package server

import (
	"context"
	"encoding/json"
	"time"
)

// handleDeviceEvent routes one decoded envelope from a device. Unknown
// events are a forward-compatible no-op; malformed payloads drop the
// message, never the connection.
func (s *Server) handleDeviceEvent(d *DeviceConn, env Envelope) {
	switch env.Event {
	case EventDeviceRegister:
		s.pushDeviceState(context.Background(), d)

	case EventHealthReport:
		var report HealthReport
		if !s.decode(d.ID, env, &report) {
			return
		}
		s.broadcastAdmins(EventAdminDeviceHealth, DeviceHealthEvent{
			DeviceID: d.ID,
			CPU:      report.CPU,
			Mem:      report.Mem,
			Disk:     report.Disk,
			TS:       report.TS,
		})

	case EventDeviceStatus:
		var report StatusReport
		if !s.decode(d.ID, env, &report) {
			return
		}
		s.record(d.ID, "status", report.Status)
		s.broadcastAdmins(EventAdminDeviceStatus, DeviceStatusEvent{
			DeviceID: d.ID,
			Status:   report.Status,
			TS:       time.Now().Unix(),
		})

	case EventErrorReport:
		var report ErrorReport
		if !s.decode(d.ID, env, &report) {
			return
		}
		s.record(d.ID, "error", report.Error)
		s.broadcastAdmins(EventAdminDeviceError, DeviceErrorEvent{
			DeviceID: d.ID,
			Error:    report.Error,
			TS:       time.Now().Unix(),
		})

	case EventScreenshotUpload:
		var shot ScreenshotUpload
		if !s.decode(d.ID, env, &shot) {
			return
		}
		if err := shot.Validate(); err != nil {
			s.log.Debug().Err(err).Str("device", d.ID).Msg("screenshot rejected")
			return
		}
		takenAt := time.Now()
		if s.screenshots != nil {
			// Decoding copied the fields out of the read buffer, so the
			// persist goroutine holds no reference into the parser.
			go func() {
				if err := s.screenshots.SaveScreenshot(context.Background(), d.ID, shot.Image, shot.CurrentURL, takenAt); err != nil {
					s.log.Error().Err(err).Str("device", d.ID).Msg("persist screenshot")
				}
			}()
		}
		s.broadcastAdmins(EventAdminScreenshot, ScreenshotEvent{
			DeviceID:   d.ID,
			Image:      shot.Image,
			CurrentURL: shot.CurrentURL,
			TS:         takenAt.Unix(),
		})

	case EventScreencastFrame:
		var frame ScreencastFrame
		if !s.decode(d.ID, env, &frame) {
			return
		}
		if err := frame.Validate(); err != nil {
			return
		}
		s.broadcastAdmins(EventAdminScreencastFrame, ScreencastFrameEvent{
			DeviceID: d.ID,
			Data:     frame.Data,
			Metadata: frame.Metadata,
		})

	default:
		s.log.Debug().Str("device", d.ID).Str("event", env.Event).Msg("ignoring unknown event")
	}
}

func (s *Server) decode(deviceID string, env Envelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		s.log.Debug().Err(err).Str("device", deviceID).Str("event", env.Event).Msg("bad payload")
		return false
	}
	return true
}

// AdminHandler processes one admin-issued command. Validate runs before
// Handle so malformed commands are dropped without side effects.
type AdminHandler interface {
	Validate(env Envelope) error
	Handle(s *Server, a *AdminConn, env Envelope) error
}

// handleAdminEvent dispatches an admin envelope through the handler
// registry. Unknown events are ignored.
func (s *Server) handleAdminEvent(a *AdminConn, env Envelope) {
	handler, ok := s.handlers[env.Event]
	if !ok {
		s.log.Debug().Str("admin", a.ID).Str("event", env.Event).Msg("ignoring unknown event")
		return
	}
	if err := handler.Validate(env); err != nil {
		s.log.Debug().Err(err).Str("admin", a.ID).Str("event", env.Event).Msg("command rejected")
		return
	}
	if err := handler.Handle(s, a, env); err != nil {
		s.log.Warn().Err(err).Str("admin", a.ID).Str("event", env.Event).Msg("command failed")
	}
}

type screencastStartHandler struct{}

func (h *screencastStartHandler) Validate(env Envelope) error {
	var req ScreencastRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return err
	}
	return req.Validate()
}

func (h *screencastStartHandler) Handle(s *Server, a *AdminConn, env Envelope) error {
	var req ScreencastRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return err
	}
	if _, ok := s.registry.Device(req.DeviceID); !ok {
		return ErrDeviceOffline
	}
	s.coord.AdminStart(a.ID, req.DeviceID)
	return nil
}

type screencastStopHandler struct{}

func (h *screencastStopHandler) Validate(env Envelope) error {
	var req ScreencastRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return err
	}
	return req.Validate()
}

func (h *screencastStopHandler) Handle(s *Server, a *AdminConn, env Envelope) error {
	var req ScreencastRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return err
	}
	s.coord.AdminStopDevice(a.ID, req.DeviceID)
	return nil
}

// remoteRelayHandler forwards admin input events 1:1 to the addressed
// device. The payload travels as received; the device ignores the
// routing field.
type remoteRelayHandler struct {
	event string
}

func (h *remoteRelayHandler) Validate(env Envelope) error {
	var cmd RemoteCommand
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		return err
	}
	return cmd.Validate()
}

func (h *remoteRelayHandler) Handle(s *Server, a *AdminConn, env Envelope) error {
	var cmd RemoteCommand
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		return err
	}
	s.record(cmd.DeviceID, h.event, "by "+a.ID)
	return s.SendToDevice(cmd.DeviceID, h.event, json.RawMessage(env.Payload))
}
