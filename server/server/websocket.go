package server

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum logical message size. Screencast frames are base64 JPEG
	// and routinely run into hundreds of KB.
	maxMessageSize = 4 * 1024 * 1024
)

var upgrader = websocket.Upgrader{
	// Devices and admin UIs connect from arbitrary origins; auth is
	// token-based, not origin-based.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleDeviceConnection upgrades /ws/device. The persistent device
// token is resolved before the upgrade: an unresolvable token is a
// plain HTTP rejection, the device gets no socket to retry on.
func (s *Server) HandleDeviceConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	deviceID, err := s.auth.AuthenticateDevice(r.Context(), token)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("device handshake rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	d := NewDeviceConn(deviceID, conn)
	if prev := s.registerDevice(d); prev != nil {
		// Supersede: the old socket must be actively closed, otherwise
		// it dangles until its own ping timeout.
		s.log.Info().Str("device", deviceID).Msg("closing superseded connection")
		prev.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "superseded"),
			time.Now().Add(writeWait))
		prev.close()
		prev.conn.Close()
	}

	go s.writePump(conn, d.send)
	s.deviceReadLoop(d)
}

// HandleAdminConnection upgrades /ws/admin. The JWT is checked after
// the upgrade, since WebSocket handshakes cannot reliably carry custom
// auth headers cross-origin. A bad token gets an accepted-then-closed
// socket with a policy-violation status.
func (s *Server) HandleAdminConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	username, err := s.auth.AuthenticateAdmin(r.URL.Query().Get("token"))
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("admin rejected")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	a := NewAdminConn(username, conn)
	s.registerAdmin(a)

	go s.writePump(conn, a.send)
	s.adminReadLoop(a)
}

func (s *Server) deviceReadLoop(d *DeviceConn) {
	defer func() {
		s.unregisterDevice(d)
		d.conn.Close()
	}()

	s.prepareRead(d.conn, func() { d.touch() })

	var buf bytes.Buffer
	for {
		data, err := readLogicalMessage(d.conn, &buf)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Str("device", d.ID).Msg("read error")
			}
			return
		}
		d.touch()

		env, err := DecodeEnvelope(data)
		if err != nil {
			s.log.Debug().Err(err).Str("device", d.ID).Msg("dropping malformed message")
			continue
		}
		s.handleDeviceEvent(d, env)
	}
}

func (s *Server) adminReadLoop(a *AdminConn) {
	defer func() {
		s.unregisterAdmin(a)
		a.conn.Close()
	}()

	s.prepareRead(a.conn, nil)

	var buf bytes.Buffer
	for {
		data, err := readLogicalMessage(a.conn, &buf)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Str("admin", a.ID).Msg("read error")
			}
			return
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			s.log.Debug().Err(err).Str("admin", a.ID).Msg("dropping malformed message")
			continue
		}
		s.handleAdminEvent(a, env)
	}
}

func (s *Server) prepareRead(conn *websocket.Conn, onPong func()) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		if onPong != nil {
			onPong()
		}
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// readLogicalMessage accumulates transport frames until the message
// boundary and returns the complete payload. A close frame arriving
// mid-accumulation surfaces as the read error, aborting the message
// rather than truncating it. buf is reused across calls: the returned
// bytes are valid only until the next read, so anything that outlives
// the handling scope must be copied (decoding into typed payloads
// does that).
func readLogicalMessage(conn *websocket.Conn, buf *bytes.Buffer) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	_, r, err := conn.NextReader()
	if err != nil {
		return nil, err
	}
	buf.Reset()
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writePump drains one connection's send queue onto its socket and owns
// all writes to it, including liveness pings. It exits when the queue
// closes or a write fails; a failed write tears down only this
// connection via its read loop.
func (s *Server) writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
