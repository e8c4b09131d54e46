// Package store backs the gateway's external collaborators with a
// single SQLite database: device identity (token → deviceId), playlist
// assignment, screenshot persistence, admin credentials, and the
// best-effort event log.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"signagehub/server/server"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	token_hash TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS playlists (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS playlist_items (
	playlist_id      TEXT NOT NULL REFERENCES playlists(id),
	position         INTEGER NOT NULL,
	url              TEXT NOT NULL,
	duration_seconds INTEGER NOT NULL DEFAULT 10,
	PRIMARY KEY (playlist_id, position)
);

CREATE TABLE IF NOT EXISTS device_playlists (
	device_id   TEXT PRIMARY KEY REFERENCES devices(id),
	playlist_id TEXT NOT NULL REFERENCES playlists(id)
);

CREATE TABLE IF NOT EXISTS screenshots (
	device_id   TEXT NOT NULL,
	taken_at    INTEGER NOT NULL,
	current_url TEXT NOT NULL DEFAULT '',
	image       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS admins (
	username      TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_log (
	ts        INTEGER NOT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	event     TEXT NOT NULL,
	detail    TEXT NOT NULL DEFAULT ''
);
`

// eventQueueSize bounds the in-memory log sink. The sink is best
// effort: when the writer falls behind, new records are dropped.
const eventQueueSize = 512

type eventRecord struct {
	ts       int64
	deviceID string
	event    string
	detail   string
}

// Store wraps a SQLite connection pool plus the async event writer.
type Store struct {
	pool *sqlitex.Pool
	log  zerolog.Logger

	// mu orders Record against Close: once closed is set the events
	// channel is gone and records are dropped instead of sent.
	mu     sync.Mutex
	closed bool
	events chan eventRecord
	done   chan struct{}
}

// Open creates or opens the database at path, bootstraps the schema,
// and starts the event-log writer.
func Open(path string, log zerolog.Logger) (*Store, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{PoolSize: 4})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{
		pool:   pool,
		log:    log.With().Str("component", "store").Logger(),
		events: make(chan eventRecord, eventQueueSize),
		done:   make(chan struct{}),
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	go s.eventWriter()
	return s, nil
}

// Close drains pending event records and releases the pool. Safe to
// call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	<-s.done
	return s.pool.Close()
}

// ProvisionDevice registers a device with its persistent token. Only
// the token's SHA-256 is stored.
func (s *Store) ProvisionDevice(ctx context.Context, id, name, token string) error {
	return s.exec(ctx,
		`INSERT INTO devices (id, name, token_hash, created_at) VALUES (?, ?, ?, ?)`,
		id, name, hashToken(token), time.Now().Unix())
}

// ResolveDeviceToken implements server.DeviceTokenResolver.
func (s *Store) ResolveDeviceToken(ctx context.Context, token string) (string, error) {
	var deviceID string
	err := s.query(ctx,
		`SELECT id FROM devices WHERE token_hash = ?`,
		[]any{hashToken(token)},
		func(stmt *sqlite.Stmt) error {
			deviceID = stmt.ColumnText(0)
			return nil
		})
	if err != nil {
		return "", err
	}
	if deviceID == "" {
		return "", ErrNotFound
	}
	return deviceID, nil
}

// DeviceInfo is one provisioned device row.
type DeviceInfo struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Devices lists all provisioned devices.
func (s *Store) Devices(ctx context.Context) ([]DeviceInfo, error) {
	var out []DeviceInfo
	err := s.query(ctx,
		`SELECT id, name, created_at FROM devices ORDER BY id`,
		nil,
		func(stmt *sqlite.Stmt) error {
			out = append(out, DeviceInfo{
				ID:        stmt.ColumnText(0),
				Name:      stmt.ColumnText(1),
				CreatedAt: time.Unix(stmt.ColumnInt64(2), 0),
			})
			return nil
		})
	return out, err
}

// CreatePlaylist stores a playlist and its ordered items, replacing any
// previous items under the same id.
func (s *Store) CreatePlaylist(ctx context.Context, id, name string, items []server.ContentItem) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTx(&err)

	if err = sqlitex.Execute(conn,
		`INSERT INTO playlists (id, name) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		&sqlitex.ExecOptions{Args: []any{id, name}}); err != nil {
		return err
	}
	if err = sqlitex.Execute(conn,
		`DELETE FROM playlist_items WHERE playlist_id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return err
	}
	for i, item := range items {
		if err = sqlitex.Execute(conn,
			`INSERT INTO playlist_items (playlist_id, position, url, duration_seconds) VALUES (?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{id, i, item.URL, item.Duration}}); err != nil {
			return err
		}
	}
	return nil
}

// AssignPlaylist binds a device to a playlist.
func (s *Store) AssignPlaylist(ctx context.Context, deviceID, playlistID string) error {
	return s.exec(ctx,
		`INSERT INTO device_playlists (device_id, playlist_id) VALUES (?, ?)
		 ON CONFLICT (device_id) DO UPDATE SET playlist_id = excluded.playlist_id`,
		deviceID, playlistID)
}

// PlaylistForDevice implements server.PlaylistSource. A device with no
// assignment yields (nil, nil).
func (s *Store) PlaylistForDevice(ctx context.Context, deviceID string) (*server.ContentUpdate, error) {
	var playlistID string
	err := s.query(ctx,
		`SELECT playlist_id FROM device_playlists WHERE device_id = ?`,
		[]any{deviceID},
		func(stmt *sqlite.Stmt) error {
			playlistID = stmt.ColumnText(0)
			return nil
		})
	if err != nil {
		return nil, err
	}
	if playlistID == "" {
		return nil, nil
	}

	content := &server.ContentUpdate{PlaylistID: playlistID, Items: []server.ContentItem{}}
	err = s.query(ctx,
		`SELECT url, duration_seconds FROM playlist_items WHERE playlist_id = ? ORDER BY position`,
		[]any{playlistID},
		func(stmt *sqlite.Stmt) error {
			content.Items = append(content.Items, server.ContentItem{
				URL:      stmt.ColumnText(0),
				Duration: int(stmt.ColumnInt64(1)),
			})
			return nil
		})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// SaveScreenshot implements server.ScreenshotStore. The image stays in
// the base64 form it arrived in.
func (s *Store) SaveScreenshot(ctx context.Context, deviceID, image, currentURL string, takenAt time.Time) error {
	return s.exec(ctx,
		`INSERT INTO screenshots (device_id, taken_at, current_url, image) VALUES (?, ?, ?, ?)`,
		deviceID, takenAt.Unix(), currentURL, image)
}

// LatestScreenshot returns the most recent capture for a device.
func (s *Store) LatestScreenshot(ctx context.Context, deviceID string) (image, currentURL string, err error) {
	found := false
	err = s.query(ctx,
		`SELECT image, current_url FROM screenshots WHERE device_id = ? ORDER BY taken_at DESC LIMIT 1`,
		[]any{deviceID},
		func(stmt *sqlite.Stmt) error {
			image = stmt.ColumnText(0)
			currentURL = stmt.ColumnText(1)
			found = true
			return nil
		})
	if err == nil && !found {
		err = ErrNotFound
	}
	return image, currentURL, err
}

// CreateAdmin stores an admin user with a bcrypt password hash.
func (s *Store) CreateAdmin(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.exec(ctx,
		`INSERT INTO admins (username, password_hash) VALUES (?, ?)
		 ON CONFLICT (username) DO UPDATE SET password_hash = excluded.password_hash`,
		username, string(hash))
}

// CheckAdminPassword verifies a login. Unknown users and wrong
// passwords both return ErrNotFound so callers cannot distinguish them.
func (s *Store) CheckAdminPassword(ctx context.Context, username, password string) error {
	var hash string
	err := s.query(ctx,
		`SELECT password_hash FROM admins WHERE username = ?`,
		[]any{username},
		func(stmt *sqlite.Stmt) error {
			hash = stmt.ColumnText(0)
			return nil
		})
	if err != nil {
		return err
	}
	if hash == "" {
		return ErrNotFound
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrNotFound
	}
	return nil
}

// Record implements server.EventSink: non-blocking, drops on overflow.
func (s *Store) Record(deviceID, event, detail string) {
	rec := eventRecord{
		ts:       time.Now().Unix(),
		deviceID: deviceID,
		event:    event,
		detail:   detail,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.log.Debug().Str("event", event).Msg("store closed, dropping record")
		return
	}
	select {
	case s.events <- rec:
	default:
		s.log.Debug().Str("event", event).Msg("event log full, dropping record")
	}
}

func (s *Store) eventWriter() {
	defer close(s.done)
	for rec := range s.events {
		if err := s.exec(context.Background(),
			`INSERT INTO event_log (ts, device_id, event, detail) VALUES (?, ?, ?, ?)`,
			rec.ts, rec.deviceID, rec.event, rec.detail); err != nil {
			s.log.Error().Err(err).Msg("write event log")
		}
	}
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
}

func (s *Store) query(ctx context.Context, query string, args []any, fn func(stmt *sqlite.Stmt) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args, ResultFunc: fn})
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
