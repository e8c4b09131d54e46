// Package agent is the unattended display client. It keeps one gateway
// connection alive through the reconnect machine, reports telemetry,
// applies pushed content and config, and runs the screencast producer
// on demand.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signagehub/wsclient"
)

// Options configures the agent. ServerURL is the ws(s) base URL without
// path or query; the device token authenticates the handshake.
type Options struct {
	ServerURL      string
	Token          string
	ContentDir     string
	HealthInterval time.Duration
	FrameInterval  time.Duration
	Source         FrameSource
	InsecureTLS    bool
	Logger         zerolog.Logger

	// RemoteInput receives relayed admin input events. The default
	// implementation only logs; a kiosk integration injects real input.
	RemoteInput func(event string, payload json.RawMessage)
}

type Agent struct {
	opts Options
	log  zerolog.Logger
	ws   *wsclient.Client

	// send is swappable so tests exercise handlers without a socket.
	send func(event string, payload any) error

	castMu   sync.Mutex
	castStop context.CancelFunc

	// status is read by the content watcher's debounce timer goroutine
	// while the message handler writes it.
	statusMu sync.Mutex
	status   string

	watchDebounce time.Duration
}

func New(opts Options) *Agent {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = time.Second / 5
	}
	if opts.Source == nil {
		opts.Source = &SyntheticSource{}
	}

	a := &Agent{
		opts:          opts,
		log:           opts.Logger.With().Str("component", "agent").Logger(),
		status:        "idle",
		watchDebounce: 2 * time.Second,
	}
	a.ws = wsclient.New(wsclient.Config{
		URL:         fmt.Sprintf("%s/ws/device?token=%s", opts.ServerURL, opts.Token),
		InsecureTLS: opts.InsecureTLS,
		OnMessage:   a.handleMessage,
		OnOpen:      a.onOpen,
		Logger:      opts.Logger,
	})
	a.send = a.ws.SendEvent
	return a
}

// Run connects and blocks until ctx is cancelled, driving the health
// reporter and the content-directory watcher.
func (a *Agent) Run(ctx context.Context) error {
	a.ws.Connect()
	defer a.ws.Close()
	defer a.stopCast()

	if a.opts.ContentDir != "" {
		go a.watchContent(ctx)
	}

	ticker := time.NewTicker(a.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.send("health:report", sampleHealth(a.opts.ContentDir)); err != nil {
				a.log.Warn().Err(err).Msg("health report")
			}
		}
	}
}

func (a *Agent) onOpen() {
	// Register first so the gateway pushes config and playlist; the
	// status report follows so admins see the device come back.
	a.send("device:register", struct{}{})
	a.send("device:status", StatusReport{Status: a.currentStatus()})
}

func (a *Agent) handleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.log.Debug().Err(err).Msg("dropping malformed message")
		return
	}

	switch env.Event {
	case "content:update":
		var content ContentUpdate
		if err := json.Unmarshal(env.Payload, &content); err != nil {
			a.log.Warn().Err(err).Msg("bad content update")
			return
		}
		a.applyContent(content)

	case "config:update":
		var cfg ConfigUpdate
		if err := json.Unmarshal(env.Payload, &cfg); err != nil {
			a.log.Warn().Err(err).Msg("bad config update")
			return
		}
		a.log.Info().Int("width", cfg.DisplayWidth).Int("height", cfg.DisplayHeight).
			Bool("kiosk", cfg.KioskMode).Msg("display config applied")

	case "screencast:start":
		a.startCast()

	case "screencast:stop":
		a.stopCast()

	case "remote:click", "remote:type", "remote:key", "remote:scroll":
		if a.opts.RemoteInput != nil {
			a.opts.RemoteInput(env.Event, env.Payload)
		} else {
			a.log.Info().Str("event", env.Event).RawJSON("payload", env.Payload).Msg("remote input")
		}

	default:
		// Unknown events are ignored for forward compatibility.
		a.log.Debug().Str("event", env.Event).Msg("ignoring unknown event")
	}
}

// applyContent writes the playlist manifest into the content cache and
// reports the status change. Fetching the referenced media is the
// kiosk's job.
func (a *Agent) applyContent(content ContentUpdate) {
	a.log.Info().Str("playlist", content.PlaylistID).Int("items", len(content.Items)).Msg("content update")
	if a.opts.ContentDir != "" {
		manifest, err := json.MarshalIndent(content, "", "  ")
		if err == nil {
			err = os.WriteFile(filepath.Join(a.opts.ContentDir, "playlist.json"), manifest, 0o644)
		}
		if err != nil {
			a.log.Error().Err(err).Msg("write playlist manifest")
			a.send("error:report", ErrorReport{Error: fmt.Sprintf("playlist write failed: %v", err)})
			return
		}
	}
	a.setStatus("playing")
}

func (a *Agent) setStatus(status string) {
	a.statusMu.Lock()
	a.status = status
	a.statusMu.Unlock()
	a.send("device:status", StatusReport{Status: status})
}

func (a *Agent) currentStatus() string {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return a.status
}

// startCast launches the frame pump. A second start while one is
// running is a no-op so a repeated command cannot leak a goroutine.
func (a *Agent) startCast() {
	a.castMu.Lock()
	defer a.castMu.Unlock()
	if a.castStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.castStop = cancel
	sessionID := uuid.NewString()
	a.log.Info().Str("session", sessionID).Msg("screencast started")
	go a.castLoop(ctx, sessionID)
}

func (a *Agent) stopCast() {
	a.castMu.Lock()
	defer a.castMu.Unlock()
	if a.castStop == nil {
		return
	}
	a.castStop()
	a.castStop = nil
	a.log.Info().Msg("screencast stopped")
}

func (a *Agent) castLoop(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(a.opts.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := a.opts.Source.NextFrame(ctx)
			if err != nil {
				a.log.Warn().Err(err).Msg("frame capture")
				continue
			}
			a.send("screencast:frame", ScreencastFrame{
				Data: base64.StdEncoding.EncodeToString(frame.Data),
				Metadata: FrameMetadata{
					SessionID: sessionID,
					Timestamp: time.Now().UnixMilli(),
					Width:     frame.Width,
					Height:    frame.Height,
				},
			})
		}
	}
}
