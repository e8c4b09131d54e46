// Package console is the administrator's terminal client. It rides the
// same reconnect machine as the device agent, with admin-role payloads:
// it subscribes to fleet telemetry and issues screencast and remote
// input commands.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"signagehub/wsclient"
)

type Console struct {
	ws  *wsclient.Client
	out io.Writer
	log zerolog.Logger

	mu      sync.Mutex
	devices map[string]bool // deviceId → online
	frames  int             // screencast frames since last notice
}

// Options for a console session. Token is a minted admin access token.
type Options struct {
	ServerURL   string
	Token       string
	InsecureTLS bool
	Out         io.Writer
	Logger      zerolog.Logger
}

func New(opts Options) *Console {
	c := &Console{
		out:     opts.Out,
		log:     opts.Logger.With().Str("component", "console").Logger(),
		devices: make(map[string]bool),
	}
	c.ws = wsclient.New(wsclient.Config{
		URL:         fmt.Sprintf("%s/ws/admin?token=%s", opts.ServerURL, opts.Token),
		InsecureTLS: opts.InsecureTLS,
		OnMessage:   c.handleMessage,
		Logger:      opts.Logger,
	})
	return c
}

// Run connects and reads commands from in until EOF or ctx cancel.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	c.ws.Connect()
	defer c.ws.Close()

	lines := make(chan string)
	go scanLines(ctx, in, lines)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.dispatch(strings.Fields(line)); quit {
				return nil
			}
		}
	}
}

// scanLines feeds input lines to the command loop. The send selects on
// ctx so the goroutine exits when Run has already returned, instead of
// blocking on a channel nobody reads.
func scanLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

func (c *Console) dispatch(args []string) (quit bool) {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "devices":
		c.printDevices()
	case "watch":
		c.requireDevice(args, 2, func(id string) {
			c.ws.SendEvent("screencast:start", map[string]string{"deviceId": id})
		})
	case "unwatch":
		c.requireDevice(args, 2, func(id string) {
			c.ws.SendEvent("screencast:stop", map[string]string{"deviceId": id})
		})
	case "click":
		if len(args) == 4 {
			x, _ := strconv.Atoi(args[2])
			y, _ := strconv.Atoi(args[3])
			c.ws.SendEvent("remote:click", map[string]any{"deviceId": args[1], "x": x, "y": y})
		} else {
			fmt.Fprintln(c.out, "usage: click <device> <x> <y>")
		}
	case "type":
		if len(args) >= 3 {
			c.ws.SendEvent("remote:type", map[string]any{"deviceId": args[1], "text": strings.Join(args[2:], " ")})
		} else {
			fmt.Fprintln(c.out, "usage: type <device> <text>")
		}
	case "key":
		c.requireDevice(args, 3, func(id string) {
			c.ws.SendEvent("remote:key", map[string]any{"deviceId": id, "key": args[2]})
		})
	case "scroll":
		if len(args) == 4 {
			dx, _ := strconv.Atoi(args[2])
			dy, _ := strconv.Atoi(args[3])
			c.ws.SendEvent("remote:scroll", map[string]any{"deviceId": args[1], "deltaX": dx, "deltaY": dy})
		} else {
			fmt.Fprintln(c.out, "usage: scroll <device> <dx> <dy>")
		}
	case "quit", "exit":
		return true
	default:
		fmt.Fprintln(c.out, "commands: devices, watch, unwatch, click, type, key, scroll, quit")
	}
	return false
}

func (c *Console) requireDevice(args []string, n int, fn func(id string)) {
	if len(args) < n {
		fmt.Fprintf(c.out, "usage: %s <device> ...\n", args[0])
		return
	}
	fn(args[1])
}

func (c *Console) printDevices() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.devices) == 0 {
		fmt.Fprintln(c.out, "no devices known")
		return
	}
	for id, online := range c.devices {
		state := "offline"
		if online {
			state = "online"
		}
		fmt.Fprintf(c.out, "%s\t%s\n", id, state)
	}
}

func (c *Console) handleMessage(data []byte) {
	var env struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Event {
	case "admin:devices:sync":
		var sync struct {
			DeviceIDs []string `json:"deviceIds"`
		}
		if json.Unmarshal(env.Payload, &sync) != nil {
			return
		}
		c.mu.Lock()
		for _, id := range sync.DeviceIDs {
			c.devices[id] = true
		}
		c.mu.Unlock()
		fmt.Fprintf(c.out, "connected, %d device(s) online\n", len(sync.DeviceIDs))

	case "admin:device:connected", "admin:device:disconnected":
		var p struct {
			DeviceID string `json:"deviceId"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		online := env.Event == "admin:device:connected"
		c.mu.Lock()
		c.devices[p.DeviceID] = online
		c.mu.Unlock()
		fmt.Fprintf(c.out, "device %s is now %s\n", p.DeviceID, map[bool]string{true: "online", false: "offline"}[online])

	case "admin:device:status":
		var p struct {
			DeviceID string `json:"deviceId"`
			Status   string `json:"status"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		fmt.Fprintf(c.out, "[%s] status: %s\n", p.DeviceID, p.Status)

	case "admin:device:health":
		var p struct {
			DeviceID string  `json:"deviceId"`
			CPU      float64 `json:"cpu"`
			Mem      float64 `json:"mem"`
			Disk     float64 `json:"disk"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		fmt.Fprintf(c.out, "[%s] load=%.2f mem=%.0f%% disk=%.0f%%\n", p.DeviceID, p.CPU, p.Mem*100, p.Disk*100)

	case "admin:device:error":
		var p struct {
			DeviceID string `json:"deviceId"`
			Error    string `json:"error"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		fmt.Fprintf(c.out, "[%s] ERROR: %s\n", p.DeviceID, p.Error)

	case "admin:screencast:frame":
		// Frames arrive at frame rate; print a heartbeat, not each one.
		c.mu.Lock()
		c.frames++
		n := c.frames
		c.mu.Unlock()
		if n%25 == 1 {
			var p struct {
				DeviceID string `json:"deviceId"`
				Metadata struct {
					Width  int `json:"width"`
					Height int `json:"height"`
				} `json:"metadata"`
			}
			if json.Unmarshal(env.Payload, &p) == nil {
				fmt.Fprintf(c.out, "[%s] streaming %dx%d (%d frames)\n", p.DeviceID, p.Metadata.Width, p.Metadata.Height, n)
			}
		}

	case "admin:device:screenshot":
		var p struct {
			DeviceID   string `json:"deviceId"`
			CurrentURL string `json:"currentUrl"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		fmt.Fprintf(c.out, "[%s] screenshot captured at %s\n", p.DeviceID, p.CurrentURL)
	}
}
