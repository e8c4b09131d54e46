package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// sentEvent captures one outbound event from the swapped send func.
type sentEvent struct {
	Event   string
	Payload any
}

type sendRecorder struct {
	mu     sync.Mutex
	events []sentEvent
}

func (r *sendRecorder) send(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sentEvent{event, payload})
	return nil
}

func (r *sendRecorder) byEvent(event string) []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentEvent
	for _, e := range r.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func newTestAgent(t *testing.T, opts Options) (*Agent, *sendRecorder) {
	t.Helper()
	opts.ServerURL = "ws://unused"
	opts.Token = "t"
	opts.Logger = zerolog.Nop()
	a := New(opts)
	rec := &sendRecorder{}
	a.send = rec.send
	t.Cleanup(a.stopCast)
	return a, rec
}

func envelopeBytes(t *testing.T, event string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func TestOnOpenRegistersThenReportsStatus(t *testing.T) {
	a, rec := newTestAgent(t, Options{})

	a.onOpen()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 2 {
		t.Fatalf("events = %+v", rec.events)
	}
	if rec.events[0].Event != "device:register" {
		t.Fatalf("first event = %q", rec.events[0].Event)
	}
	if rec.events[1].Event != "device:status" {
		t.Fatalf("second event = %q", rec.events[1].Event)
	}
	if st := rec.events[1].Payload.(StatusReport); st.Status != "idle" {
		t.Fatalf("initial status = %q", st.Status)
	}
}

func TestContentUpdateWritesManifestAndReportsPlaying(t *testing.T) {
	dir := t.TempDir()
	a, rec := newTestAgent(t, Options{ContentDir: dir})

	content := ContentUpdate{
		PlaylistID: "pl-1",
		Items:      []ContentItem{{URL: "https://example.com/menu", Duration: 20}},
	}
	a.handleMessage(envelopeBytes(t, "content:update", content))

	data, err := os.ReadFile(filepath.Join(dir, "playlist.json"))
	if err != nil {
		t.Fatalf("manifest not written: %v", err)
	}
	var got ContentUpdate
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if got.PlaylistID != "pl-1" || len(got.Items) != 1 {
		t.Fatalf("manifest = %+v", got)
	}

	statuses := rec.byEvent("device:status")
	if len(statuses) != 1 {
		t.Fatalf("status events = %+v", statuses)
	}
	if st := statuses[0].Payload.(StatusReport); st.Status != "playing" {
		t.Fatalf("status = %q, want playing", st.Status)
	}
}

func TestContentUpdateWriteFailureReportsError(t *testing.T) {
	a, rec := newTestAgent(t, Options{ContentDir: filepath.Join(t.TempDir(), "does-not-exist")})

	a.handleMessage(envelopeBytes(t, "content:update", ContentUpdate{PlaylistID: "pl-1"}))

	if reports := rec.byEvent("error:report"); len(reports) != 1 {
		t.Fatalf("error reports = %+v", reports)
	}
	if statuses := rec.byEvent("device:status"); len(statuses) != 0 {
		t.Fatalf("status must not change on failure: %+v", statuses)
	}
}

func TestScreencastStartStopPumpsFrames(t *testing.T) {
	a, rec := newTestAgent(t, Options{
		FrameInterval: 5 * time.Millisecond,
		Source:        &SyntheticSource{Width: 8, Height: 8},
	})

	a.handleMessage(envelopeBytes(t, "screencast:start", struct{}{}))
	// Duplicate start must not spawn a second pump.
	a.handleMessage(envelopeBytes(t, "screencast:start", struct{}{}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(rec.byEvent("screencast:frame")) < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	frames := rec.byEvent("screencast:frame")
	if len(frames) < 3 {
		t.Fatalf("got %d frames", len(frames))
	}

	first := frames[0].Payload.(ScreencastFrame)
	if first.Metadata.SessionID == "" || first.Metadata.Width != 8 {
		t.Fatalf("frame metadata = %+v", first.Metadata)
	}
	for _, f := range frames[1:] {
		if f.Payload.(ScreencastFrame).Metadata.SessionID != first.Metadata.SessionID {
			t.Fatal("session id changed mid-cast, duplicate pump running")
		}
	}

	a.handleMessage(envelopeBytes(t, "screencast:stop", struct{}{}))
	time.Sleep(20 * time.Millisecond)
	n := len(rec.byEvent("screencast:frame"))
	time.Sleep(50 * time.Millisecond)
	if got := len(rec.byEvent("screencast:frame")); got != n {
		t.Fatalf("frames kept flowing after stop: %d -> %d", n, got)
	}

	// Stop when already stopped is a no-op.
	a.handleMessage(envelopeBytes(t, "screencast:stop", struct{}{}))
}

func TestContentWatcherReportsStatusDuringUpdates(t *testing.T) {
	dir := t.TempDir()
	a, rec := newTestAgent(t, Options{ContentDir: dir})
	a.watchDebounce = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		a.watchContent(ctx)
	}()

	// Each update rewrites the manifest, which re-arms the watcher's
	// debounce timer. The timer callback reads the status the handler is
	// concurrently writing, so this doubles as the race check.
	msg := envelopeBytes(t, "content:update", ContentUpdate{
		PlaylistID: "pl-1",
		Items:      []ContentItem{{URL: "https://example.com/a", Duration: 10}},
	})
	var updates int
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		a.handleMessage(msg)
		updates++
		// The handler sends one status per update; anything beyond that
		// came from the watcher callback.
		if len(rec.byEvent("device:status")) > updates {
			break
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-watcherDone

	if got := len(rec.byEvent("device:status")); got <= updates {
		t.Fatalf("watcher never reported status: %d events for %d updates", got, updates)
	}
	for _, e := range rec.byEvent("device:status") {
		if st := e.Payload.(StatusReport); st.Status != "playing" && st.Status != "idle" {
			t.Fatalf("status = %q", st.Status)
		}
	}
}

func TestRemoteInputReachesCallback(t *testing.T) {
	var mu sync.Mutex
	var gotEvent string
	var gotPayload []byte
	a, _ := newTestAgent(t, Options{
		RemoteInput: func(event string, payload json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			gotEvent = event
			gotPayload = append([]byte(nil), payload...)
		},
	})

	a.handleMessage(envelopeBytes(t, "remote:click", map[string]int{"x": 3, "y": 4}))

	mu.Lock()
	defer mu.Unlock()
	if gotEvent != "remote:click" {
		t.Fatalf("event = %q", gotEvent)
	}
	if !bytes.Contains(gotPayload, []byte(`"x":3`)) {
		t.Fatalf("payload = %s", gotPayload)
	}
}

func TestMalformedAndUnknownMessagesIgnored(t *testing.T) {
	a, rec := newTestAgent(t, Options{})

	a.handleMessage([]byte("not json"))
	a.handleMessage(envelopeBytes(t, "future:thing", map[string]string{"k": "v"}))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 0 {
		t.Fatalf("unexpected outbound events: %+v", rec.events)
	}
}

func TestSyntheticSourceProducesJPEG(t *testing.T) {
	src := &SyntheticSource{Width: 16, Height: 9}

	f1, err := src.NextFrame(context.Background())
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if f1.Width != 16 || f1.Height != 9 {
		t.Fatalf("dimensions = %dx%d", f1.Width, f1.Height)
	}
	if !bytes.HasPrefix(f1.Data, []byte{0xFF, 0xD8, 0xFF}) {
		t.Fatalf("not a JPEG: % x", f1.Data[:4])
	}

	// The pattern moves between frames.
	f2, err := src.NextFrame(context.Background())
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if bytes.Equal(f1.Data, f2.Data) {
		t.Fatal("consecutive frames identical")
	}
}

func TestSampleHealthBounds(t *testing.T) {
	h := sampleHealth(t.TempDir())
	if h.Mem < 0 || h.Mem > 1 {
		t.Fatalf("memory usage = %v", h.Mem)
	}
	if h.Disk < 0 || h.Disk > 1 {
		t.Fatalf("disk usage = %v", h.Disk)
	}
	if h.CPU < 0 {
		t.Fatalf("cpu load = %v", h.CPU)
	}
	if h.TS == 0 {
		t.Fatal("timestamp missing")
	}
}
