package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"signagehub/server/server"
	"signagehub/server/store"
)

type sentCommand struct {
	DeviceID string
	Event    string
	Payload  any
}

// fakeGateway records SendToDevice calls and serves a fixed online set.
type fakeGateway struct {
	mu     sync.Mutex
	online []string
	sent   []sentCommand
}

func (g *fakeGateway) SendToDevice(deviceID, event string, payload any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.online {
		if id == deviceID {
			g.sent = append(g.sent, sentCommand{deviceID, event, payload})
			return nil
		}
	}
	return server.ErrDeviceOffline
}

func (g *fakeGateway) OnlineDeviceIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.online...)
}

func (g *fakeGateway) lastSent() (sentCommand, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sent) == 0 {
		return sentCommand{}, false
	}
	return g.sent[len(g.sent)-1], true
}

type apiFixture struct {
	router *gin.Engine
	gw     *fakeGateway
	st     *store.Store
	auth   *server.Authenticator
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.CreateAdmin(ctx, "alice", "hunter2"); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	if err := st.ProvisionDevice(ctx, "kiosk-1", "Lobby", "t1"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if err := st.ProvisionDevice(ctx, "kiosk-2", "Cafeteria", "t2"); err != nil {
		t.Fatalf("provision: %v", err)
	}

	gw := &fakeGateway{online: []string{"kiosk-1"}}
	auth := server.NewAuthenticator(st, server.JWTConfig{
		Secret:   []byte("test-secret"),
		Issuer:   "signagehub",
		Audience: "signagehub-admin",
	})

	router := gin.New()
	New(gw, st, auth, zerolog.Nop()).Register(router)
	return &apiFixture{router: router, gw: gw, st: st, auth: auth}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) adminToken(t *testing.T) string {
	t.Helper()
	token, err := f.auth.MintAdminToken("alice", time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func TestLogin(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/login", "", gin.H{"username": "alice", "password": "hunter2"})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("login body = %s, err %v", w.Body, err)
	}
	if _, err := f.auth.AuthenticateAdmin(resp.Token); err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}

	w = f.do(t, http.MethodPost, "/api/login", "", gin.H{"username": "alice", "password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/api/login", "", gin.H{"username": "alice"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing field status = %d", w.Code)
	}
}

func TestAuthedRoutesRequireBearerToken(t *testing.T) {
	f := newAPIFixture(t)

	if w := f.do(t, http.MethodGet, "/api/devices", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/devices", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", w.Code)
	}
}

func TestListDevicesMergesOnlineState(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/devices", f.adminToken(t), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		Devices []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Online bool   `json:"online"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body = %s: %v", w.Body, err)
	}
	if len(resp.Devices) != 2 {
		t.Fatalf("devices = %+v", resp.Devices)
	}
	if !resp.Devices[0].Online || resp.Devices[0].ID != "kiosk-1" {
		t.Fatalf("kiosk-1 should be online: %+v", resp.Devices[0])
	}
	if resp.Devices[1].Online {
		t.Fatalf("kiosk-2 should be offline: %+v", resp.Devices[1])
	}
}

func TestPushContentAssignsAndDelivers(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	items := []server.ContentItem{{URL: "https://example.com/menu", Duration: 20}}
	if err := f.st.CreatePlaylist(ctx, "pl-1", "Lobby Loop", items); err != nil {
		t.Fatalf("create playlist: %v", err)
	}

	w := f.do(t, http.MethodPost, "/api/devices/kiosk-1/content", f.adminToken(t), gin.H{"playlistId": "pl-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}

	cmd, ok := f.gw.lastSent()
	if !ok || cmd.DeviceID != "kiosk-1" || cmd.Event != server.EventContentUpdate {
		t.Fatalf("gateway got %+v", cmd)
	}
	content, ok := cmd.Payload.(*server.ContentUpdate)
	if !ok || content.PlaylistID != "pl-1" || len(content.Items) != 1 {
		t.Fatalf("payload = %+v", cmd.Payload)
	}

	// The assignment persisted regardless of delivery.
	stored, err := f.st.PlaylistForDevice(ctx, "kiosk-1")
	if err != nil || stored.PlaylistID != "pl-1" {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

func TestPushToOfflineDeviceIs404(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	if err := f.st.CreatePlaylist(ctx, "pl-1", "", nil); err != nil {
		t.Fatalf("create playlist: %v", err)
	}

	w := f.do(t, http.MethodPost, "/api/devices/kiosk-2/content", f.adminToken(t), gin.H{"playlistId": "pl-1"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "device offline" {
		t.Fatalf("body = %s", w.Body)
	}
}

func TestPushRemoteAction(t *testing.T) {
	f := newAPIFixture(t)
	token := f.adminToken(t)

	w := f.do(t, http.MethodPost, "/api/devices/kiosk-1/remote/click", token, gin.H{"x": 10, "y": 20})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	cmd, ok := f.gw.lastSent()
	if !ok || cmd.Event != server.EventRemoteClick {
		t.Fatalf("gateway got %+v", cmd)
	}

	w = f.do(t, http.MethodPost, "/api/devices/kiosk-1/remote/reboot", token, gin.H{})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown action status = %d", w.Code)
	}
}

func TestPushConfig(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/devices/kiosk-1/config", f.adminToken(t),
		server.ConfigUpdate{DisplayWidth: 1920, DisplayHeight: 1080, KioskMode: true})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	cmd, _ := f.gw.lastSent()
	cfg, ok := cmd.Payload.(server.ConfigUpdate)
	if !ok || cfg.DisplayWidth != 1920 || !cfg.KioskMode {
		t.Fatalf("payload = %+v", cmd.Payload)
	}
}
