// Package api is the control-plane HTTP surface: admin login plus
// commands pushed at devices through the gateway. Anything aimed at a
// device that is not currently connected fails with a distinct
// "device offline" response rather than silently succeeding.
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"signagehub/server/server"
	"signagehub/server/store"
)

// Gateway is the slice of the realtime server the control plane needs.
type Gateway interface {
	SendToDevice(deviceID, event string, payload any) error
	OnlineDeviceIDs() []string
}

// tokenTTL is the lifetime of access tokens minted by /api/login.
const tokenTTL = 12 * time.Hour

type API struct {
	gw   Gateway
	st   *store.Store
	auth *server.Authenticator
	log  zerolog.Logger
}

func New(gw Gateway, st *store.Store, auth *server.Authenticator, log zerolog.Logger) *API {
	return &API{gw: gw, st: st, auth: auth, log: log.With().Str("component", "api").Logger()}
}

// Register mounts the control-plane routes on r.
func (a *API) Register(r *gin.Engine) {
	r.POST("/api/login", a.login)

	authed := r.Group("/api", a.requireToken)
	authed.GET("/devices", a.listDevices)
	authed.POST("/devices/:id/content", a.pushContent)
	authed.POST("/devices/:id/config", a.pushConfig)
	authed.POST("/devices/:id/remote/:action", a.pushRemote)
}

func (a *API) login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.st.CheckAdminPassword(c.Request.Context(), req.Username, req.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, err := a.auth.MintAdminToken(req.Username, tokenTTL)
	if err != nil {
		a.log.Error().Err(err).Msg("mint token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token mint failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (a *API) requireToken(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	username, err := a.auth.AuthenticateAdmin(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set("username", username)
	c.Next()
}

func (a *API) listDevices(c *gin.Context) {
	rows, err := a.st.Devices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	online := make(map[string]bool)
	for _, id := range a.gw.OnlineDeviceIDs() {
		online[id] = true
	}

	type deviceView struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Online bool   `json:"online"`
	}
	out := make([]deviceView, 0, len(rows))
	for _, d := range rows {
		out = append(out, deviceView{ID: d.ID, Name: d.Name, Online: online[d.ID]})
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

// pushContent assigns a playlist to a device and pushes it live.
func (a *API) pushContent(c *gin.Context) {
	deviceID := c.Param("id")
	var req struct {
		PlaylistID string `json:"playlistId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := a.st.AssignPlaylist(ctx, deviceID, req.PlaylistID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	content, err := a.st.PlaylistForDevice(ctx, deviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	a.deliver(c, deviceID, server.EventContentUpdate, content)
}

func (a *API) pushConfig(c *gin.Context) {
	var cfg server.ConfigUpdate
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.deliver(c, c.Param("id"), server.EventConfigUpdate, cfg)
}

var remoteActions = map[string]string{
	"click":  server.EventRemoteClick,
	"type":   server.EventRemoteType,
	"key":    server.EventRemoteKey,
	"scroll": server.EventRemoteScroll,
}

// pushRemote relays a remote-input command to a device. The body is
// forwarded as the event payload.
func (a *API) pushRemote(c *gin.Context) {
	event, ok := remoteActions[c.Param("action")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown remote action"})
		return
	}
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.deliver(c, c.Param("id"), event, payload)
}

func (a *API) deliver(c *gin.Context, deviceID, event string, payload any) {
	err := a.gw.SendToDevice(deviceID, event, payload)
	switch {
	case errors.Is(err, server.ErrDeviceOffline):
		c.JSON(http.StatusNotFound, gin.H{"error": "device offline", "deviceId": deviceID})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"delivered": true, "deviceId": deviceID, "event": event})
	}
}
