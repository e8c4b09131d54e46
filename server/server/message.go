package server

import (
	"encoding/json"
	"fmt"
)

// Device-originated events.
const (
	EventDeviceRegister   = "device:register"
	EventHealthReport     = "health:report"
	EventDeviceStatus     = "device:status"
	EventErrorReport      = "error:report"
	EventScreenshotUpload = "screenshot:upload"
	EventScreencastFrame  = "screencast:frame"
)

// Device-bound events.
const (
	EventContentUpdate   = "content:update"
	EventConfigUpdate    = "config:update"
	EventScreencastStart = "screencast:start"
	EventScreencastStop  = "screencast:stop"
	EventRemoteClick     = "remote:click"
	EventRemoteType      = "remote:type"
	EventRemoteKey       = "remote:key"
	EventRemoteScroll    = "remote:scroll"
)

// Admin-bound events.
const (
	EventAdminDevicesSync        = "admin:devices:sync"
	EventAdminDeviceConnected    = "admin:device:connected"
	EventAdminDeviceDisconnected = "admin:device:disconnected"
	EventAdminDeviceStatus       = "admin:device:status"
	EventAdminDeviceHealth       = "admin:device:health"
	EventAdminDeviceError        = "admin:device:error"
	EventAdminScreenshot         = "admin:device:screenshot"
	EventAdminScreencastFrame    = "admin:screencast:frame"
)

// Envelope is the wire unit: one JSON object per logical message.
// Payload is kept raw so handlers decode only what they dispatch on.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope parses one logical message. The returned envelope's
// Payload aliases data; callers that keep it past the handling scope
// must copy.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope missing event")
	}
	return env, nil
}

// EncodeEnvelope marshals an event and its payload into wire form.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// HealthReport is the device's periodic resource sample.
type HealthReport struct {
	CPU  float64 `json:"cpu"`
	Mem  float64 `json:"mem"`
	Disk float64 `json:"disk"`
	TS   int64   `json:"ts"`
}

// StatusReport carries the device's playback state.
type StatusReport struct {
	Status string `json:"status"`
}

// ErrorReport carries a device-side error string.
type ErrorReport struct {
	Error string `json:"error"`
}

// ScreenshotUpload is a one-shot capture. Image is base64 as produced
// by the device; the gateway never decodes it.
type ScreenshotUpload struct {
	Image      string `json:"image"`
	CurrentURL string `json:"currentUrl"`
}

func (m *ScreenshotUpload) Validate() error {
	if m.Image == "" {
		return &ValidationError{Field: "image", Message: "image is required"}
	}
	return nil
}

// FrameMetadata describes one screencast frame.
type FrameMetadata struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// ScreencastFrame is one base64 JPEG frame from a live capture session.
type ScreencastFrame struct {
	Data     string        `json:"data"`
	Metadata FrameMetadata `json:"metadata"`
}

func (m *ScreencastFrame) Validate() error {
	if m.Data == "" {
		return &ValidationError{Field: "data", Message: "data is required"}
	}
	return nil
}

// ContentItem is one playlist entry.
type ContentItem struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

// ContentUpdate pushes a playlist to a device.
type ContentUpdate struct {
	PlaylistID string        `json:"playlistId"`
	Items      []ContentItem `json:"items"`
}

// ConfigUpdate pushes display settings to a device.
type ConfigUpdate struct {
	DisplayWidth  int  `json:"displayWidth"`
	DisplayHeight int  `json:"displayHeight"`
	KioskMode     bool `json:"kioskMode"`
}

// ScreencastRequest is an admin's start/stop command for a device stream.
type ScreencastRequest struct {
	DeviceID string `json:"deviceId"`
}

func (m *ScreencastRequest) Validate() error {
	if m.DeviceID == "" {
		return &ValidationError{Field: "deviceId", Message: "deviceId is required"}
	}
	return nil
}

// RemoteCommand addresses a remote-input event at a device. The
// command-specific fields ride along untouched; only the target id is
// validated here.
type RemoteCommand struct {
	DeviceID string `json:"deviceId"`
}

func (m *RemoteCommand) Validate() error {
	if m.DeviceID == "" {
		return &ValidationError{Field: "deviceId", Message: "deviceId is required"}
	}
	return nil
}

// Admin-bound payloads. Every device-originated event is rewrapped with
// the source deviceId before fan-out.

type DevicesSync struct {
	DeviceIDs []string `json:"deviceIds"`
}

type DevicePresence struct {
	DeviceID string `json:"deviceId"`
}

type DeviceStatusEvent struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
	TS       int64  `json:"ts"`
}

type DeviceHealthEvent struct {
	DeviceID string  `json:"deviceId"`
	CPU      float64 `json:"cpu"`
	Mem      float64 `json:"mem"`
	Disk     float64 `json:"disk"`
	TS       int64   `json:"ts"`
}

type DeviceErrorEvent struct {
	DeviceID string `json:"deviceId"`
	Error    string `json:"error"`
	TS       int64  `json:"ts"`
}

type ScreenshotEvent struct {
	DeviceID   string `json:"deviceId"`
	Image      string `json:"image"`
	CurrentURL string `json:"currentUrl"`
	TS         int64  `json:"ts"`
}

type ScreencastFrameEvent struct {
	DeviceID string        `json:"deviceId"`
	Data     string        `json:"data"`
	Metadata FrameMetadata `json:"metadata"`
}

// ValidationError reports a missing or out-of-range payload field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
