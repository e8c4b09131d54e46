package agent

import "encoding/json"

// Envelope mirrors the gateway wire format.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type HealthReport struct {
	CPU  float64 `json:"cpu"`
	Mem  float64 `json:"mem"`
	Disk float64 `json:"disk"`
	TS   int64   `json:"ts"`
}

type StatusReport struct {
	Status string `json:"status"`
}

type ErrorReport struct {
	Error string `json:"error"`
}

type ContentItem struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

type ContentUpdate struct {
	PlaylistID string        `json:"playlistId"`
	Items      []ContentItem `json:"items"`
}

type ConfigUpdate struct {
	DisplayWidth  int  `json:"displayWidth"`
	DisplayHeight int  `json:"displayHeight"`
	KioskMode     bool `json:"kioskMode"`
}

type FrameMetadata struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type ScreencastFrame struct {
	Data     string        `json:"data"`
	Metadata FrameMetadata `json:"metadata"`
}

type ScreenshotUpload struct {
	Image      string `json:"image"`
	CurrentURL string `json:"currentUrl"`
}
