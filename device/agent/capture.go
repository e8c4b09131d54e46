package agent

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os/exec"
)

// Frame is one captured JPEG image.
type Frame struct {
	Data   []byte
	Width  int
	Height int
}

// FrameSource produces screen captures. The gateway treats capture as
// an external concern, so the agent only needs something that yields
// JPEG bytes on demand.
type FrameSource interface {
	NextFrame(ctx context.Context) (*Frame, error)
}

// ExecSource shells out to a capture command that writes one JPEG to
// stdout per invocation, typically scrot, grim, or whatever capture
// tool the device image ships.
type ExecSource struct {
	Command []string
	Width   int
	Height  int
}

func (s *ExecSource) NextFrame(ctx context.Context) (*Frame, error) {
	if len(s.Command) == 0 {
		return nil, fmt.Errorf("capture command not configured")
	}
	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("capture command: %w", err)
	}
	return &Frame{Data: out, Width: s.Width, Height: s.Height}, nil
}

// SyntheticSource renders a moving test pattern. Used when no capture
// command is configured, and by tests.
type SyntheticSource struct {
	Width  int
	Height int
	tick   uint8
}

func (s *SyntheticSource) NextFrame(ctx context.Context) (*Frame, error) {
	w, h := s.Width, s.Height
	if w <= 0 {
		w = 64
	}
	if h <= 0 {
		h = 36
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	s.tick += 7
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x) + s.tick,
				G: uint8(y) + s.tick,
				B: s.tick,
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60}); err != nil {
		return nil, err
	}
	return &Frame{Data: buf.Bytes(), Width: w, Height: h}, nil
}
