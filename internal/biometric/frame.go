// Package biometric turns captured frames into comparable feature vectors and
// scores them against each other.
package biometric

import (
	"context"
	"errors"
)

var (
	// ErrNoFaceDetected is returned when the sampling region yields no points.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrInvalidFrame is returned for frames whose buffer does not match their geometry.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Frame geometry limits. They keep Width*Height*Channels well inside int range.
const (
	MaxDimension = 8192
	MaxChannels  = 4
)

// Frame is a raw captured image: Channels interleaved bytes per pixel, row-major.
type Frame struct {
	Width    int    `json:"width" validate:"gt=0,lte=8192"`
	Height   int    `json:"height" validate:"gt=0,lte=8192"`
	Channels int    `json:"channels" validate:"gte=3,lte=4"`
	Pixels   []byte `json:"pixels" validate:"required"`
}

// Validate checks the geometry limits and that the buffer covers every pixel.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.Channels < 3 {
		return ErrInvalidFrame
	}
	if f.Width > MaxDimension || f.Height > MaxDimension || f.Channels > MaxChannels {
		return ErrInvalidFrame
	}
	// Divide instead of multiplying so the check cannot wrap.
	if len(f.Pixels)/f.Channels/f.Height < f.Width {
		return ErrInvalidFrame
	}
	return nil
}

// FrameSource supplies frames on demand. Release frees the underlying capture
// resource and must be safe to call once capture is finished or abandoned.
type FrameSource interface {
	CaptureFrame(ctx context.Context) (Frame, error)
	Release() error
}

// StaticSource is a FrameSource that always yields the same frame.
type StaticSource struct {
	Frame Frame
}

// CaptureFrame returns the configured frame unless ctx is already done.
func (s StaticSource) CaptureFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	return s.Frame, nil
}

// Release is a no-op.
func (StaticSource) Release() error { return nil }
