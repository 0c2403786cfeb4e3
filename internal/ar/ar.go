// Package ar describes the narrow surface of the external AR subsystem the
// localization client depends on: the live tracking state, camera frames with
// their intrinsics and tracker pose, and the device orientation.
package ar

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/banshee-data/vpsclient/internal/pose"
)

// TrackingState is the AR subsystem's tracking status.
type TrackingState int

const (
	Stopped TrackingState = iota
	Paused
	Tracking
)

func (s TrackingState) String() string {
	switch s {
	case Tracking:
		return "tracking"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("TrackingState(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s TrackingState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText accepts what ParseTrackingState accepts.
func (s *TrackingState) UnmarshalText(b []byte) error {
	v, err := ParseTrackingState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseTrackingState accepts the names produced by String.
func ParseTrackingState(s string) (TrackingState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tracking":
		return Tracking, nil
	case "paused":
		return Paused, nil
	case "stopped", "":
		return Stopped, nil
	}
	return Stopped, fmt.Errorf("unknown tracking state %q", s)
}

// Mode selects how many frames a localization request carries.
type Mode int

const (
	SingleFrame Mode = iota
	MultiFrame
)

func (m Mode) String() string {
	switch m {
	case SingleFrame:
		return "single"
	case MultiFrame:
		return "multi"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalText encodes the mode as "single" or "multi".
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText accepts what ParseMode accepts.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode accepts "single" or "multi".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single", "single-frame", "":
		return SingleFrame, nil
	case "multi", "multi-frame":
		return MultiFrame, nil
	}
	return SingleFrame, fmt.Errorf("unknown localization mode %q", s)
}

// Orientation is the device's physical orientation when a frame was taken.
type Orientation int

const (
	Landscape Orientation = iota
	Portrait
)

func (o Orientation) String() string {
	if o == Portrait {
		return "portrait"
	}
	return "landscape"
}

// MarshalText encodes the orientation by name.
func (o Orientation) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText accepts "landscape" or "portrait".
func (o *Orientation) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "landscape", "":
		*o = Landscape
	case "portrait":
		*o = Portrait
	default:
		return fmt.Errorf("unknown orientation %q", string(b))
	}
	return nil
}

// Intrinsics are pinhole camera parameters in pixels.
type Intrinsics struct {
	FX, FY float64 // focal lengths
	PX, PY float64 // principal point
}

// Frame is one camera image handed out by a FrameSource. The caller must
// call Release exactly once when it no longer needs the image.
type Frame struct {
	Image       image.Image
	Intrinsics  Intrinsics
	Pose        pose.Pose // camera pose in tracking space at acquisition
	Orientation Orientation
	release     func()
}

// NewFrame wraps an image with an optional release hook.
func NewFrame(img image.Image, in Intrinsics, p pose.Pose, o Orientation, release func()) *Frame {
	return &Frame{Image: img, Intrinsics: in, Pose: p, Orientation: o, release: release}
}

// Release returns the underlying camera buffer. It is safe to call on a nil
// frame and more than once.
func (f *Frame) Release() {
	if f == nil || f.release == nil {
		return
	}
	r := f.release
	f.release = nil
	r()
}

// TrackingSource reports the AR subsystem's current tracking state.
type TrackingSource interface {
	TrackingState() TrackingState
}

// FrameSource acquires camera frames from the AR subsystem.
type FrameSource interface {
	TrackingSource
	// AcquireFrame returns the most recent camera frame.
	AcquireFrame(ctx context.Context) (*Frame, error)
}
