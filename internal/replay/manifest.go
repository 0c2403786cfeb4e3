// Package replay drives the localization client from recorded AR sessions.
// A manifest lists camera frames with their intrinsics, tracker pose,
// tracking state, device orientation and optional GPS fix; a Player steps
// through them and serves them as the live AR subsystem and location stack.
package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/vpsclient/internal/ar"
	"github.com/banshee-data/vpsclient/internal/fsutil"
	"github.com/banshee-data/vpsclient/internal/geo"
	"github.com/banshee-data/vpsclient/internal/pose"
	"github.com/banshee-data/vpsclient/internal/security"
)

// DefaultStepInterval is how long each manifest entry stays current when
// the manifest does not say.
const DefaultStepInterval = 500 * time.Millisecond

// maxManifestSize bounds the manifest file (1MB).
const maxManifestSize = 1 << 20

// ErrEmptyManifest is returned for a manifest without frames.
var ErrEmptyManifest = errors.New("replay manifest has no frames")

// Manifest is the on-disk description of a recorded session.
type Manifest struct {
	StepInterval string  `json:"step_interval,omitempty"` // duration string like "500ms"
	Loop         bool    `json:"loop,omitempty"`
	Frames       []Entry `json:"frames"`
}

// Entry is one recorded AR frame. Image is relative to the manifest's
// directory.
type Entry struct {
	Image       string            `json:"image"`
	Intrinsics  *Intrinsics       `json:"intrinsics,omitempty"` // defaults from the image size
	Pose        pose.Pose         `json:"pose"`
	Tracking    *ar.TrackingState `json:"tracking,omitempty"` // default tracking
	Orientation ar.Orientation    `json:"orientation,omitempty"`
	Location    *geo.Fix          `json:"location,omitempty"`
	// Hold keeps the entry current for this many steps. Default 1.
	Hold int `json:"hold,omitempty"`
}

// Intrinsics are the pinhole parameters of an entry, in pixels.
type Intrinsics struct {
	FX float64 `json:"fx"`
	FY float64 `json:"fy"`
	PX float64 `json:"px"`
	PY float64 `json:"py"`
}

func (in *Intrinsics) toAR() ar.Intrinsics {
	return ar.Intrinsics{FX: in.FX, FY: in.FY, PX: in.PX, PY: in.PY}
}

// Interval returns the parsed StepInterval or DefaultStepInterval.
func (m *Manifest) Interval() time.Duration {
	if m.StepInterval == "" {
		return DefaultStepInterval
	}
	d, err := time.ParseDuration(m.StepInterval)
	if err != nil || d <= 0 {
		return DefaultStepInterval
	}
	return d
}

// Validate checks the manifest and resolves every image path against
// baseDir. It returns the resolved paths in entry order.
func (m *Manifest) Validate(baseDir string) ([]string, error) {
	if len(m.Frames) == 0 {
		return nil, ErrEmptyManifest
	}
	if m.StepInterval != "" {
		if d, err := time.ParseDuration(m.StepInterval); err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid step_interval %q", m.StepInterval)
		}
	}

	paths := make([]string, len(m.Frames))
	for i, e := range m.Frames {
		p, err := security.JoinWithin(baseDir, e.Image)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		paths[i] = p
		if e.Hold < 0 {
			return nil, fmt.Errorf("frame %d: hold must not be negative", i)
		}
		if in := e.Intrinsics; in != nil && (in.FX <= 0 || in.FY <= 0) {
			return nil, fmt.Errorf("frame %d: focal lengths must be positive", i)
		}
		if e.Location != nil && !e.Location.Valid() {
			return nil, fmt.Errorf("frame %d: invalid location %v", i, *e.Location)
		}
	}
	return paths, nil
}

// LoadManifest reads and validates the manifest at path.
func LoadManifest(fsys fsutil.FileSystem, path string) (*Manifest, []string, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat manifest: %w", err)
	}
	if info.Size() > maxManifestSize {
		return nil, nil, fmt.Errorf("manifest too large: %d bytes (max %d)", info.Size(), maxManifestSize)
	}
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	paths, err := m.Validate(filepath.Dir(path))
	if err != nil {
		return nil, nil, err
	}
	return &m, paths, nil
}
