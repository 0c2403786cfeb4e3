package replay

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/banshee-data/vpsclient/internal/ar"
	"github.com/banshee-data/vpsclient/internal/fsutil"
	"github.com/banshee-data/vpsclient/internal/geo"
	"github.com/banshee-data/vpsclient/internal/monitoring"
	"github.com/banshee-data/vpsclient/internal/timeutil"
)

var logger = monitoring.NewLogger("replay")

// Player serves a Manifest as an ar.FrameSource and geo.LocationProvider.
// The current entry only changes on Step, so a capture sees the recorded
// tracking state of whichever entry is current at each tick.
type Player struct {
	fsys     fsutil.FileSystem
	clock    timeutil.Clock
	manifest *Manifest
	paths    []string

	mu          sync.Mutex
	idx         int
	held        int // steps spent on idx
	done        bool
	images      map[int]image.Image
	lastFix     *geo.Fix
	outstanding int
	acquired    int
}

var (
	_ ar.FrameSource       = (*Player)(nil)
	_ geo.LocationProvider = (*Player)(nil)
)

// Open loads the manifest at path and returns a Player positioned on its
// first entry.
func Open(fsys fsutil.FileSystem, path string, clock timeutil.Clock) (*Player, error) {
	m, paths, err := LoadManifest(fsys, path)
	if err != nil {
		return nil, err
	}
	return NewPlayer(fsys, m, paths, clock), nil
}

// NewPlayer creates a Player over a validated manifest. paths are the
// resolved image paths returned by Manifest.Validate.
func NewPlayer(fsys fsutil.FileSystem, m *Manifest, paths []string, clock timeutil.Clock) *Player {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	p := &Player{
		fsys:     fsys,
		clock:    clock,
		manifest: m,
		paths:    paths,
		images:   make(map[int]image.Image),
	}
	p.noteLocation()
	return p
}

// Len returns the number of manifest entries.
func (p *Player) Len() int { return len(p.manifest.Frames) }

// Index returns the current entry.
func (p *Player) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idx
}

// Done reports whether a non-looping replay has run past its last entry.
func (p *Player) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Outstanding returns how many acquired frames have not been released.
func (p *Player) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Acquired returns how many frames have been handed out.
func (p *Player) Acquired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

// TrackingState returns the recorded state of the current entry. A finished
// replay reports Stopped.
func (p *Player) TrackingState() ar.TrackingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trackingLocked()
}

func (p *Player) trackingLocked() ar.TrackingState {
	if p.done {
		return ar.Stopped
	}
	if st := p.manifest.Frames[p.idx].Tracking; st != nil {
		return *st
	}
	return ar.Tracking
}

// AcquireFrame decodes (once) and returns the current entry's image.
func (p *Player) AcquireFrame(ctx context.Context) (*ar.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return nil, fmt.Errorf("replay finished")
	}
	idx := p.idx
	entry := p.manifest.Frames[idx]
	img, ok := p.images[idx]
	p.mu.Unlock()

	if !ok {
		var err error
		img, err = p.decode(idx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.images[idx] = img
		p.mu.Unlock()
	}

	in := defaultIntrinsics(img.Bounds())
	if entry.Intrinsics != nil {
		in = entry.Intrinsics.toAR()
	}

	p.mu.Lock()
	p.outstanding++
	p.acquired++
	p.mu.Unlock()

	return ar.NewFrame(img, in, entry.Pose, entry.Orientation, func() {
		p.mu.Lock()
		p.outstanding--
		p.mu.Unlock()
	}), nil
}

func (p *Player) decode(idx int) (image.Image, error) {
	path := p.paths[idx]
	data, err := p.fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", idx, err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("frame %d: decode %s: %w", idx, path, err)
	}
	return img, nil
}

// defaultIntrinsics approximates a 90° horizontal field of view centred on
// the image.
func defaultIntrinsics(b image.Rectangle) ar.Intrinsics {
	w, h := float64(b.Dx()), float64(b.Dy())
	f := w / 2
	return ar.Intrinsics{FX: f, FY: f, PX: w / 2, PY: h / 2}
}

// LastFix returns the most recent location seen up to the current entry.
func (p *Player) LastFix() (geo.Fix, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastFix == nil {
		return geo.Fix{}, false
	}
	return *p.lastFix, true
}

func (p *Player) noteLocation() {
	if loc := p.manifest.Frames[p.idx].Location; loc != nil {
		fix := *loc
		p.lastFix = &fix
	}
}

// Step advances to the next entry, honouring Hold and Loop. It returns the
// tracking state after the step and whether the replay is still running.
func (p *Player) Step() (ar.TrackingState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return ar.Stopped, false
	}

	hold := p.manifest.Frames[p.idx].Hold
	if hold < 1 {
		hold = 1
	}
	p.held++
	if p.held < hold {
		return p.trackingLocked(), true
	}

	p.held = 0
	next := p.idx + 1
	if next >= len(p.manifest.Frames) {
		if !p.manifest.Loop {
			p.done = true
			return ar.Stopped, false
		}
		next = 0
	}
	if next != p.idx {
		delete(p.images, p.idx)
	}
	p.idx = next
	p.noteLocation()
	return p.trackingLocked(), true
}

// Run steps through the manifest at its step interval until the replay
// finishes or ctx is done. onTracking is called with the initial state and
// again whenever a step changes it; the final call on a finished replay
// reports Stopped.
func (p *Player) Run(ctx context.Context, onTracking func(ar.TrackingState)) error {
	interval := p.manifest.Interval()
	last := p.TrackingState()
	if onTracking != nil {
		onTracking(last)
	}

	for {
		if err := timeutil.Sleep(ctx, p.clock, interval); err != nil {
			return err
		}
		st, running := p.Step()
		if st != last {
			logger.Printf("entry %d: tracking %s -> %s", p.Index(), last, st)
			last = st
			if onTracking != nil {
				onTracking(st)
			}
		}
		if !running {
			logger.Printf("replay finished after %d entries", p.Len())
			return nil
		}
	}
}
