package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vpsclient/internal/ar"
	"github.com/banshee-data/vpsclient/internal/pose"
	"github.com/banshee-data/vpsclient/internal/timeutil"
)

// fakeSource serves frames and reports a scripted tracking state per tick.
type fakeSource struct {
	mu         sync.Mutex
	states     []ar.TrackingState // consumed one per TrackingState call; last repeats
	orient     ar.Orientation
	acquireErr error
	img        image.Image
	acquired   int
	released   int
}

func newFakeSource(states ...ar.TrackingState) *fakeSource {
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for x := 0; x < 8; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 60), B: 128, A: 255})
		}
	}
	if len(states) == 0 {
		states = []ar.TrackingState{ar.Tracking}
	}
	return &fakeSource{states: states, img: img}
}

func (s *fakeSource) TrackingState() ar.TrackingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[0]
	if len(s.states) > 1 {
		s.states = s.states[1:]
	}
	return st
}

func (s *fakeSource) AcquireFrame(ctx context.Context) (*ar.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	s.acquired++
	p := pose.New(float64(s.acquired), 0, 0, 0, 0, 0, 1)
	in := ar.Intrinsics{FX: 500, FY: 510, PX: 4, PY: 2}
	return ar.NewFrame(s.img, in, p, s.orient, func() {
		s.mu.Lock()
		s.released++
		s.mu.Unlock()
	}), nil
}

func (s *fakeSource) counts() (acquired, released int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired, s.released
}

type captureResult struct {
	frames []EncodedFrame
	err    error
}

func runCapture(ctx context.Context, c *Controller, mode ar.Mode) <-chan captureResult {
	out := make(chan captureResult, 1)
	go func() {
		frames, err := c.Capture(ctx, mode)
		out <- captureResult{frames, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan captureResult) captureResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("capture did not finish")
		return captureResult{}
	}
}

func TestCaptureSingle(t *testing.T) {
	src := newFakeSource()
	c := NewController(src, timeutil.NewMockClock(time.Now()), Options{ImageQuality: 90})

	frames, err := c.Capture(context.Background(), ar.SingleFrame)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	f := frames[0]
	assert.Equal(t, 8, f.Width)
	assert.Equal(t, 4, f.Height)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(f.JPEG))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Width)

	acquired, released := src.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
}

// slowImage moves the clock forward the first time its pixels are read.
type slowImage struct {
	image.Image
	once  sync.Once
	clock *timeutil.MockClock
}

func (m *slowImage) At(x, y int) color.Color {
	m.once.Do(func() { m.clock.Advance(time.Second) })
	return m.Image.At(x, y)
}

func TestCaptureSingle_StampsAtAcquisition(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	src := newFakeSource()
	src.img = &slowImage{Image: src.img, clock: clock}
	c := NewController(src, clock, Options{ImageQuality: 90})

	frames, err := c.Capture(context.Background(), ar.SingleFrame)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	assert.True(t, clock.Now().After(start), "encoding should have read the pixels")
	assert.Equal(t, start, frames[0].CapturedAt)
}

func TestCaptureSingle_TrackingLost(t *testing.T) {
	src := newFakeSource(ar.Paused)
	c := NewController(src, timeutil.NewMockClock(time.Now()), Options{})

	_, err := c.Capture(context.Background(), ar.SingleFrame)
	assert.ErrorIs(t, err, ErrCapture)
	acquired, _ := src.counts()
	assert.Equal(t, 0, acquired)
}

func TestCaptureSingle_AcquireError(t *testing.T) {
	src := newFakeSource()
	src.acquireErr = errors.New("camera busy")
	c := NewController(src, timeutil.NewMockClock(time.Now()), Options{})

	_, err := c.Capture(context.Background(), ar.SingleFrame)
	assert.ErrorIs(t, err, ErrCapture)
	assert.ErrorContains(t, err, "camera busy")
}

func TestCaptureSingle_PortraitNormalization(t *testing.T) {
	src := newFakeSource()
	src.orient = ar.Portrait
	c := NewController(src, timeutil.NewMockClock(time.Now()), Options{})

	frames, err := c.Capture(context.Background(), ar.SingleFrame)
	require.NoError(t, err)
	f := frames[0]

	// 8×4 landscape buffer becomes 4×8.
	assert.Equal(t, 4, f.Width)
	assert.Equal(t, 8, f.Height)
	assert.Equal(t, ar.Intrinsics{FX: 510, FY: 500, PX: 2, PY: 4}, f.Intrinsics)

	// Camera x axis now points along tracking -y.
	x := pose.Rotate(f.Pose.Rotation, r3.Vec{X: 1})
	assert.InDelta(t, -1.0, x.Y, 1e-9)
	assert.Equal(t, r3.Vec{X: 1}, f.Pose.Position)
}

func TestNormalize_PortraitRotatesPixelsClockwise(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	img.Set(0, 0, red)
	img.Set(1, 0, blue)

	n, err := normalize(ar.NewFrame(img, ar.Intrinsics{}, pose.Identity(), ar.Portrait, nil))
	require.NoError(t, err)

	// After a clockwise quarter turn the left pixel is on top.
	r, _, _, _ := n.img.At(0, 0).RGBA()
	_, _, b, _ := n.img.At(0, 1).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), b)
}

func TestCaptureMulti_SkipsNonTrackingTicks(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())
	src := newFakeSource(ar.Tracking, ar.Paused, ar.Tracking, ar.Stopped, ar.Paused, ar.Tracking, ar.Tracking)
	c := NewController(src, clock, Options{NumberOfFrames: 4, Interval: 200 * time.Millisecond})

	done := runCapture(context.Background(), c, ar.MultiFrame)

	// 7 ticks in total: 4 good, 3 skipped, so 6 waits.
	for i := 0; i < 6; i++ {
		clock.BlockUntil(1)
		clock.Advance(200 * time.Millisecond)
	}

	r := await(t, done)
	require.NoError(t, r.err)
	require.Len(t, r.frames, 4)
	for i, f := range r.frames {
		assert.Equal(t, float64(i+1), f.Pose.Position.X, "frame %d keeps acquisition order", i)
		assert.NotEmpty(t, f.JPEG)
	}
	acquired, released := src.counts()
	assert.Equal(t, 4, acquired)
	assert.Equal(t, 4, released)
}

func TestCaptureMulti_CanceledBeforeBudget(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())
	src := newFakeSource()
	c := NewController(src, clock, Options{NumberOfFrames: 5, Interval: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := runCapture(ctx, c, ar.MultiFrame)
	clock.BlockUntil(1)
	clock.Advance(100 * time.Millisecond)
	clock.BlockUntil(1)
	cancel()

	r := await(t, done)
	assert.ErrorIs(t, r.err, ErrInsufficientFrames)
	assert.ErrorContains(t, r.err, "got 2 of 5")
	acquired, released := src.counts()
	assert.Equal(t, acquired, released, "every acquired frame is released")
}

func TestCaptureMulti_GivesUpWithoutTracking(t *testing.T) {
	clock := timeutil.NewMockClock(time.Now())
	src := newFakeSource(ar.Paused)
	c := NewController(src, clock, Options{NumberOfFrames: 4, Interval: 100 * time.Millisecond, MaxSkippedTicks: 3})

	done := runCapture(context.Background(), c, ar.MultiFrame)
	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(100 * time.Millisecond)
	}

	r := await(t, done)
	assert.ErrorIs(t, r.err, ErrInsufficientFrames)
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 4, o.NumberOfFrames)
	assert.Equal(t, 500*time.Millisecond, o.Interval)
	assert.Equal(t, 80, o.ImageQuality)
	assert.Equal(t, 2, o.Workers)
	assert.Equal(t, 40, o.MaxSkippedTicks)
}
