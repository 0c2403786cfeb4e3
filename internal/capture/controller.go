package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/vpsclient/internal/ar"
	"github.com/banshee-data/vpsclient/internal/monitoring"
	"github.com/banshee-data/vpsclient/internal/timeutil"
)

var logger = monitoring.NewLogger("capture")

// Options configures a Controller. Zero values take defaults.
type Options struct {
	NumberOfFrames int           // multi-frame budget, default 4
	Interval       time.Duration // spacing between multi-frame ticks, default 500ms
	ImageQuality   int           // JPEG quality, default 80
	Workers        int           // concurrent encoders, default 2
	// MaxSkippedTicks bounds how many non-tracking ticks a multi-frame
	// capture tolerates before giving up with ErrInsufficientFrames.
	// Default 10 × NumberOfFrames.
	MaxSkippedTicks int
}

func (o Options) withDefaults() Options {
	if o.NumberOfFrames <= 0 {
		o.NumberOfFrames = 4
	}
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.ImageQuality <= 0 {
		o.ImageQuality = 80
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxSkippedTicks <= 0 {
		o.MaxSkippedTicks = 10 * o.NumberOfFrames
	}
	return o
}

// Controller acquires and encodes the frames for one localization request.
// It holds no per-request state and may be reused across sessions.
type Controller struct {
	source ar.FrameSource
	clock  timeutil.Clock
	opts   Options
}

// NewController creates a Controller reading from source.
func NewController(source ar.FrameSource, clock timeutil.Clock, opts Options) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{source: source, clock: clock, opts: opts.withDefaults()}
}

// Capture collects the frames for one request: exactly one in SingleFrame
// mode, NumberOfFrames in MultiFrame mode. Every acquired camera frame is
// released before Capture returns, whatever the outcome.
func (c *Controller) Capture(ctx context.Context, mode ar.Mode) ([]EncodedFrame, error) {
	if mode == ar.MultiFrame {
		return c.captureMulti(ctx)
	}
	return c.captureSingle(ctx)
}

func (c *Controller) captureSingle(ctx context.Context) ([]EncodedFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st := c.source.TrackingState(); st != ar.Tracking {
		return nil, fmt.Errorf("%w: tracking is %s", ErrCapture, st)
	}
	frame, err := c.source.AcquireFrame(ctx)
	if err != nil {
		frame.Release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: acquire: %v", ErrCapture, err)
	}
	defer frame.Release()
	capturedAt := c.clock.Now()

	n, err := normalize(frame)
	if err != nil {
		return nil, err
	}
	ef, err := encode(n, c.opts.ImageQuality)
	if err != nil {
		return nil, err
	}
	ef.CapturedAt = capturedAt
	return []EncodedFrame{ef}, nil
}

// captureMulti acquires one frame per tick until the budget is met. Ticks
// where tracking is not established, or the source has no frame, are skipped
// without using up budget. Encoding runs on a bounded pool while acquisition
// continues.
func (c *Controller) captureMulti(ctx context.Context) ([]EncodedFrame, error) {
	want := c.opts.NumberOfFrames
	frames := make([]EncodedFrame, want)

	var g errgroup.Group
	g.SetLimit(c.opts.Workers)

	collected, skipped := 0, 0
	var loopErr error

	for collected < want {
		if collected > 0 || skipped > 0 {
			if err := timeutil.Sleep(ctx, c.clock, c.opts.Interval); err != nil {
				loopErr = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			loopErr = err
			break
		}

		if st := c.source.TrackingState(); st != ar.Tracking {
			skipped++
			logger.Printf("tick skipped: tracking is %s (%d/%d frames)", st, collected, want)
			if skipped > c.opts.MaxSkippedTicks {
				loopErr = fmt.Errorf("%w: tracking unavailable for %d ticks", ErrInsufficientFrames, skipped)
				break
			}
			continue
		}

		frame, err := c.source.AcquireFrame(ctx)
		if err != nil {
			frame.Release()
			skipped++
			logger.Printf("tick skipped: acquire failed: %v", err)
			if skipped > c.opts.MaxSkippedTicks {
				loopErr = fmt.Errorf("%w: %d ticks without a frame", ErrInsufficientFrames, skipped)
				break
			}
			continue
		}

		idx := collected
		capturedAt := c.clock.Now()
		collected++
		g.Go(func() error {
			defer frame.Release()
			n, err := normalize(frame)
			if err != nil {
				return err
			}
			ef, err := encode(n, c.opts.ImageQuality)
			if err != nil {
				return err
			}
			ef.CapturedAt = capturedAt
			frames[idx] = ef
			return nil
		})
	}

	encErr := g.Wait()

	if loopErr != nil {
		if errors.Is(loopErr, context.Canceled) || errors.Is(loopErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: got %d of %d: %v", ErrInsufficientFrames, collected, want, loopErr)
		}
		return nil, loopErr
	}
	if encErr != nil {
		return nil, encErr
	}
	logger.Printf("captured %d frames (%d ticks skipped)", collected, skipped)
	return frames, nil
}
