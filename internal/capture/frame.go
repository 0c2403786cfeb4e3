// Package capture acquires camera frames from the AR subsystem, brings image
// and pose into a common orientation, and JPEG-encodes them for a
// localization request.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/vpsclient/internal/ar"
	"github.com/banshee-data/vpsclient/internal/pose"
)

var (
	// ErrCapture covers a missing frame, lost tracking in single-frame mode,
	// and encode failures.
	ErrCapture = errors.New("frame capture failed")
	// ErrInsufficientFrames means a multi-frame capture ended before it had
	// collected its frame budget.
	ErrInsufficientFrames = errors.New("insufficient frames captured")
)

// portraitCorrection turns the camera pose a quarter turn about its forward
// axis to match an image rotated 90° clockwise.
var portraitCorrection = pose.AxisAngle(r3.Vec{Z: 1}, -math.Pi/2)

// EncodedFrame is one frame ready to be sent: JPEG bytes plus the metadata
// the server and the reconciler need, all in the image's final orientation.
type EncodedFrame struct {
	JPEG       []byte
	Width      int
	Height     int
	Intrinsics ar.Intrinsics
	Pose       pose.Pose
	CapturedAt time.Time
}

// normalized is a frame after orientation correction, before encoding.
type normalized struct {
	img        image.Image
	intrinsics ar.Intrinsics
	pose       pose.Pose
}

// normalize rotates portrait frames 90° clockwise and moves the intrinsics
// and pose with them. Landscape frames pass through unchanged.
func normalize(f *ar.Frame) (normalized, error) {
	if f == nil || f.Image == nil {
		return normalized{}, fmt.Errorf("%w: empty frame", ErrCapture)
	}
	if f.Orientation != ar.Portrait {
		return normalized{img: f.Image, intrinsics: f.Intrinsics, pose: f.Pose}, nil
	}

	h := float64(f.Image.Bounds().Dy())
	in := f.Intrinsics
	return normalized{
		img: imaging.Rotate270(f.Image),
		intrinsics: ar.Intrinsics{
			FX: in.FY,
			FY: in.FX,
			PX: h - in.PY,
			PY: in.PX,
		},
		pose: pose.ComposeLocal(f.Pose, portraitCorrection),
	}, nil
}

// encode JPEG-encodes n at the given quality (1-100).
func encode(n normalized, quality int) (EncodedFrame, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, n.img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return EncodedFrame{}, fmt.Errorf("%w: encode jpeg: %v", ErrCapture, err)
	}
	b := n.img.Bounds()
	return EncodedFrame{
		JPEG:       buf.Bytes(),
		Width:      b.Dx(),
		Height:     b.Dy(),
		Intrinsics: n.intrinsics,
		Pose:       n.pose,
	}, nil
}
