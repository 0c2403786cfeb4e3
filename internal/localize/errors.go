package localize

import (
	"errors"
	"fmt"

	"github.com/banshee-data/vpsclient/internal/capture"
	"github.com/banshee-data/vpsclient/internal/vps"
)

// Reason classifies why a localization session failed.
type Reason int

const (
	ReasonNetworkError Reason = iota
	ReasonCaptureError
	ReasonInsufficientFrames
	ReasonPoseNotFound
	ReasonLowConfidence
	ReasonMissingAuthToken
)

var reasonNames = map[Reason]string{
	ReasonNetworkError:       "network_error",
	ReasonCaptureError:       "capture_error",
	ReasonInsufficientFrames: "insufficient_frames",
	ReasonPoseNotFound:       "pose_not_found",
	ReasonLowConfidence:      "low_confidence",
	ReasonMissingAuthToken:   "missing_auth_token",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// MarshalText encodes the reason by name.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Classify maps an error from the capture, vps or confidence stages onto a
// Reason. Anything unrecognised is a network error, since the request is the
// only remaining stage.
func Classify(err error) Reason {
	switch {
	case errors.Is(err, capture.ErrInsufficientFrames):
		return ReasonInsufficientFrames
	case errors.Is(err, capture.ErrCapture):
		return ReasonCaptureError
	case errors.Is(err, vps.ErrMissingAuthToken):
		return ReasonMissingAuthToken
	case errors.Is(err, vps.ErrPoseNotFound):
		return ReasonPoseNotFound
	case errors.Is(err, ErrLowConfidence):
		return ReasonLowConfidence
	default:
		return ReasonNetworkError
	}
}
