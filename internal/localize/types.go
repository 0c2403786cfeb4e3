package localize

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/vpsclient/internal/ar"
	"github.com/banshee-data/vpsclient/internal/capture"
	"github.com/banshee-data/vpsclient/internal/geo"
	"github.com/banshee-data/vpsclient/internal/pose"
	"github.com/banshee-data/vpsclient/internal/vps"
)

// Trigger says what started a session.
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerAuto
	TriggerBackground
	TriggerRelocalization
	TriggerRetry
)

func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerAuto:
		return "auto"
	case TriggerBackground:
		return "background"
	case TriggerRelocalization:
		return "relocalization"
	case TriggerRetry:
		return "retry"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// MarshalText encodes the trigger by name.
func (t Trigger) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// State is the orchestrator's session state.
type State int

const (
	Idle State = iota
	WaitingForLocation
	CapturingFrames
	AwaitingServerResponse
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WaitingForLocation:
		return "waiting_for_location"
	case CapturingFrames:
		return "capturing_frames"
	case AwaitingServerResponse:
		return "awaiting_server_response"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Session describes one localization attempt.
type Session struct {
	ID        string    `json:"id"`
	Trigger   Trigger   `json:"trigger"`
	Mode      ar.Mode   `json:"mode"`
	Attempt   int       `json:"attempt"` // 1 for the first try, counting silent retries
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	GeoHint   *geo.Fix  `json:"geo_hint,omitempty"`
}

// Result is a successful localization, reconciled into tracking space.
type Result struct {
	SessionID  string        `json:"session_id"`
	Trigger    Trigger       `json:"trigger"`
	Mode       ar.Mode       `json:"mode"`
	MapID      string        `json:"map_id,omitempty"`
	MapIDs     []string      `json:"map_ids,omitempty"`
	Pose       pose.Pose     `json:"pose"` // map origin in tracking space
	Estimated  pose.Pose     `json:"estimated"`
	Tracker    pose.Pose     `json:"tracker"`
	Confidence *float64      `json:"confidence,omitempty"`
	Geo        *geo.Fix      `json:"geo,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Failure is a localization session that ended without a usable result.
type Failure struct {
	SessionID string        `json:"session_id"`
	Trigger   Trigger       `json:"trigger"`
	Mode      ar.Mode       `json:"mode"`
	Reason    Reason        `json:"reason"`
	Err       error         `json:"-"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

func (f Failure) Error() string {
	if f.Err == nil {
		return f.Reason.String()
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Sink receives the orchestrator's events. Calls are made one at a time, in
// order, from a dedicated goroutine, so a Sink may call back into the
// Orchestrator.
type Sink interface {
	OnLocalizationSuccess(Result)
	OnLocalizationFailure(Failure)
	OnTrackingStateChanged(ar.TrackingState)
	OnMeshLoaded(mapID string)
	OnMeshLoadError(mapID string, err error)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) OnLocalizationSuccess(Result)            {}
func (NopSink) OnLocalizationFailure(Failure)           {}
func (NopSink) OnTrackingStateChanged(ar.TrackingState) {}
func (NopSink) OnMeshLoaded(string)                     {}
func (NopSink) OnMeshLoadError(string, error)           {}

// Capturer produces the encoded frames for one request.
type Capturer interface {
	Capture(ctx context.Context, mode ar.Mode) ([]capture.EncodedFrame, error)
}

// Localizer submits frames to the positioning service.
type Localizer interface {
	Localize(ctx context.Context, req vps.Request) (*vps.Estimate, error)
}

// MeshLoader fetches the mesh of a localized map.
type MeshLoader interface {
	LoadMesh(ctx context.Context, mapID string) error
}

// Status is a snapshot of the orchestrator for the debug surface.
type Status struct {
	State                 State    `json:"state"`
	Mode                  string   `json:"mode"`
	Tracking              string   `json:"tracking"`
	ActiveSession         *Session `json:"active_session,omitempty"`
	FirstSuccess          bool     `json:"first_success"`
	SessionsStarted       int64    `json:"sessions_started"`
	Successes             int64    `json:"successes"`
	Failures              int64    `json:"failures"`
	SilentRetries         int64    `json:"silent_retries"`
	StaleResponses        int64    `json:"stale_responses"`
	BackgroundArmed       bool     `json:"background_armed"`
	RelocalizationArmed   bool     `json:"relocalization_armed"`
	RelocalizationPending bool     `json:"relocalization_pending"`
	RetryPending          bool     `json:"retry_pending"`
	LastResult            *Result  `json:"last_result,omitempty"`
	LastFailure           *Failure `json:"last_failure,omitempty"`
	LastFailureError      string   `json:"last_failure_error,omitempty"`
}
