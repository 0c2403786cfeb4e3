package vps

import (
	"github.com/banshee-data/vpsclient/internal/geo"
	"github.com/banshee-data/vpsclient/internal/pose"
)

// Vec3 is a position on the wire.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quat is a rotation on the wire, scalar last.
type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// FrameMetadata is the per-frame tracker pose sent alongside each image of a
// multi-frame request.
type FrameMetadata struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	QX float64 `json:"qx"`
	QY float64 `json:"qy"`
	QZ float64 `json:"qz"`
	QW float64 `json:"qw"`
}

// TrackingPose is the tracker pose the service anchored a multi-frame
// estimate on.
type TrackingPose struct {
	Position Vec3 `json:"position"`
	Rotation Quat `json:"rotation"`
}

// GeoPose is the geographic position the service returns when asked to
// convert its estimate.
type GeoPose struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// Response is the service's JSON reply.
type Response struct {
	PoseFound    bool          `json:"poseFound"`
	Position     *Vec3         `json:"position,omitempty"`
	Rotation     *Quat         `json:"rotation,omitempty"`
	Confidence   *float64      `json:"confidence,omitempty"`
	MapCodes     []string      `json:"mapCodes,omitempty"`
	GeoPose      *GeoPose      `json:"geoPose,omitempty"`
	TrackingPose *TrackingPose `json:"trackingPose,omitempty"`
}

// Estimate is a decoded, successful localization: the map-relative camera
// pose and the tracker pose it must be reconciled against.
type Estimate struct {
	Estimated  pose.Pose
	Tracker    pose.Pose
	Confidence *float64
	MapCodes   []string
	Geo        *geo.Fix
}

func metadataFor(p pose.Pose) FrameMetadata {
	c := p.Components()
	return FrameMetadata{X: c[0], Y: c[1], Z: c[2], QX: c[3], QY: c[4], QZ: c[5], QW: c[6]}
}

func (v *Vec3) orZero() (x, y, z float64) {
	if v == nil {
		return 0, 0, 0
	}
	return v.X, v.Y, v.Z
}

func (q *Quat) orIdentity() (x, y, z, w float64) {
	if q == nil {
		return 0, 0, 0, 1
	}
	return q.X, q.Y, q.Z, q.W
}

func (t TrackingPose) pose() pose.Pose {
	return pose.New(t.Position.X, t.Position.Y, t.Position.Z, t.Rotation.X, t.Rotation.Y, t.Rotation.Z, t.Rotation.W)
}
