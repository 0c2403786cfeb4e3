package pose

import "encoding/json"

type jsonVec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type jsonQuat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type jsonPose struct {
	Position jsonVec   `json:"position"`
	Rotation *jsonQuat `json:"rotation,omitempty"`
}

// MarshalJSON encodes the pose as {"position":{x,y,z},"rotation":{x,y,z,w}}.
func (p Pose) MarshalJSON() ([]byte, error) {
	c := p.Components()
	return json.Marshal(jsonPose{
		Position: jsonVec{X: c[0], Y: c[1], Z: c[2]},
		Rotation: &jsonQuat{X: c[3], Y: c[4], Z: c[5], W: c[6]},
	})
}

// UnmarshalJSON accepts the MarshalJSON form. A missing rotation is the
// identity.
func (p *Pose) UnmarshalJSON(b []byte) error {
	var v jsonPose
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	q := jsonQuat{W: 1}
	if v.Rotation != nil {
		q = *v.Rotation
	}
	*p = New(v.Position.X, v.Position.Y, v.Position.Z, q.X, q.Y, q.Z, q.W)
	return nil
}
