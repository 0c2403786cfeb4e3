package ar

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vpsclient/internal/pose"
)

func TestParseTrackingState(t *testing.T) {
	for _, st := range []TrackingState{Tracking, Paused, Stopped} {
		got, err := ParseTrackingState(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseTrackingState("lost")
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("multi")
	require.NoError(t, err)
	assert.Equal(t, MultiFrame, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, SingleFrame, m)

	_, err = ParseMode("burst")
	assert.Error(t, err)
}

func TestTextRoundTrip(t *testing.T) {
	type doc struct {
		Mode        Mode          `json:"mode"`
		Tracking    TrackingState `json:"tracking"`
		Orientation Orientation   `json:"orientation"`
	}
	var d doc
	require.NoError(t, json.Unmarshal([]byte(`{"mode":"multi","tracking":"paused","orientation":"portrait"}`), &d))
	assert.Equal(t, doc{Mode: MultiFrame, Tracking: Paused, Orientation: Portrait}, d)

	b, err := json.Marshal(struct {
		Mode     Mode          `json:"mode"`
		Tracking TrackingState `json:"tracking"`
	}{MultiFrame, Tracking})
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"multi","tracking":"tracking"}`, string(b))

	assert.Error(t, json.Unmarshal([]byte(`{"orientation":"sideways"}`), &d))
}

func TestFrame_ReleaseOnce(t *testing.T) {
	calls := 0
	f := NewFrame(nil, Intrinsics{}, pose.Identity(), Landscape, func() { calls++ })
	f.Release()
	f.Release()
	assert.Equal(t, 1, calls)

	var nilFrame *Frame
	nilFrame.Release()
}
