package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vpsclient/internal/ar"
	"github.com/banshee-data/vpsclient/internal/localize"
	"github.com/banshee-data/vpsclient/internal/timeutil"
)

type countingSink struct {
	localize.NopSink
	successes, failures, tracking int
}

func (c *countingSink) OnLocalizationSuccess(localize.Result)   { c.successes++ }
func (c *countingSink) OnLocalizationFailure(localize.Failure)  { c.failures++ }
func (c *countingSink) OnTrackingStateChanged(ar.TrackingState) { c.tracking++ }

func TestBroadcaster_SubscribeReceivesEvents(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	b := NewBroadcaster(timeutil.NewMockClock(now))

	id, ch := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())

	b.OnLocalizationSuccess(localize.Result{SessionID: "s1", MapID: "hall-a"})
	b.OnLocalizationFailure(localize.Failure{SessionID: "s2", Reason: localize.ReasonPoseNotFound})
	b.OnTrackingStateChanged(ar.Paused)
	b.OnMeshLoaded("hall-a")
	b.OnMeshLoadError("hall-b", errors.New("404"))

	want := []Kind{KindSuccess, KindFailure, KindTracking, KindMeshLoaded, KindMeshError}
	for _, k := range want {
		e := <-ch
		assert.Equal(t, k, e.Kind)
		assert.Equal(t, now, e.Time)
		switch k {
		case KindSuccess:
			require.NotNil(t, e.Result)
			assert.Equal(t, "s1", e.Result.SessionID)
			assert.Equal(t, "hall-a", e.MapID)
		case KindFailure:
			require.NotNil(t, e.Failure)
			assert.Equal(t, "pose_not_found", e.Error)
		case KindTracking:
			assert.Equal(t, "paused", e.Tracking)
		case KindMeshError:
			assert.Equal(t, "hall-b", e.MapID)
			assert.Equal(t, "404", e.Error)
		}
	}

	b.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok, "channel closed on unsubscribe")
	assert.Equal(t, 0, b.Subscribers())
	b.Unsubscribe(id)
}

func TestBroadcaster_ForwardsToSinks(t *testing.T) {
	a, c := &countingSink{}, &countingSink{}
	b := NewBroadcaster(nil, a, c)

	b.OnLocalizationSuccess(localize.Result{})
	b.OnLocalizationFailure(localize.Failure{})
	b.OnLocalizationFailure(localize.Failure{})
	b.OnTrackingStateChanged(ar.Tracking)

	for _, s := range []*countingSink{a, c} {
		assert.Equal(t, 1, s.successes)
		assert.Equal(t, 2, s.failures)
		assert.Equal(t, 1, s.tracking)
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	_, ch := b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			b.OnTrackingStateChanged(ar.Tracking)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestBroadcaster_Close(t *testing.T) {
	sink := &countingSink{}
	b := NewBroadcaster(nil, sink)
	id, ch := b.Subscribe()

	b.Close()
	_, ok := <-ch
	assert.False(t, ok)
	b.Unsubscribe(id)

	_, late := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscriptions after Close are closed immediately")

	b.OnLocalizationSuccess(localize.Result{})
	assert.Equal(t, 1, sink.successes, "forwarding continues after Close")
}
