// Package events fans localization events out to any number of subscribers
// and serves a live tail of them on the debug mux.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/vpsclient/internal/ar"
	"github.com/banshee-data/vpsclient/internal/localize"
	"github.com/banshee-data/vpsclient/internal/timeutil"
)

// Kind names an event.
type Kind string

const (
	KindSuccess    Kind = "success"
	KindFailure    Kind = "failure"
	KindTracking   Kind = "tracking"
	KindMeshLoaded Kind = "mesh_loaded"
	KindMeshError  Kind = "mesh_error"
)

// subscriberBuffer is how many events a slow subscriber may fall behind
// before events are dropped for it.
const subscriberBuffer = 16

// Event is one orchestrator event as seen by subscribers.
type Event struct {
	Kind     Kind              `json:"kind"`
	Time     time.Time         `json:"time"`
	Result   *localize.Result  `json:"result,omitempty"`
	Failure  *localize.Failure `json:"failure,omitempty"`
	Error    string            `json:"error,omitempty"`
	Tracking string            `json:"tracking,omitempty"`
	MapID    string            `json:"map_id,omitempty"`
}

// Broadcaster is a localize.Sink that copies every event to its
// subscribers and forwards it to the wrapped sinks.
type Broadcaster struct {
	clock        timeutil.Clock
	forward      []localize.Sink
	subscribers  map[string]chan Event
	subscriberMu sync.Mutex
	closing      bool
}

// NewBroadcaster creates a Broadcaster that also forwards every event to
// each of forward, in order.
func NewBroadcaster(clock timeutil.Clock, forward ...localize.Sink) *Broadcaster {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Broadcaster{
		clock:       clock,
		forward:     forward,
		subscribers: make(map[string]chan Event),
	}
}

// Subscribe creates a new channel for receiving events. The ID is used to
// unsubscribe.
func (b *Broadcaster) Subscribe() (string, <-chan Event) {
	id := uuid.New().String()
	ch := make(chan Event, subscriberBuffer)
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if b.closing {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later events are still forwarded.
func (b *Broadcaster) Close() {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	b.closing = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

func (b *Broadcaster) publish(e Event) {
	e.Time = b.clock.Now()
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			// full: skip so one slow reader cannot stall the orchestrator
		}
	}
}

func (b *Broadcaster) OnLocalizationSuccess(r localize.Result) {
	b.publish(Event{Kind: KindSuccess, Result: &r, MapID: r.MapID})
	for _, s := range b.forward {
		s.OnLocalizationSuccess(r)
	}
}

func (b *Broadcaster) OnLocalizationFailure(f localize.Failure) {
	b.publish(Event{Kind: KindFailure, Failure: &f, Error: f.Error()})
	for _, s := range b.forward {
		s.OnLocalizationFailure(f)
	}
}

func (b *Broadcaster) OnTrackingStateChanged(st ar.TrackingState) {
	b.publish(Event{Kind: KindTracking, Tracking: st.String()})
	for _, s := range b.forward {
		s.OnTrackingStateChanged(st)
	}
}

func (b *Broadcaster) OnMeshLoaded(mapID string) {
	b.publish(Event{Kind: KindMeshLoaded, MapID: mapID})
	for _, s := range b.forward {
		s.OnMeshLoaded(mapID)
	}
}

func (b *Broadcaster) OnMeshLoadError(mapID string, err error) {
	e := Event{Kind: KindMeshError, MapID: mapID}
	if err != nil {
		e.Error = err.Error()
	}
	b.publish(e)
	for _, s := range b.forward {
		s.OnMeshLoadError(mapID, err)
	}
}

var _ localize.Sink = (*Broadcaster)(nil)
