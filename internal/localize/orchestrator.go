// Package localize runs localization sessions against the visual positioning
// service: it decides when to capture and submit frames, applies the retry,
// relocalization and background policies, and reconciles each estimate into
// tracking space before handing it to a Sink.
//
// All session state is owned by a single event-loop goroutine (Run). Public
// methods post closures to that loop and wait for them, timers post their
// callbacks to it, and each session's capture and network call run in a
// goroutine that posts its outcome back tagged with the session id.
package localize

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/vpsclient/internal/ar"
	"github.com/banshee-data/vpsclient/internal/config"
	"github.com/banshee-data/vpsclient/internal/geo"
	"github.com/banshee-data/vpsclient/internal/monitoring"
	"github.com/banshee-data/vpsclient/internal/pose"
	"github.com/banshee-data/vpsclient/internal/timeutil"
	"github.com/banshee-data/vpsclient/internal/vps"
)

// RelocalizationDebounce is how long tracking must stay lost before a
// relocalization is attempted.
const RelocalizationDebounce = time.Second

// ErrAlreadyRunning is returned by a second concurrent call to Run.
var ErrAlreadyRunning = errors.New("orchestrator already running")

var logger = monitoring.NewLogger("localize")

// Options wires an Orchestrator to its collaborators. Tracking, Capturer and
// Client are required.
type Options struct {
	Settings config.Settings
	Mode     ar.Mode

	Tracking ar.TrackingSource
	Capturer Capturer
	Client   Localizer
	Location geo.LocationProvider // optional, used for geo hints
	Mesh     MeshLoader           // optional
	Sink     Sink                 // optional
	Clock    timeutil.Clock       // defaults to the real clock
}

type activeSession struct {
	Session
	cancel context.CancelFunc
}

type counters struct {
	started, successes, failures, silentRetries, stale int64
}

// Orchestrator is the localization state machine.
type Orchestrator struct {
	settings config.Settings
	mode     ar.Mode
	tracking ar.TrackingSource
	capturer Capturer
	client   Localizer
	mesh     MeshLoader
	gate     *geo.Gate
	clock    timeutil.Clock
	filter   ConfidenceFilter
	newID    func() string

	events  chan func()
	started chan struct{}
	stopped chan struct{}
	running atomic.Bool
	out     *dispatcher

	// Everything below is owned by the event loop.
	runCtx       context.Context
	active       *activeSession
	lastTracking ar.TrackingState
	firstSuccess bool
	autoFired    bool
	retryPending bool
	retryAttempt int
	relocPending bool
	bgTimer      timeutil.Timer
	bgGen        uint64
	relocTimer   timeutil.Timer
	relocGen     uint64
	stats        counters
	lastResult   *Result
	lastFailure  *Failure
}

// New creates an Orchestrator. It does nothing until Run is called.
func New(opts Options) *Orchestrator {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := opts.Settings
	return &Orchestrator{
		settings: s,
		mode:     opts.Mode,
		tracking: opts.Tracking,
		capturer: opts.Capturer,
		client:   opts.Client,
		mesh:     opts.Mesh,
		gate:     geo.NewGate(opts.Location, clock),
		clock:    clock,
		filter:   ConfidenceFilter{Enabled: s.ConfidenceCheck, Threshold: s.ConfidenceThreshold},
		newID:    func() string { return uuid.New().String() },
		events:   make(chan func(), 64),
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
		out:      newDispatcher(opts.Sink),
	}
}

// Run processes events until ctx is canceled. On return every timer is
// stopped, any in-flight session is canceled and queued sink events have
// been delivered. An Orchestrator runs once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	close(o.started)
	dispatchDone := make(chan struct{})
	go func() {
		o.out.run(o.stopped)
		close(dispatchDone)
	}()

	o.runCtx = ctx
	o.lastTracking = o.tracking.TrackingState()
	logger.Printf("started: mode=%s tracking=%s auto=%t background=%t relocalization=%t",
		o.mode, o.lastTracking, o.settings.AutoLocalize, o.settings.BackgroundLocalization, o.settings.Relocalization)
	if o.settings.AutoLocalize && o.lastTracking == ar.Tracking {
		o.fireAuto()
	}

	for {
		select {
		case <-ctx.Done():
			o.cancelAll()
			close(o.stopped)
			<-dispatchDone
			logger.Printf("stopped")
			return nil
		case f := <-o.events:
			f()
		}
	}
}

// Started is closed once Run has begun accepting calls.
func (o *Orchestrator) Started() <-chan struct{} {
	return o.started
}

// post queues f on the event loop without waiting. It is dropped unless the
// loop is running.
func (o *Orchestrator) post(f func()) {
	if !o.running.Load() {
		return
	}
	select {
	case o.events <- f:
	case <-o.stopped:
	}
}

// do runs f on the event loop and waits for it. It reports false without
// running f if Run has not started, or if the loop stopped before f ran.
func (o *Orchestrator) do(f func()) bool {
	if !o.running.Load() {
		return false
	}
	done := make(chan struct{})
	select {
	case o.events <- func() { f(); close(done) }:
	case <-o.stopped:
		return false
	}
	select {
	case <-done:
		return true
	case <-o.stopped:
		return false
	}
}

// Trigger starts a session unless one is already active or tracking is not
// established. manual selects between a user request and an automatic one;
// only automatic requests wait on the GPS gate. It reports whether a session
// was started.
//
// Trigger and the other control methods return immediately and do nothing
// before Run starts or after it returns.
func (o *Orchestrator) Trigger(manual bool) bool {
	started := false
	o.do(func() {
		if manual {
			started = o.startSession(TriggerManual, 1)
			return
		}
		o.autoFired = true
		started = o.startSession(TriggerAuto, 1)
	})
	return started
}

// OnTrackingStateChanged feeds a tracking transition from the AR subsystem.
func (o *Orchestrator) OnTrackingStateChanged(st ar.TrackingState) {
	o.do(func() { o.onTrackingState(st) })
}

// ScheduleBackground arms the background timer, replacing any armed one.
func (o *Orchestrator) ScheduleBackground() {
	o.do(o.scheduleBackground)
}

// Cancel stops every timer and the in-flight session and returns to idle
// without delivering a result. It is idempotent.
func (o *Orchestrator) Cancel() {
	o.do(o.cancelAll)
}

// Status returns a snapshot of the orchestrator. It is the zero Status
// before Run starts and once Run has returned.
func (o *Orchestrator) Status() Status {
	var st Status
	o.do(func() { st = o.status() })
	return st
}

// startSession sets the exclusion gate and launches the session goroutine.
func (o *Orchestrator) startSession(trigger Trigger, attempt int) bool {
	if o.active != nil {
		logger.Printf("%s trigger ignored: session %s is %s", trigger, o.active.ID, o.active.State)
		return false
	}
	if st := o.tracking.TrackingState(); st != ar.Tracking {
		logger.Printf("%s trigger ignored: tracking is %s", trigger, st)
		return false
	}

	ctx, cancel := context.WithCancel(o.runCtx)
	s := &activeSession{
		Session: Session{
			ID:        o.newID(),
			Trigger:   trigger,
			Mode:      o.mode,
			Attempt:   attempt,
			State:     CapturingFrames,
			StartedAt: o.clock.Now(),
		},
		cancel: cancel,
	}
	if trigger == TriggerAuto && o.settings.PassGeoHint {
		s.State = WaitingForLocation
	}
	o.active = s
	o.stats.started++
	logger.Printf("session %s started: trigger=%s mode=%s attempt=%d", s.ID, trigger, o.mode, attempt)

	go o.execute(ctx, s.Session)
	return true
}

// execute runs one session off the loop: optional GPS gate, capture, then
// the service call. Every outcome is posted back.
func (o *Orchestrator) execute(ctx context.Context, s Session) {
	var hint *geo.Fix
	if o.settings.PassGeoHint {
		if s.Trigger == TriggerAuto {
			fix, ok, err := o.gate.Wait(ctx)
			if err != nil {
				o.post(func() { o.finish(s.ID, nil, nil, err) })
				return
			}
			if ok {
				hint = &fix
			}
			o.post(func() { o.setState(s.ID, CapturingFrames) })
		} else if fix, ok := o.gate.Current(); ok {
			hint = &fix
		}
	}

	frames, err := o.capturer.Capture(ctx, o.mode)
	if err != nil {
		o.post(func() { o.finish(s.ID, hint, nil, err) })
		return
	}

	o.post(func() { o.setState(s.ID, AwaitingServerResponse) })
	est, err := o.client.Localize(ctx, vps.Request{
		Frames:       frames,
		GeoHint:      hint,
		ConvertToGeo: o.settings.GeoCoordinatesInResponse,
	})
	o.post(func() { o.finish(s.ID, hint, est, err) })
}

func (o *Orchestrator) setState(id string, st State) {
	if o.active != nil && o.active.ID == id {
		o.active.State = st
	}
}

// finish clears the exclusion gate for the session that produced the outcome
// and routes it to the success or failure path. Outcomes from a session that
// is no longer active are discarded.
func (o *Orchestrator) finish(id string, hint *geo.Fix, est *vps.Estimate, err error) {
	s := o.active
	if s == nil || s.ID != id || o.runCtx.Err() != nil {
		o.stats.stale++
		logger.Printf("discarding outcome of inactive session %s", id)
		return
	}
	s.cancel()
	o.active = nil
	s.GeoHint = hint

	if err == nil && est == nil {
		err = vps.ErrPoseNotFound
	}
	if err == nil {
		err = o.filter.Check(est.Confidence)
	}
	if err != nil {
		o.onFailure(s.Session, err)
		return
	}
	o.onSuccess(s.Session, est)
}

func (o *Orchestrator) onSuccess(s Session, est *vps.Estimate) {
	res := Result{
		SessionID:  s.ID,
		Trigger:    s.Trigger,
		Mode:       s.Mode,
		MapIDs:     est.MapCodes,
		Pose:       pose.Reconcile(est.Estimated, est.Tracker),
		Estimated:  est.Estimated,
		Tracker:    est.Tracker,
		Confidence: est.Confidence,
		Geo:        est.Geo,
		StartedAt:  s.StartedAt,
		Duration:   o.clock.Since(s.StartedAt),
	}
	if len(est.MapCodes) > 0 {
		res.MapID = est.MapCodes[0]
	}

	o.firstSuccess = true
	o.retryPending = false
	o.stats.successes++
	o.lastResult = &res
	logger.Printf("session %s localized on %q: origin %s", s.ID, res.MapID, res.Pose)
	o.out.push(func(sink Sink) { sink.OnLocalizationSuccess(res) })

	if o.mesh != nil && res.MapID != "" {
		go o.loadMesh(o.runCtx, res.MapID)
	}
	if o.settings.BackgroundLocalization {
		o.scheduleBackground()
	}
}

// onFailure applies the retry policy, then the background policy. Until the
// first success, failed non-background sessions are retried silently when
// configured to.
func (o *Orchestrator) onFailure(s Session, err error) {
	f := Failure{
		SessionID: s.ID,
		Trigger:   s.Trigger,
		Mode:      s.Mode,
		Reason:    Classify(err),
		Err:       err,
		StartedAt: s.StartedAt,
		Duration:  o.clock.Since(s.StartedAt),
	}
	o.stats.failures++
	o.lastFailure = &f

	if o.settings.FirstLocalizationUntilSuccess && !o.firstSuccess && s.Trigger != TriggerBackground {
		o.stats.silentRetries++
		logger.Printf("session %s failed (%s), retrying", s.ID, f.Error())
		if !o.startSession(TriggerRetry, s.Attempt+1) {
			o.retryPending = true
			o.retryAttempt = s.Attempt + 1
		}
	} else {
		logger.Printf("session %s failed: %s", s.ID, f.Error())
		o.out.push(func(sink Sink) { sink.OnLocalizationFailure(f) })
	}

	if o.settings.BackgroundLocalization {
		o.scheduleBackground()
	}
}

func (o *Orchestrator) loadMesh(ctx context.Context, mapID string) {
	err := o.mesh.LoadMesh(ctx, mapID)
	o.post(func() {
		if err != nil {
			logger.Printf("mesh %q failed to load: %v", mapID, err)
			o.out.push(func(sink Sink) { sink.OnMeshLoadError(mapID, err) })
			return
		}
		o.out.push(func(sink Sink) { sink.OnMeshLoaded(mapID) })
	})
}

func (o *Orchestrator) onTrackingState(st ar.TrackingState) {
	prev := o.lastTracking
	o.lastTracking = st
	o.out.push(func(sink Sink) { sink.OnTrackingStateChanged(st) })
	if st == prev {
		return
	}
	logger.Printf("tracking %s -> %s", prev, st)

	switch st {
	case ar.Tracking:
		o.resumeTracking()
	case ar.Paused, ar.Stopped:
		if prev == ar.Tracking && o.settings.Relocalization && o.firstSuccess {
			o.armRelocalization()
		}
	}
}

// resumeTracking starts whatever was waiting for tracking: the first
// automatic attempt, a deferred silent retry, or a deferred relocalization.
func (o *Orchestrator) resumeTracking() {
	switch {
	case o.settings.AutoLocalize && !o.autoFired:
		o.fireAuto()
	case o.retryPending:
		if o.startSession(TriggerRetry, o.retryAttempt) || o.active != nil {
			o.retryPending = false
		}
	case o.relocPending && o.relocTimer == nil:
		if o.startSession(TriggerRelocalization, 1) || o.active != nil {
			o.relocPending = false
		}
	}
}

func (o *Orchestrator) fireAuto() {
	o.autoFired = true
	o.startSession(TriggerAuto, 1)
}

func (o *Orchestrator) armRelocalization() {
	stopTimer(&o.relocTimer)
	o.relocGen++
	gen := o.relocGen
	o.relocTimer = o.clock.AfterFunc(RelocalizationDebounce, func() {
		o.post(func() { o.onRelocalizationTimer(gen) })
	})
}

func (o *Orchestrator) onRelocalizationTimer(gen uint64) {
	if gen != o.relocGen || o.relocTimer == nil {
		return
	}
	o.relocTimer = nil
	if o.active != nil {
		logger.Printf("relocalization skipped: session %s active", o.active.ID)
		return
	}
	if st := o.tracking.TrackingState(); st != ar.Tracking {
		logger.Printf("relocalization deferred until tracking resumes (tracking is %s)", st)
		o.relocPending = true
		return
	}
	o.relocPending = false
	o.startSession(TriggerRelocalization, 1)
}

func (o *Orchestrator) scheduleBackground() {
	stopTimer(&o.bgTimer)
	o.bgGen++
	gen := o.bgGen
	o.bgTimer = o.clock.AfterFunc(o.settings.BackgroundInterval, func() {
		o.post(func() { o.onBackgroundTimer(gen) })
	})
}

// onBackgroundTimer starts a background session. A fire that finds a session
// active is dropped, since that session re-arms on completion; one that finds
// tracking lost re-arms.
func (o *Orchestrator) onBackgroundTimer(gen uint64) {
	if gen != o.bgGen || o.bgTimer == nil {
		return
	}
	o.bgTimer = nil
	if o.active != nil {
		logger.Printf("background localization skipped: session %s active", o.active.ID)
		return
	}
	if st := o.tracking.TrackingState(); st != ar.Tracking {
		logger.Printf("background localization skipped: tracking is %s", st)
		o.scheduleBackground()
		return
	}
	o.startSession(TriggerBackground, 1)
}

func (o *Orchestrator) cancelAll() {
	stopTimer(&o.bgTimer)
	stopTimer(&o.relocTimer)
	o.relocPending = false
	o.retryPending = false
	if o.active != nil {
		logger.Printf("session %s canceled", o.active.ID)
		o.active.cancel()
		o.active = nil
	}
}

func (o *Orchestrator) status() Status {
	st := Status{
		State:                 Idle,
		Mode:                  o.mode.String(),
		Tracking:              o.lastTracking.String(),
		FirstSuccess:          o.firstSuccess,
		SessionsStarted:       o.stats.started,
		Successes:             o.stats.successes,
		Failures:              o.stats.failures,
		SilentRetries:         o.stats.silentRetries,
		StaleResponses:        o.stats.stale,
		BackgroundArmed:       o.bgTimer != nil,
		RelocalizationArmed:   o.relocTimer != nil,
		RelocalizationPending: o.relocPending,
		RetryPending:          o.retryPending,
	}
	if o.active != nil {
		s := o.active.Session
		st.State = s.State
		st.ActiveSession = &s
	}
	if o.lastResult != nil {
		r := *o.lastResult
		st.LastResult = &r
	}
	if o.lastFailure != nil {
		f := *o.lastFailure
		st.LastFailure = &f
		st.LastFailureError = f.Error()
	}
	return st
}

func stopTimer(t *timeutil.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
