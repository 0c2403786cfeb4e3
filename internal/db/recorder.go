package db

import (
	"github.com/banshee-data/vpsclient/internal/ar"
	"github.com/banshee-data/vpsclient/internal/localize"
	"github.com/banshee-data/vpsclient/internal/timeutil"
)

// Recorder is a localize.Sink that writes every event to the history
// database. Write errors are logged and otherwise ignored so a full disk
// never stalls localization.
type Recorder struct {
	db    *DB
	clock timeutil.Clock
}

var _ localize.Sink = (*Recorder)(nil)

// NewRecorder creates a Recorder writing to db.
func NewRecorder(db *DB, clock timeutil.Clock) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{db: db, clock: clock}
}

func (r *Recorder) OnLocalizationSuccess(res localize.Result) {
	if err := r.db.InsertAttempt(AttemptFromResult(res)); err != nil {
		logger.Printf("failed to record success of session %s: %v", res.SessionID, err)
	}
}

func (r *Recorder) OnLocalizationFailure(f localize.Failure) {
	if err := r.db.InsertAttempt(AttemptFromFailure(f)); err != nil {
		logger.Printf("failed to record failure of session %s: %v", f.SessionID, err)
	}
}

func (r *Recorder) OnTrackingStateChanged(st ar.TrackingState) {
	if err := r.db.RecordTrackingState(st.String(), r.clock.Now()); err != nil {
		logger.Printf("failed to record tracking state %s: %v", st, err)
	}
}

func (r *Recorder) OnMeshLoaded(mapID string) {
	if err := r.db.RecordMeshLoad(mapID, nil, r.clock.Now()); err != nil {
		logger.Printf("failed to record mesh load of %s: %v", mapID, err)
	}
}

func (r *Recorder) OnMeshLoadError(mapID string, loadErr error) {
	if err := r.db.RecordMeshLoad(mapID, loadErr, r.clock.Now()); err != nil {
		logger.Printf("failed to record mesh load error of %s: %v", mapID, err)
	}
}
