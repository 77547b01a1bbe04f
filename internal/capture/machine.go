package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errMissingSnapshot = errors.New("snapshot missing while interacting")

// Machine is the capture/liveness state machine. Process, Finish, Restart and the
// timer callbacks are serialized by one mutex; State and InvalidReason are read-only
// projections that any number of goroutines may observe.
type Machine struct {
	mu  sync.Mutex
	cfg Config
	log *zap.Logger

	sessionID uuid.UUID
	state     State
	snapshot  *snapshot

	watchdog  *Watchdog
	debouncer *Debouncer

	stateCell  *Cell[State]
	reasonCell *Cell[InvalidReason]
}

// snapshot is the identity ground truth for the rest of the session.
type snapshot struct {
	featureVector []float32
	image         Image
}

// New validates cfg, fills defaults and returns an Idle machine.
func New(cfg Config) (*Machine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:        cfg,
		state:      initialState(),
		watchdog:   NewWatchdog(cfg.Clock, cfg.Timeout),
		debouncer:  NewDebouncer(cfg.Clock, cfg.InvalidReasonDelay),
		stateCell:  NewCell(initialState()),
		reasonCell: NewCell(ReasonNone),
	}
	m.newSession()
	return m, nil
}

// SessionID identifies the current session. It changes on Restart.
func (m *Machine) SessionID() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// State returns the observable capture state.
func (m *Machine) State() *Cell[State] {
	return m.stateCell
}

// InvalidReason returns the debounced invalid-reason observable. ReasonNone means the frame is fine.
func (m *Machine) InvalidReason() *Cell[InvalidReason] {
	return m.reasonCell
}

// Process consumes one observation. It is a no-op once the session finished.
func (m *Machine) Process(obs Observation) {
	m.mu.Lock()
	res := m.processLocked(obs)
	m.mu.Unlock()
	m.deliver(res)
}

// Finish cancels the session unless it already finished.
func (m *Machine) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishLocked(Cancelled{})
}

// Restart starts a fresh session. It only has an effect once the current one finished.
func (m *Machine) Restart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.finished() {
		return
	}
	m.watchdog.Stop()
	m.debouncer.Reset()
	m.publishReason(ReasonNone)
	m.releaseSnapshot()
	m.state = initialState()
	m.newSession()
	m.log.Debug("session restarted")
	m.publishLocked()
}

func (m *Machine) newSession() {
	m.sessionID = uuid.New()
	m.log = m.cfg.Logger.With(zap.String("session", m.sessionID.String()))
}

func (m *Machine) finished() bool {
	_, ok := m.state.Stage.(Finished)
	return ok
}

func (m *Machine) processLocked(obs Observation) *Result {
	if m.finished() {
		return nil
	}
	if _, ok := m.state.Stage.(Idle); ok {
		m.state.Stage = Preparing{}
		m.log.Debug("stage changed", zap.Stringer("stage", m.state.Stage))
		m.watchdog.Arm(m.onWatchdog)
	}

	m.state = m.state.withObservation(obs)

	var res *Result
	switch o := obs.(type) {
	case ValidFace:
		res = m.onValidFace(o)
	case NoOrMultipleFaces:
		m.onFailedFrame()
	case DetectorError:
		if !o.Transient {
			err := o.Err
			if err == nil {
				err = errors.New("detector failure")
			}
			m.finishLocked(InternalError{Err: fmt.Errorf("detector: %w", err)})
			return nil
		}
		m.onFailedFrame()
	default:
		m.finishLocked(InternalError{Err: fmt.Errorf("unsupported observation %T", obs)})
		return nil
	}

	if !m.finished() {
		m.publishLocked()
	}
	return res
}

// onFailedFrame breaks the Preparing streak. Interacting keeps its progress.
func (m *Machine) onFailedFrame() {
	if st, ok := m.state.Stage.(Preparing); ok && st.PassCount != 0 {
		m.state.Stage = Preparing{}
	}
}

func (m *Machine) onValidFace(face ValidFace) *Result {
	switch st := m.state.Stage.(type) {
	case Preparing:
		return m.onPreparing(st, face)
	case Interacting:
		return m.onInteracting(st, face)
	default:
		m.finishLocked(InternalError{Err: fmt.Errorf("observation in stage %s", st)})
		return nil
	}
}

func (m *Machine) onPreparing(st Preparing, face ValidFace) *Result {
	if m.check(st, face, true) != ReasonNone {
		m.state.Stage = Preparing{}
		return nil
	}

	st.PassCount++
	if st.PassCount < m.cfg.RequiredPassCount {
		m.state.Stage = st
		return nil
	}

	img, err := m.cfg.Snapshotter(face)
	if err != nil {
		m.finishLocked(InternalError{Err: fmt.Errorf("acquire snapshot image: %w", err)})
		return nil
	}
	m.snapshot = &snapshot{
		featureVector: append([]float32(nil), face.FeatureVector...),
		image:         img,
	}
	m.log.Debug("snapshot captured", zap.Int("dim", len(face.FeatureVector)), zap.Float64("quality", face.Quality))

	if len(m.cfg.Challenges) == 0 {
		return m.succeedLocked()
	}

	order := Shuffle(m.cfg.Challenges, m.cfg.Rand)
	m.setInteracting(Interacting{
		Remaining: append([]ChallengeType(nil), order[1:]...),
		Current:   order[0],
		Substage:  SubstageGesture,
	})
	return nil
}

func (m *Machine) onInteracting(st Interacting, face ValidFace) *Result {
	if m.snapshot == nil {
		m.finishLocked(InternalError{Err: errMissingSnapshot})
		return nil
	}

	switch st.Substage {
	case SubstageGesture:
		if m.check(st, face, false) != ReasonNone || !face.Gestures.Has(st.Current) {
			return nil
		}
		st.HitCount++
		if st.HitCount >= m.cfg.RequiredHitCount(st.Current) {
			st.Substage = SubstageConfirm
		}
		m.setInteracting(st)
		return nil

	case SubstageConfirm:
		if m.check(st, face, true) != ReasonNone {
			return nil
		}
		sim := m.cfg.Similarity(m.snapshot.featureVector, face.FeatureVector)
		if !(sim >= m.cfg.MinSimilarity) {
			m.log.Debug("identity check failed", zap.String("challenge", string(st.Current)), zap.Float64("similarity", sim))
			return nil
		}
		if len(st.Remaining) == 0 {
			return m.succeedLocked()
		}
		m.setInteracting(Interacting{
			Remaining: append([]ChallengeType(nil), st.Remaining[1:]...),
			Current:   st.Remaining[0],
			Substage:  SubstageGesture,
		})
		return nil

	default:
		m.finishLocked(InternalError{Err: fmt.Errorf("unknown substage %q", st.Substage)})
		return nil
	}
}

func (m *Machine) check(stage Stage, face ValidFace, neutral bool) InvalidReason {
	view := &faceView{
		quality:  face.Quality,
		boxRatio: face.BoxRatio,
		eyes:     face.Eyes,
		gestures: face.Gestures,
	}
	return evaluate(stage, 1, view, neutral, m.cfg.MinQuality, m.cfg.MinBoxRatio)
}

// setInteracting re-arms the watchdog whenever the stage, challenge or substage changes.
func (m *Machine) setInteracting(next Interacting) {
	prev, wasInteracting := m.state.Stage.(Interacting)
	m.state.Stage = next
	if wasInteracting && prev.Current == next.Current && prev.Substage == next.Substage {
		return
	}
	m.log.Debug("stage changed", zap.Stringer("stage", next))
	m.watchdog.Arm(m.onWatchdog)
}

func (m *Machine) succeedLocked() *Result {
	res := Result{
		FeatureVector: m.snapshot.featureVector,
		Image:         m.snapshot.image,
	}
	// The image now belongs to the result receiver.
	m.snapshot = nil
	m.finishLocked(Success{Result: res})
	return &res
}

// finishLocked is the single disposal path for every terminal outcome.
func (m *Machine) finishLocked(outcome Outcome) {
	if m.finished() {
		return
	}
	m.watchdog.Stop()
	m.debouncer.Reset()
	m.publishReason(ReasonNone)
	m.releaseSnapshot()
	m.state.Stage = Finished{Outcome: outcome}

	switch o := outcome.(type) {
	case InternalError:
		m.log.Error("capture failed", zap.Error(o.Err))
	default:
		m.log.Info("capture finished", zap.Stringer("outcome", outcome))
	}
	m.publishLocked()
}

func (m *Machine) releaseSnapshot() {
	if m.snapshot == nil {
		return
	}
	if m.snapshot.image != nil {
		if err := m.snapshot.image.Close(); err != nil {
			m.log.Warn("release snapshot image", zap.Error(err))
		}
	}
	m.snapshot = nil
}

func (m *Machine) publishLocked() {
	m.stateCell.set(m.state)
	raw := RawInvalidReason(m.state, m.cfg.MinQuality, m.cfg.MinBoxRatio)
	if r, now := m.debouncer.Observe(raw, m.onDebounce); now {
		m.publishReason(r)
	}
}

func (m *Machine) publishReason(r InvalidReason) {
	if m.reasonCell.Get() != r {
		m.reasonCell.set(r)
	}
}

func (m *Machine) onWatchdog(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.watchdog.Current(gen) {
		return
	}
	m.finishLocked(Timeout{})
}

func (m *Machine) onDebounce(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.debouncer.Fired(gen); ok {
		m.publishReason(r)
	}
}

func (m *Machine) deliver(res *Result) {
	if res != nil && m.cfg.OnSuccess != nil {
		m.cfg.OnSuccess(*res)
	}
}
