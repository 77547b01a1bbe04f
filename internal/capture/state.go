package capture

// State is a read-only snapshot of the machine published to observers.
type State struct {
	Stage     Stage
	FaceCount int
	// Last* fields describe the most recent ValidFace and are nil otherwise.
	LastQuality  *float64
	LastBoxRatio *float64
	LastGestures *GestureSignals
	LastEyes     *EyesOpen
}

// Finished reports whether the snapshot is in a terminal stage.
func (s State) Finished() bool {
	_, ok := s.Stage.(Finished)
	return ok
}

// Outcome returns the terminal outcome, or nil while the session is running.
func (s State) Outcome() Outcome {
	if f, ok := s.Stage.(Finished); ok {
		return f.Outcome
	}
	return nil
}

func initialState() State {
	return State{Stage: Idle{}}
}

func (s State) withObservation(obs Observation) State {
	s.LastQuality = nil
	s.LastBoxRatio = nil
	s.LastGestures = nil
	s.LastEyes = nil
	switch o := obs.(type) {
	case NoOrMultipleFaces:
		s.FaceCount = o.Count
	case ValidFace:
		q, b, g := o.Quality, o.BoxRatio, o.Gestures
		s.FaceCount = 1
		s.LastQuality = &q
		s.LastBoxRatio = &b
		s.LastGestures = &g
		if o.Eyes != nil {
			e := *o.Eyes
			s.LastEyes = &e
		}
	case DetectorError:
		s.FaceCount = 0
	}
	return s
}
