package vad

// Smoother keeps a short moving average of raw frame energy per participant.
// A three-frame window damps single-frame spikes and packet-loss dropouts
// while adding at most two frames of decision latency.
type Smoother struct {
	window int
	hist   map[string][]float64
}

// NewSmoother returns a Smoother averaging over the last window samples.
// Windows below 1 are treated as 1.
func NewSmoother(window int) *Smoother {
	if window < 1 {
		window = 1
	}
	return &Smoother{window: window, hist: make(map[string][]float64)}
}

// Observe appends raw to the participant's history, discarding the oldest
// sample once the window is full, and returns the mean of the history.
func (s *Smoother) Observe(participantID string, raw float64) float64 {
	h := s.hist[participantID]
	if len(h) == s.window {
		copy(h, h[1:])
		h = h[:len(h)-1]
	}
	if h == nil {
		h = make([]float64, 0, s.window)
	}
	h = append(h, raw)
	s.hist[participantID] = h

	var sum float64
	for _, v := range h {
		sum += v
	}
	return sum / float64(len(h))
}

// Reset drops the participant's history.
func (s *Smoother) Reset(participantID string) {
	delete(s.hist, participantID)
}

// Len reports how many samples are held for the participant.
func (s *Smoother) Len(participantID string) int {
	return len(s.hist[participantID])
}
