package planner

// Window is a periodic inclusion policy: On seconds included, then Off
// seconds skipped, repeating.
type Window struct {
	On  float64
	Off float64
}

// Scatter walks the timeline through the on/off phases of a Window.
type Scatter struct {
	window    Window
	on        bool
	remaining float64
}

// NewScatter returns a Scatter positioned at the start of an on phase.
func NewScatter(w Window) *Scatter {
	return &Scatter{
		window:    w,
		on:        true,
		remaining: w.On,
	}
}

// Advance reports whether a segment starting at the current position is
// included, then moves the position forward by delta seconds.
func (s *Scatter) Advance(delta float64) bool {
	included := s.on

	s.remaining -= delta
	for s.remaining <= 0 {
		s.on = !s.on
		if s.on {
			s.remaining += s.window.On
		} else {
			s.remaining += s.window.Off
		}
	}

	return included
}
