package progress

// Frame is one displayed state. PhaseChanged is set on the single frame where
// the percentage is allowed to drop because the relay leg began.
type Frame struct {
	Percent      int
	Label        string
	Phase        Phase
	PhaseChanged bool
}

// Display keeps the displayed percentage from moving backwards. It is not
// safe for concurrent use; the tracker guards it.
type Display struct {
	shown bool
	last  Frame
}

// Show folds v into the display and returns the resulting frame together with
// whether anything visible changed.
func (d *Display) Show(v View) (Frame, bool) {
	if !d.shown {
		d.shown = true
		d.last = Frame{Percent: v.Percent, Label: v.Label, Phase: v.Phase}
		return d.last, true
	}
	prev := d.last
	switch {
	case v.Phase < prev.Phase:
		return prev, false
	case v.Phase > prev.Phase:
		d.last = Frame{Percent: v.Percent, Label: v.Label, Phase: v.Phase, PhaseChanged: true}
		return d.last, true
	}
	next := Frame{Percent: max(prev.Percent, v.Percent), Label: v.Label, Phase: prev.Phase}
	if next.Percent == prev.Percent && next.Label == prev.Label {
		return prev, false
	}
	d.last = next
	return next, true
}

// Last returns the most recent frame and whether anything has been shown.
func (d *Display) Last() (Frame, bool) {
	return d.last, d.shown
}
