package audio

import "time"

// Envelope is the piecewise-linear gain curve applied to one playback.
// Times are measured from the moment playback starts, i.e. already shifted
// by the playback offset.
//
// Shape for a non-looping track with both fades:
//
//	gain
//	 vol ┤   ┌────────────┐
//	     │  /              \
//	   0 ┼─┘                └──
//	     0  in    hold     out  Window
type Envelope struct {
	// Volume is the plateau gain.
	Volume float64

	// FadeIn is the clamped fade-in length. Zero means start at Volume.
	FadeIn time.Duration

	// FadeOut is the clamped fade-out length. Always zero when Loop is set.
	FadeOut time.Duration

	// Window is the remaining playback time: track length minus offset.
	Window time.Duration

	// Loop disables the fade-out and holds Volume forever after the fade-in.
	Loop bool
}

// NewEnvelope derives the envelope for a track of the given length played
// with opts. Each fade is capped at half the remaining window so the fade-in
// and fade-out can never cross.
func NewEnvelope(length time.Duration, opts PlaybackOptions) Envelope {
	window := length - opts.Offset
	if window < 0 {
		window = 0
	}
	maxFade := window / 2

	env := Envelope{
		Volume: opts.Volume,
		Window: window,
		Loop:   opts.Loop,
		FadeIn: clampFade(opts.FadeIn, maxFade),
	}
	if !opts.Loop {
		env.FadeOut = clampFade(opts.FadeOut, maxFade)
	}
	return env
}

func clampFade(d, limit time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return min(d, limit)
}

// FadeOutStart returns the point where the gain starts falling. When the
// computed start would precede the end of the fade-in the hold step is
// skipped and the fades meet at the fade-in end.
func (e Envelope) FadeOutStart() time.Duration {
	if e.FadeOut <= 0 {
		return e.Window
	}
	return max(e.Window-e.FadeOut, e.FadeIn)
}

// At returns the gain at t since playback start.
func (e Envelope) At(t time.Duration) float64 {
	if t < 0 {
		t = 0
	}
	if e.FadeIn > 0 && t < e.FadeIn {
		return e.Volume * float64(t) / float64(e.FadeIn)
	}
	if e.Loop || e.FadeOut <= 0 {
		return e.Volume
	}
	start := e.FadeOutStart()
	switch {
	case t < start:
		return e.Volume
	case t >= e.Window:
		return 0
	}
	return e.Volume * float64(e.Window-t) / float64(e.Window-start)
}

// Release is a linear ramp from a starting gain to silence, used when a
// playing node is stopped with a fade.
type Release struct {
	From   float64
	Length time.Duration
}

// At returns the gain at t since the release began.
func (r Release) At(t time.Duration) float64 {
	if r.Length <= 0 || t >= r.Length {
		return 0
	}
	if t <= 0 {
		return r.From
	}
	return r.From * float64(r.Length-t) / float64(r.Length)
}
