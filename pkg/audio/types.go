package audio

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a track id is unknown to the player, has not
// been decoded, or has no duration data.
var ErrNotFound = errors.New("audio: track not found")

// ErrBackendUnavailable is returned when no output device could be opened.
// Playback calls on a headless [Player] are no-ops rather than errors; this
// error is only surfaced where the caller must know (backend construction).
var ErrBackendUnavailable = errors.New("audio: output backend unavailable")

// TrackID identifies a decodable audio asset in the catalog.
type TrackID string

// String returns the textual form of the id.
func (id TrackID) String() string { return string(id) }

// PlaybackOptions control a single playback of a track.
//
// The zero value plays silently (Volume 0). Use [DefaultPlaybackOptions] to
// start from full volume.
type PlaybackOptions struct {
	// Volume is the target gain, >= 0. 1.0 is unity gain.
	Volume float64

	// Loop restarts the track from its beginning when it ends. Looping tracks
	// never fade out on their own.
	Loop bool

	// FadeIn is the length of the linear 0→Volume ramp at playback start.
	FadeIn time.Duration

	// FadeOut is the length of the linear Volume→0 ramp that ends exactly
	// when the track ends. Ignored for looping tracks.
	FadeOut time.Duration

	// Offset is how far into the track playback starts.
	Offset time.Duration
}

// DefaultPlaybackOptions returns full volume, no loop, no fades, no offset.
func DefaultPlaybackOptions() PlaybackOptions {
	return PlaybackOptions{Volume: 1.0}
}

// WithOffset returns a copy of o with Offset set to d.
func (o PlaybackOptions) WithOffset(d time.Duration) PlaybackOptions {
	o.Offset = d
	return o
}
