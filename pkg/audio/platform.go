// Package audio defines the playback primitive consumed by the thread
// scheduler, together with the value types shared by every implementation.
//
// The central abstraction is [Player]: it owns decoded audio keyed by
// [TrackID], starts tagged playbacks with a linear fade [Envelope], and stops
// or retargets them by tag. Concrete players live in sub-packages
// (audio/local drives a real output device; audio/mock records calls for
// tests).
//
// This package lives under pkg/ because hosts embedding the scheduler are
// expected to provide their own [Player] when the bundled one does not fit.
package audio

import (
	"context"
	"time"
)

// Player is the playback primitive.
//
// A Player keeps at most one active node per tag. Starting a playback under a
// tag that is already active stops the previous node first; the two never
// overlap.
//
// Implementations must be safe for concurrent use. Play and Stop are
// fire-and-forget: they return once the node is registered or torn down, not
// when audio output completes.
type Player interface {
	// LoadAndCache decodes the asset at source and caches it under id. A
	// track that fails to decode stays unplayable for the session; the
	// failure is returned so callers can log it, but it never affects other
	// tracks.
	LoadAndCache(ctx context.Context, id TrackID, source string) error

	// SetLength registers a literal duration override for id. Overrides take
	// precedence over the measured decoded length and are available before
	// the track has been decoded.
	SetLength(id TrackID, length time.Duration)

	// Duration returns the literal override for id if one exists, otherwise
	// the decoded length. Returns an error wrapping [ErrNotFound] if neither
	// is available.
	Duration(id TrackID) (time.Duration, error)

	// Play starts id with the envelope derived from opts. When tag is
	// non-empty the node is registered under it, evicting any prior node.
	// Returns an error wrapping [ErrNotFound] if id has not been decoded.
	// On a headless player Play is a no-op and returns nil.
	Play(id TrackID, opts PlaybackOptions, tag string) error

	// Stop tears down the node registered under tag. With fade > 0 the gain
	// ramps to zero first and teardown happens after the ramp. Unknown tags
	// are ignored.
	Stop(tag string, fade time.Duration)

	// SetVolume changes the live gain of the node under tag without a ramp.
	SetVolume(tag string, volume float64)

	// Active reports whether a node is currently registered under tag.
	Active(tag string) bool

	// StopAll immediately stops every tagged node.
	StopAll()
}

// EffectTag returns the tag used for overlap-guarded sound effects of id.
func EffectTag(id TrackID) string {
	return "effect:" + string(id)
}

// PlayEffect plays id once at volume with no fades. When preventOverlap is
// set the playback is tagged with [EffectTag] and skipped entirely while an
// earlier instance is still registered; otherwise it is untagged and may
// overlap freely.
func PlayEffect(p Player, id TrackID, volume float64, preventOverlap bool) error {
	opts := PlaybackOptions{Volume: volume}
	if !preventOverlap {
		return p.Play(id, opts, "")
	}
	tag := EffectTag(id)
	if p.Active(tag) {
		return nil
	}
	return p.Play(id, opts, tag)
}
