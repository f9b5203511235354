// Package mock provides an in-memory implementation of [audio.Player] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts and arguments, keeps a tag table like a
// real player would, and exposes exported fields that the test can set to
// control return values.
//
// Typical usage:
//
//	p := mock.NewPlayer()
//	p.SetLength("intro", 2*time.Second)
//	_ = p.Play("intro", audio.DefaultPlaybackOptions(), "thread-1")
//	id, ok := p.Playing("thread-1") // "intro", true
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Player = (*Player)(nil)

// LoadCall records the arguments of a single [Player.LoadAndCache] invocation.
type LoadCall struct {
	ID     audio.TrackID
	Source string
}

// PlayCall records the arguments of a single [Player.Play] invocation.
type PlayCall struct {
	ID      audio.TrackID
	Options audio.PlaybackOptions
	Tag     string
}

// StopCall records the arguments of a single [Player.Stop] invocation.
type StopCall struct {
	Tag  string
	Fade time.Duration
}

// SetVolumeCall records the arguments of a single [Player.SetVolume] invocation.
type SetVolumeCall struct {
	Tag    string
	Volume float64
}

// Player is a mock implementation of [audio.Player].
// Set the exported fields before use; inspect the *Calls fields after.
type Player struct {
	mu sync.Mutex

	// Lengths holds the per-track durations returned by Duration. Populate
	// it directly or through SetLength.
	Lengths map[audio.TrackID]time.Duration

	// LoadErrors maps track ids to the error LoadAndCache returns for them.
	LoadErrors map[audio.TrackID]error

	// PlayError, when non-nil, is returned by every Play call.
	PlayError error

	// LoadCalls records all LoadAndCache invocations.
	LoadCalls []LoadCall

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall

	// StopCalls records all Stop invocations, including those for unknown tags.
	StopCalls []StopCall

	// SetVolumeCalls records all SetVolume invocations.
	SetVolumeCalls []SetVolumeCall

	// CallCountStopAll records how many times StopAll was called.
	CallCountStopAll int

	loaded map[audio.TrackID]bool
	active map[string]audio.TrackID
}

// NewPlayer returns an empty mock player.
func NewPlayer() *Player {
	return &Player{
		Lengths:    make(map[audio.TrackID]time.Duration),
		LoadErrors: make(map[audio.TrackID]error),
	}
}

func (p *Player) initLocked() {
	if p.Lengths == nil {
		p.Lengths = make(map[audio.TrackID]time.Duration)
	}
	if p.loaded == nil {
		p.loaded = make(map[audio.TrackID]bool)
	}
	if p.active == nil {
		p.active = make(map[string]audio.TrackID)
	}
}

// LoadAndCache implements [audio.Player]. Records the call and returns the
// matching LoadErrors entry. Successful loads make the track playable.
func (p *Player) LoadAndCache(_ context.Context, id audio.TrackID, source string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initLocked()
	p.LoadCalls = append(p.LoadCalls, LoadCall{ID: id, Source: source})
	if err := p.LoadErrors[id]; err != nil {
		return err
	}
	p.loaded[id] = true
	return nil
}

// SetLength implements [audio.Player].
func (p *Player) SetLength(id audio.TrackID, length time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initLocked()
	p.Lengths[id] = length
}

// Duration implements [audio.Player]. Returns the Lengths entry for id or an
// error wrapping [audio.ErrNotFound].
func (p *Player) Duration(id audio.TrackID) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.Lengths[id]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("mock: duration of %q: %w", id, audio.ErrNotFound)
}

// Play implements [audio.Player]. Records the call. Tracks that were neither
// loaded nor given a length fail with [audio.ErrNotFound].
func (p *Player) Play(id audio.TrackID, opts audio.PlaybackOptions, tag string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initLocked()
	p.PlayCalls = append(p.PlayCalls, PlayCall{ID: id, Options: opts, Tag: tag})
	if p.PlayError != nil {
		return p.PlayError
	}
	if _, ok := p.Lengths[id]; !ok && !p.loaded[id] {
		return fmt.Errorf("mock: play %q: %w", id, audio.ErrNotFound)
	}
	if tag != "" {
		p.active[tag] = id
	}
	return nil
}

// Stop implements [audio.Player]. The tag is released immediately even when
// fade > 0.
func (p *Player) Stop(tag string, fade time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StopCalls = append(p.StopCalls, StopCall{Tag: tag, Fade: fade})
	delete(p.active, tag)
}

// SetVolume implements [audio.Player].
func (p *Player) SetVolume(tag string, volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SetVolumeCalls = append(p.SetVolumeCalls, SetVolumeCall{Tag: tag, Volume: volume})
}

// Active implements [audio.Player].
func (p *Player) Active(tag string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[tag]
	return ok
}

// StopAll implements [audio.Player].
func (p *Player) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountStopAll++
	clear(p.active)
}

// Playing returns the track currently registered under tag.
func (p *Player) Playing(tag string) (audio.TrackID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.active[tag]
	return id, ok
}

// ActiveCount returns the number of registered tags.
func (p *Player) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// End simulates the node under tag reaching its natural end.
func (p *Player) End(tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, tag)
}

// Plays returns a copy of PlayCalls.
func (p *Player) Plays() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.PlayCalls))
	copy(out, p.PlayCalls)
	return out
}

// Stops returns a copy of StopCalls.
func (p *Player) Stops() []StopCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StopCall, len(p.StopCalls))
	copy(out, p.StopCalls)
	return out
}

// Reset clears the recorded calls but keeps lengths, loads and active tags.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LoadCalls = nil
	p.PlayCalls = nil
	p.StopCalls = nil
	p.SetVolumeCalls = nil
	p.CallCountStopAll = 0
}
