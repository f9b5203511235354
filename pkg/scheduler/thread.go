package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

// Component places a track on a thread's timeline.
type Component struct {
	Track audio.TrackID
	Start time.Duration

	// Options are passed to the player as given. Their zero value has
	// Volume 0, so a literal Component{Track, Start} plays silently; build
	// audible components with [NewComponent] or set Volume explicitly.
	Options audio.PlaybackOptions
}

// NewComponent returns a component at start with full volume and no fades.
func NewComponent(track audio.TrackID, start time.Duration) Component {
	return Component{Track: track, Start: start, Options: audio.DefaultPlaybackOptions()}
}

// Thread is one logical timeline of components mapped onto a single player
// tag. Create threads with [Context.NewThread].
type Thread struct {
	c    *Context
	name string
	tag  string

	// Guarded by c.mu.
	components map[audio.TrackID]Component
	order      []audio.TrackID
	priority   prioritySet
	running    bool
	start      time.Time
	hasBarrier bool
	barrier    time.Duration
	hits       int
	playing    bool
	current    audio.TrackID
	wake       Timer
	discarded  bool
}

// Name returns the thread's name.
func (t *Thread) Name() string { return t.name }

// Tag returns the player tag the thread plays under.
func (t *Thread) Tag() string { return t.tag }

// PlayOption adjusts a [Thread.Play] call.
type PlayOption func(*playConfig)

type playConfig struct {
	priority    []audio.TrackID
	hasPriority bool
	startFrom   time.Duration
	barrier     time.Duration
	hasBarrier  bool
}

// WithPriority sets the initial priority set, lowest priority first. Without
// it every component is prioritised in the order it was added.
func WithPriority(ids ...audio.TrackID) PlayOption {
	return func(cfg *playConfig) {
		cfg.priority = ids
		cfg.hasPriority = true
	}
}

// StartFrom starts the timeline d in, as if it had been playing for d.
func StartFrom(d time.Duration) PlayOption {
	return func(cfg *playConfig) { cfg.startFrom = d }
}

// WithBarrier sets a barrier at d on the timeline.
func WithBarrier(d time.Duration) PlayOption {
	return func(cfg *playConfig) {
		cfg.barrier = d
		cfg.hasBarrier = true
	}
}

// AddComponent inserts c, replacing any component for the same track. On a
// running thread the track is also prioritised and the thread recomputes.
func (t *Thread) AddComponent(c Component) error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	t.putLocked(c)
	if !t.running {
		return nil
	}
	t.priority.add(c.Track)
	return t.updateLocked()
}

func (t *Thread) putLocked(c Component) {
	if _, ok := t.components[c.Track]; !ok {
		t.order = append(t.order, c.Track)
	}
	t.components[c.Track] = c
}

// SetPriority makes id the highest priority entry, moving it if it is
// already present. id must name a component.
func (t *Thread) SetPriority(id audio.TrackID) error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	if _, ok := t.components[id]; !ok {
		return fmt.Errorf("%w: thread %q has no component %q", ErrInvalidState, t.name, id)
	}
	t.priority.add(id)
	return t.updateLocked()
}

// RemovePriority drops id from the priority set.
func (t *Thread) RemovePriority(id audio.TrackID) error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	t.priority.remove(id)
	return t.updateLocked()
}

// RemovePriorityPrefix drops every priority entry starting with prefix.
func (t *Thread) RemovePriorityPrefix(prefix string) error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	t.priority.removePrefix(prefix)
	return t.updateLocked()
}

// Play (re)starts the thread. Any earlier playback is stopped first and the
// barrier combo resets.
func (t *Thread) Play(opts ...PlayOption) error {
	var cfg playConfig
	for _, o := range opts {
		o(&cfg)
	}

	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}

	ids := t.order
	if cfg.hasPriority {
		for _, id := range cfg.priority {
			if _, ok := t.components[id]; !ok {
				return fmt.Errorf("%w: thread %q has no component %q", ErrInvalidState, t.name, id)
			}
		}
		ids = cfg.priority
	}

	t.stopLocked()
	t.setRunningLocked(true)
	t.start = t.c.clock.Now().Add(-cfg.startFrom)
	t.priority.reset(ids)
	t.hasBarrier = cfg.hasBarrier
	t.barrier = cfg.barrier
	return t.updateLocked()
}

// Stop halts the thread. Components are kept; priority, barrier and combo
// are cleared and the wake timer is cancelled.
func (t *Thread) Stop() {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.stopLocked()
}

func (t *Thread) stopLocked() {
	t.setRunningLocked(false)
	t.hasBarrier = false
	t.hits = 0
	t.priority.clear()
	t.interruptLocked()
	if t.wake != nil {
		t.wake.Stop()
		t.wake = nil
	}
}

// SetBarrier places the barrier at d and resets the combo.
func (t *Thread) SetBarrier(d time.Duration) error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	t.hasBarrier = true
	t.barrier = d
	t.hits = 0
	return t.updateLocked()
}

// ClearBarrier removes the barrier and resets the combo.
func (t *Thread) ClearBarrier() error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	t.hasBarrier = false
	t.hits = 0
	return t.updateLocked()
}

// Recompute runs one scheduling pass without changing any state. Calling it
// repeatedly is harmless.
func (t *Thread) Recompute() error {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return err
	}
	return t.updateLocked()
}

// TimeUntilPlaybackComplete returns how long until every prioritised
// component has reached its end. It is zero for stopped threads and empty
// priority sets.
func (t *Thread) TimeUntilPlaybackComplete() (time.Duration, error) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if err := t.checkLocked(); err != nil {
		return 0, err
	}
	if !t.running || t.priority.len() == 0 {
		return 0, nil
	}

	var end time.Duration
	for _, id := range t.priority.ids {
		comp, err := t.componentLocked(id)
		if err != nil {
			return 0, err
		}
		d, err := t.c.player.Duration(id)
		if err != nil {
			return 0, fmt.Errorf("scheduler: thread %q: %w", t.name, err)
		}
		end = max(end, comp.Start+d)
	}
	return max(0, end-t.c.clock.Now().Sub(t.start)), nil
}

// Wait blocks until [Thread.TimeUntilPlaybackComplete] reaches zero. A
// barrier rewind that pushes the end further out extends the wait.
func (t *Thread) Wait(ctx context.Context) error {
	for {
		d, err := t.TimeUntilPlaybackComplete()
		if err != nil {
			return err
		}
		if d <= 0 {
			return nil
		}
		fired := make(chan struct{})
		timer := t.c.clock.AfterFunc(d, func() { close(fired) })
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-fired:
		}
	}
}

// AfterPlaybackComplete runs fn on its own goroutine once [Thread.Wait]
// returns without error.
func (t *Thread) AfterPlaybackComplete(ctx context.Context, fn func()) {
	go func() {
		if err := t.Wait(ctx); err != nil {
			return
		}
		fn()
	}()
}

// BarrierHits returns the current combo.
func (t *Thread) BarrierHits() int {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.hits
}

// Running reports whether the thread's timeline is advancing.
func (t *Thread) Running() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.running
}

// CurrentTrack returns the track the thread is playing. It reports false
// once that track has ended on the player, even before the thread's next
// recompute.
func (t *Thread) CurrentTrack() (audio.TrackID, bool) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.audibleLocked()
}

func (t *Thread) audibleLocked() (audio.TrackID, bool) {
	if !t.playing || !t.c.player.Active(t.tag) {
		return "", false
	}
	return t.current, true
}

// Elapsed returns the position on the timeline. Zero when stopped.
func (t *Thread) Elapsed() time.Duration {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if !t.running {
		return 0
	}
	return t.c.clock.Now().Sub(t.start)
}

// Priority returns the priority set, lowest first.
func (t *Thread) Priority() []audio.TrackID {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.priority.list()
}

// Components returns the thread's components in insertion order.
func (t *Thread) Components() []Component {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	out := make([]Component, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.components[id])
	}
	return out
}

func (t *Thread) checkLocked() error {
	if t.discarded {
		return fmt.Errorf("%w: thread %q was discarded", ErrInvalidState, t.name)
	}
	return nil
}

func (t *Thread) componentLocked(id audio.TrackID) (Component, error) {
	comp, ok := t.components[id]
	if !ok {
		return Component{}, fmt.Errorf("%w: thread %q prioritises unknown component %q", ErrInvalidState, t.name, id)
	}
	return comp, nil
}

func (t *Thread) setRunningLocked(running bool) {
	if t.running == running {
		return
	}
	t.running = running
	delta := int64(1)
	if !running {
		delta = -1
	}
	t.c.m.running.Add(bg, delta)
}

// updateLocked is the scheduling pass. It is idempotent: with no change in
// time or state a second pass issues no player calls and leaves exactly one
// wake timer armed for the same instant.
func (t *Thread) updateLocked() error {
	if !t.running {
		return nil
	}

	now := t.c.clock.Now()
	elapsed := now.Sub(t.start)

	if t.hasBarrier && elapsed >= t.barrier {
		t.hits++
		t.start = now.Add(-(t.barrier - t.c.rewind))
		t.interruptLocked()
		elapsed = now.Sub(t.start)
		t.c.m.barrierHits.Add(bg, 1, threadAttr(t))
		t.c.log.Debug("scheduler: barrier hit", "thread", t.name, "barrier", t.barrier, "hits", t.hits, "elapsed", elapsed)
	}

	selected, err := t.selectLocked(elapsed)
	if err != nil {
		return err
	}

	next, ok, err := t.nextEventLocked(elapsed)
	if err != nil {
		return err
	}
	if t.wake != nil {
		t.wake.Stop()
		t.wake = nil
	}
	if ok {
		t.wake = t.c.clock.AfterFunc(next-elapsed, t.onWake)
	}

	if selected == nil {
		t.interruptLocked()
		return nil
	}
	if t.playing && t.current == selected.Track {
		return nil
	}

	opts := selected.Options.WithOffset(elapsed - selected.Start)
	if err := t.c.player.Play(selected.Track, opts, t.tag); err != nil {
		return fmt.Errorf("scheduler: thread %q: play %q: %w", t.name, selected.Track, err)
	}
	t.playing = true
	t.current = selected.Track
	t.c.m.trackStarts.Add(bg, 1, metric.WithAttributes(
		attribute.String("thread", t.name),
		attribute.String("track", string(selected.Track)),
	))
	t.c.log.Debug("scheduler: track started", "thread", t.name, "track", selected.Track, "offset", opts.Offset)
	return nil
}

// selectLocked returns the highest priority component eligible at elapsed.
func (t *Thread) selectLocked(elapsed time.Duration) (*Component, error) {
	for i := t.priority.len() - 1; i >= 0; i-- {
		comp, err := t.componentLocked(t.priority.ids[i])
		if err != nil {
			return nil, err
		}
		d, err := t.c.player.Duration(comp.Track)
		if err != nil {
			return nil, fmt.Errorf("scheduler: thread %q: %w", t.name, err)
		}
		if elapsed >= comp.Start && elapsed < comp.Start+d {
			return &comp, nil
		}
	}
	return nil, nil
}

// nextEventLocked returns the nearest barrier or prioritised component start
// strictly after elapsed.
func (t *Thread) nextEventLocked(elapsed time.Duration) (time.Duration, bool, error) {
	var next time.Duration
	found := false
	if t.hasBarrier && t.barrier > elapsed {
		next, found = t.barrier, true
	}
	for _, id := range t.priority.ids {
		comp, err := t.componentLocked(id)
		if err != nil {
			return 0, false, err
		}
		if comp.Start > elapsed && (!found || comp.Start < next) {
			next, found = comp.Start, true
		}
	}
	return next, found, nil
}

func (t *Thread) interruptLocked() {
	if !t.playing {
		return
	}
	t.c.player.Stop(t.tag, 0)
	t.playing = false
	t.current = ""
	t.c.m.interrupts.Add(bg, 1, threadAttr(t))
}

// onWake is the wake timer callback. Errors have no caller to return to and
// are logged.
func (t *Thread) onWake() {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.discarded {
		return
	}
	if err := t.updateLocked(); err != nil {
		t.c.m.recomputeErrors.Add(bg, 1, threadAttr(t))
		t.c.log.Error("scheduler: recompute failed", "thread", t.name, "err", err)
	}
}
