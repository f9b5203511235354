// Package scheduler decides which audio track each thread should be playing
// at every moment and drives an [audio.Player] accordingly.
//
// A [Thread] holds components (a track placed at a start offset on the
// thread's own timeline) and an ordered priority set naming the components
// currently allowed to play. Whenever its state changes, and whenever its
// single wake timer fires, the thread recomputes: it picks the most recently
// prioritised component whose window [Start, Start+duration) contains the
// elapsed time, starts it at the matching offset if it is not already
// playing, and arms one timer for the next component start or barrier.
//
// A barrier is a point on the timeline the thread must not pass. On reaching
// it the thread rewinds by [DefaultRewind] (configurable), counts a hit and
// replays. Hits across all threads of a [Context] feed external effects via
// [Context.TotalBarrierHits] and [Context.DistortionIntensity].
//
// All threads created from one Context share its mutex: every exported method
// and every timer callback is serialised, so the player sees one call order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

const meterName = "github.com/hbtz-dev/neuro2024simulator/pkg/scheduler"

const (
	// DefaultRewind is how far the timeline jumps back when a barrier is hit.
	DefaultRewind = 300 * time.Millisecond

	// hitIntensity and maxIntensity shape [Context.DistortionIntensity].
	hitIntensity = 0.3
	maxIntensity = 3.0
)

var (
	// ErrInvalidState reports a contract violation such as a priority entry
	// with no matching component, or use of a discarded thread.
	ErrInvalidState = errors.New("scheduler: invalid state")

	// ErrThreadExists is returned by [Context.NewThread] for a taken name.
	ErrThreadExists = errors.New("scheduler: thread already exists")
)

// Option configures a [Context] during construction.
type Option func(*Context)

// WithClock sets the time source. Default: [SystemClock].
func WithClock(c Clock) Option {
	return func(ctx *Context) { ctx.clock = c }
}

// WithRewind sets the barrier rewind window. Negative values are ignored.
func WithRewind(d time.Duration) Option {
	return func(ctx *Context) {
		if d >= 0 {
			ctx.rewind = d
		}
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(ctx *Context) { ctx.log = l }
}

// WithMeterProvider sets the meter provider. Default: [otel.GetMeterProvider].
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(ctx *Context) { ctx.mp = mp }
}

// Context owns a set of threads that share one player and one lock. It
// replaces process-wide thread registries: stop-all and hit totals are scoped
// to the threads created from it.
type Context struct {
	player audio.Player
	clock  Clock
	rewind time.Duration
	log    *slog.Logger
	mp     metric.MeterProvider
	m      *metrics

	mu      sync.Mutex
	threads []*Thread
	byName  map[string]*Thread
	nextID  int
}

// New creates a Context driving player.
func New(player audio.Player, opts ...Option) (*Context, error) {
	c := &Context{
		player: player,
		clock:  SystemClock{},
		rewind: DefaultRewind,
		byName: make(map[string]*Thread),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.mp == nil {
		c.mp = otel.GetMeterProvider()
	}
	m, err := newMetrics(c.mp)
	if err != nil {
		return nil, fmt.Errorf("scheduler: create metrics: %w", err)
	}
	c.m = m
	return c, nil
}

// Player returns the player the context drives.
func (c *Context) Player() audio.Player { return c.player }

// Rewind returns the configured barrier rewind window.
func (c *Context) Rewind() time.Duration { return c.rewind }

// NewThread creates a stopped thread pre-populated with components. A later
// component for the same track replaces an earlier one. An empty name
// defaults to the thread's player tag. Component options are not
// defaulted: a zero Volume stays silent (see [NewComponent]).
func (c *Context) NewThread(name string, components ...Component) (*Thread, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tag := fmt.Sprintf("audiothread-%d", c.nextID)
	if name == "" {
		name = tag
	}
	if _, ok := c.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrThreadExists, name)
	}
	c.nextID++

	t := &Thread{
		c:          c,
		name:       name,
		tag:        tag,
		components: make(map[audio.TrackID]Component, len(components)),
	}
	for _, comp := range components {
		t.putLocked(comp)
	}
	c.threads = append(c.threads, t)
	c.byName[name] = t
	return t, nil
}

// Thread returns the live thread called name.
func (c *Context) Thread(name string) (*Thread, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.byName[name]
	return t, ok
}

// Threads returns every live thread in creation order.
func (c *Context) Threads() []*Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.threads)
}

// Discard stops t and removes it from the context. Further calls on t return
// [ErrInvalidState]. Discarding twice is a no-op.
func (c *Context) Discard(t *Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.discarded {
		return
	}
	t.stopLocked()
	t.discarded = true
	c.threads = slices.DeleteFunc(c.threads, func(x *Thread) bool { return x == t })
	delete(c.byName, t.name)
}

// StopAll stops every live thread.
func (c *Context) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.threads {
		t.stopLocked()
	}
}

// TotalBarrierHits sums the barrier-hit combo of every live thread.
func (c *Context) TotalBarrierHits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalHitsLocked()
}

func (c *Context) totalHitsLocked() int {
	total := 0
	for _, t := range c.threads {
		total += t.hits
	}
	return total
}

// DistortionIntensity maps the total barrier hits to a visual distortion
// amount: 0.3 per hit, capped at 3.
func (c *Context) DistortionIntensity() float64 {
	return distortion(c.TotalBarrierHits())
}

func distortion(hits int) float64 {
	return min(float64(hits)*hitIntensity, maxIntensity)
}

// ThreadStatus is a point-in-time view of one thread.
type ThreadStatus struct {
	Name        string          `json:"name"`
	Tag         string          `json:"tag"`
	Running     bool            `json:"running"`
	Current     audio.TrackID   `json:"current,omitempty"`
	ElapsedMS   int64           `json:"elapsed_ms"`
	BarrierMS   *int64          `json:"barrier_ms,omitempty"`
	BarrierHits int             `json:"barrier_hits"`
	Priority    []audio.TrackID `json:"priority"`
	Components  int             `json:"components"`
}

// Status is a point-in-time view of a whole context.
type Status struct {
	Threads             []ThreadStatus `json:"threads"`
	TotalBarrierHits    int            `json:"total_barrier_hits"`
	DistortionIntensity float64        `json:"distortion_intensity"`
}

// Snapshot returns the status of every live thread in creation order.
func (c *Context) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	st := Status{Threads: make([]ThreadStatus, 0, len(c.threads))}
	for _, t := range c.threads {
		ts := ThreadStatus{
			Name:        t.name,
			Tag:         t.tag,
			Running:     t.running,
			BarrierHits: t.hits,
			Priority:    t.priority.list(),
			Components:  len(t.components),
		}
		if ts.Priority == nil {
			ts.Priority = []audio.TrackID{}
		}
		if t.running {
			ts.ElapsedMS = now.Sub(t.start).Milliseconds()
		}
		ts.Current, _ = t.audibleLocked()
		if t.hasBarrier {
			ms := t.barrier.Milliseconds()
			ts.BarrierMS = &ms
		}
		st.Threads = append(st.Threads, ts)
	}
	st.TotalBarrierHits = c.totalHitsLocked()
	st.DistortionIntensity = distortion(st.TotalBarrierHits)
	return st
}

// metrics holds the scheduler instruments.
type metrics struct {
	barrierHits     metric.Int64Counter
	trackStarts     metric.Int64Counter
	interrupts      metric.Int64Counter
	recomputeErrors metric.Int64Counter
	running         metric.Int64UpDownCounter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &metrics{}
	if met.barrierHits, err = m.Int64Counter("neurosim.scheduler.barrier_hits",
		metric.WithDescription("Barrier hits by thread."),
	); err != nil {
		return nil, err
	}
	if met.trackStarts, err = m.Int64Counter("neurosim.scheduler.track_starts",
		metric.WithDescription("Tracks started by the scheduler, by thread and track."),
	); err != nil {
		return nil, err
	}
	if met.interrupts, err = m.Int64Counter("neurosim.scheduler.interrupts",
		metric.WithDescription("Playbacks torn down by the scheduler, by thread."),
	); err != nil {
		return nil, err
	}
	if met.recomputeErrors, err = m.Int64Counter("neurosim.scheduler.recompute_errors",
		metric.WithDescription("Timer-driven recomputes that failed."),
	); err != nil {
		return nil, err
	}
	if met.running, err = m.Int64UpDownCounter("neurosim.scheduler.running_threads",
		metric.WithDescription("Number of threads currently running."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func threadAttr(t *Thread) metric.AddOption {
	return metric.WithAttributes(attribute.String("thread", t.name))
}

// bg is the context used for metric recording from inside the lock.
var bg = context.Background()
