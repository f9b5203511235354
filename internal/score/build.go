package score

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
	"github.com/hbtz-dev/neuro2024simulator/pkg/scheduler"
)

// Resolve turns th into scheduler components. After anchors are looked up
// in lengths; a missing anchor fails with [audio.ErrNotFound].
func (th ThreadSpec) Resolve(lengths map[audio.TrackID]time.Duration) ([]scheduler.Component, error) {
	out := make([]scheduler.Component, 0, len(th.Components))
	for _, c := range th.Components {
		var start time.Duration
		switch {
		case c.StartMS != nil:
			start = ms(*c.StartMS)
		case c.After != nil:
			d, ok := lengths[c.After.Track]
			if !ok {
				return nil, fmt.Errorf("score: thread %q: %q starts after %q with unknown length: %w",
					th.Name, c.Track, c.After.Track, audio.ErrNotFound)
			}
			start = d + ms(c.After.PlusMS)
		}
		out = append(out, scheduler.Component{
			Track:   c.Track,
			Start:   start,
			Options: c.Options.Options(),
		})
	}
	return out, nil
}

// PlayOptions converts the play block to scheduler options.
func (p PlaySpec) PlayOptions() []scheduler.PlayOption {
	var opts []scheduler.PlayOption
	if len(p.Priority) > 0 {
		opts = append(opts, scheduler.WithPriority(p.Priority...))
	}
	if p.StartFromMS > 0 {
		opts = append(opts, scheduler.StartFrom(ms(p.StartFromMS)))
	}
	if p.BarrierMS != nil {
		opts = append(opts, scheduler.WithBarrier(ms(*p.BarrierMS)))
	}
	return opts
}

// BuildThread creates th on sc and starts it when it has a play block.
func BuildThread(sc *scheduler.Context, th ThreadSpec, lengths map[audio.TrackID]time.Duration) (*scheduler.Thread, error) {
	comps, err := th.Resolve(lengths)
	if err != nil {
		return nil, err
	}
	return buildResolved(sc, th, comps)
}

func buildResolved(sc *scheduler.Context, th ThreadSpec, comps []scheduler.Component) (*scheduler.Thread, error) {
	t, err := sc.NewThread(th.Name, comps...)
	if err != nil {
		return nil, fmt.Errorf("score: build thread %q: %w", th.Name, err)
	}
	if th.Play != nil {
		if err := t.Play(th.Play.PlayOptions()...); err != nil {
			return t, fmt.Errorf("score: start thread %q: %w", th.Name, err)
		}
	}
	return t, nil
}

// Build creates every thread of s on sc. A thread that fails to build is
// reported in the joined error; the rest are still built.
func Build(sc *scheduler.Context, s *File, lengths map[audio.TrackID]time.Duration) ([]*scheduler.Thread, error) {
	var (
		threads []*scheduler.Thread
		errs    []error
	)
	for _, th := range s.Threads {
		t, err := BuildThread(sc, th, lengths)
		if t != nil {
			threads = append(threads, t)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return threads, errors.Join(errs...)
}

// Apply moves sc from old to new: threads that disappeared are discarded,
// changed threads are rebuilt, added threads are built. Unchanged threads
// keep playing untouched.
//
// A changed thread whose new spec cannot be resolved keeps its old thread.
// The returned File is the score sc now reflects: new, except that such
// threads carry their old spec and added threads that could not be built
// are left out. Diffing the next reload against it retries them.
func Apply(sc *scheduler.Context, old, new *File, lengths map[audio.TrackID]time.Duration, log *slog.Logger) (Change, *File, error) {
	if log == nil {
		log = slog.Default()
	}
	ch := Diff(old, new)

	for _, name := range ch.Removed {
		if t, ok := sc.Thread(name); ok {
			sc.Discard(t)
		}
	}

	var (
		errs    []error
		applied = &File{}
	)
	rebuild := make(map[string]bool, len(ch.Added)+len(ch.Changed))
	for _, name := range ch.Added {
		rebuild[name] = true
	}
	for _, name := range ch.Changed {
		rebuild[name] = true
	}
	for _, th := range new.Threads {
		if !rebuild[th.Name] {
			applied.Threads = append(applied.Threads, th)
			continue
		}
		comps, err := th.Resolve(lengths)
		if err != nil {
			errs = append(errs, err)
			if prev, ok := old.Thread(th.Name); ok {
				log.Warn("score: keeping previous thread", "thread", th.Name, "err", err)
				applied.Threads = append(applied.Threads, prev)
			}
			continue
		}
		if t, ok := sc.Thread(th.Name); ok {
			sc.Discard(t)
		}
		t, err := buildResolved(sc, th, comps)
		if err != nil {
			errs = append(errs, err)
		}
		if t != nil {
			applied.Threads = append(applied.Threads, th)
		}
	}

	if !ch.Empty() {
		log.Info("score: applied",
			"added", ch.Added,
			"removed", ch.Removed,
			"changed", ch.Changed,
		)
	}
	return ch, applied, errors.Join(errs...)
}
