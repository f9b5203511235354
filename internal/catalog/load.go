package catalog

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hbtz-dev/neuro2024simulator/internal/resilience"
	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

// DefaultConcurrency bounds parallel decodes when no [WithConcurrency]
// option is given.
const DefaultConcurrency = 8

// Report summarises a [LoadAll] run.
type Report struct {
	// Loaded lists the tracks that decoded successfully, in catalog order.
	Loaded []audio.TrackID

	// Failed maps each track that could not be decoded to its error.
	Failed map[audio.TrackID]error

	// Elapsed is the wall time of the whole run.
	Elapsed time.Duration
}

// OK reports whether every track loaded.
func (r Report) OK() bool { return len(r.Failed) == 0 }

// FailedIDs returns the failed track ids, sorted.
func (r Report) FailedIDs() []audio.TrackID {
	return slices.Sorted(maps.Keys(r.Failed))
}

// LoadOption configures [LoadAll].
type LoadOption func(*loadOptions)

type loadOptions struct {
	concurrency int
	log         *slog.Logger
	progress    func(id audio.TrackID, err error)
	hosts       *resilience.Hosts
}

// WithConcurrency bounds the number of tracks decoded at once.
func WithConcurrency(n int) LoadOption {
	return func(o *loadOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) LoadOption {
	return func(o *loadOptions) { o.log = l }
}

// WithProgress registers fn to be called after each track finishes. fn may
// be called from several goroutines at once.
func WithProgress(fn func(id audio.TrackID, err error)) LoadOption {
	return func(o *loadOptions) { o.progress = fn }
}

// WithHostBreakers guards remote sources with per-host circuit breakers.
// Default: breakers with [resilience.Config] defaults.
func WithHostBreakers(h *resilience.Hosts) LoadOption {
	return func(o *loadOptions) { o.hosts = h }
}

// LoadAll decodes every catalog track into p. Literal length overrides are
// registered before any decoding starts, so durations of overridden tracks
// are usable immediately.
//
// A track that fails to decode is logged and recorded in the report; it never
// stops the others. The only error LoadAll returns is ctx's, when the context
// ends before every track has been attempted.
func LoadAll(ctx context.Context, p audio.Player, c *Catalog, opts ...LoadOption) (Report, error) {
	o := loadOptions{concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.hosts == nil {
		o.hosts = resilience.NewHosts(resilience.Config{Logger: o.log})
	}

	start := time.Now()
	for _, t := range c.Tracks {
		if d, ok := t.Length(); ok {
			p.SetLength(t.ID, d)
		}
	}

	var (
		mu     sync.Mutex
		ok     = make(map[audio.TrackID]bool, len(c.Tracks))
		failed = make(map[audio.TrackID]error)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, t := range c.Tracks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src := c.Source(t)
			err := o.hosts.Do(gctx, src, func(ctx context.Context) error {
				return p.LoadAndCache(ctx, t.ID, src)
			})

			mu.Lock()
			if err != nil {
				failed[t.ID] = err
			} else {
				ok[t.ID] = true
			}
			mu.Unlock()

			if err != nil {
				o.log.Warn("catalog: track failed to load", "track", t.ID, "path", t.Path, "err", err)
			} else if d, derr := p.Duration(t.ID); derr == nil {
				o.log.Info("catalog: track loaded", "track", t.ID, "length_ms", d.Milliseconds())
			} else {
				o.log.Info("catalog: track loaded", "track", t.ID)
			}
			if o.progress != nil {
				o.progress(t.ID, err)
			}
			return nil
		})
	}
	waitErr := g.Wait()

	r := Report{Failed: failed, Elapsed: time.Since(start)}
	for _, id := range c.IDs() {
		if ok[id] {
			r.Loaded = append(r.Loaded, id)
		}
	}
	if err := ctx.Err(); err != nil {
		return r, err
	}
	if waitErr != nil {
		return r, waitErr
	}
	o.log.Info("catalog: load complete",
		"loaded", len(r.Loaded),
		"failed", len(r.Failed),
		"elapsed", r.Elapsed,
	)
	return r, nil
}

// Lengths returns the duration of every catalog track that p can measure.
// Tracks without a duration are omitted.
func Lengths(p audio.Player, c *Catalog) map[audio.TrackID]time.Duration {
	out := make(map[audio.TrackID]time.Duration, len(c.Tracks))
	for _, t := range c.Tracks {
		if d, err := p.Duration(t.ID); err == nil {
			out[t.ID] = d
		}
	}
	return out
}
