// Package local implements [audio.Player] on top of the beep audio library.
//
// Tracks are decoded (wav, mp3, ogg vorbis, flac) from local paths or http(s)
// URLs, resampled to the output rate and kept in memory. Each playback is a
// node streamer mixed into an [Output]: the system speaker, an in-memory
// [Capture], or nothing at all. Without an output the player is headless:
// decoding and duration queries still work, playback calls are no-ops.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

const meterName = "github.com/hbtz-dev/neuro2024simulator/pkg/audio/local"

// DefaultSampleRate is used by headless players.
const DefaultSampleRate beep.SampleRate = 44100

// Compile-time interface assertion.
var _ audio.Player = (*Player)(nil)

// Player is the beep-backed playback primitive. Safe for concurrent use.
type Player struct {
	out     Output
	rate    beep.SampleRate
	quality int
	client  *http.Client
	log     *slog.Logger
	mp      metric.MeterProvider

	decodes   metric.Int64Counter
	decodeDur metric.Float64Histogram
	loads     singleflight.Group

	mu      sync.Mutex
	buffers map[audio.TrackID]*beep.Buffer
	lengths map[audio.TrackID]time.Duration
	failed  map[audio.TrackID]error
	nodes   map[string]*node
	loose   map[*node]struct{}
}

// Option configures a [Player].
type Option func(*Player)

// WithOutput sets the output the player mixes into. The player adopts the
// output's sample rate. A nil output makes the player headless.
func WithOutput(out Output) Option {
	return func(p *Player) { p.out = out }
}

// WithSampleRate sets the decode rate of a headless player. Ignored when an
// output is configured.
func WithSampleRate(rate beep.SampleRate) Option {
	return func(p *Player) { p.rate = rate }
}

// WithResampleQuality sets the beep resampling quality (1..64). Default: 4.
func WithResampleQuality(q int) Option {
	return func(p *Player) { p.quality = q }
}

// WithHTTPClient sets the client used for http(s) sources.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Player) { p.client = c }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Player) { p.log = l }
}

// WithMeterProvider sets the meter provider for decode metrics.
// Default: [otel.GetMeterProvider].
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Player) { p.mp = mp }
}

// New creates a Player. Returns an error only if metric instruments cannot
// be created.
func New(opts ...Option) (*Player, error) {
	p := &Player{
		rate:    DefaultSampleRate,
		quality: 4,
		client:  http.DefaultClient,
		buffers: make(map[audio.TrackID]*beep.Buffer),
		lengths: make(map[audio.TrackID]time.Duration),
		failed:  make(map[audio.TrackID]error),
		nodes:   make(map[string]*node),
		loose:   make(map[*node]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.out != nil {
		p.rate = p.out.SampleRate()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.mp == nil {
		p.mp = otel.GetMeterProvider()
	}
	if p.quality < 1 || p.quality > 64 {
		p.quality = 4
	}

	m := p.mp.Meter(meterName)
	var err error
	if p.decodes, err = m.Int64Counter("neurosim.audio.decodes",
		metric.WithDescription("Track decode attempts by status."),
	); err != nil {
		return nil, err
	}
	if p.decodeDur, err = m.Float64Histogram("neurosim.audio.decode.duration",
		metric.WithDescription("Time spent fetching and decoding a track."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return p, nil
}

// Headless reports whether the player has no output.
func (p *Player) Headless() bool { return p.out == nil }

// SampleRate returns the rate decoded buffers are stored at.
func (p *Player) SampleRate() beep.SampleRate { return p.rate }

// LoadAndCache implements [audio.Player]. Tracks already decoded are not
// decoded again; concurrent loads of the same id share one decode.
func (p *Player) LoadAndCache(ctx context.Context, id audio.TrackID, source string) error {
	p.mu.Lock()
	_, cached := p.buffers[id]
	p.mu.Unlock()
	if cached {
		return nil
	}

	_, err, _ := p.loads.Do(string(id), func() (any, error) {
		return nil, p.load(ctx, id, source)
	})
	return err
}

func (p *Player) load(ctx context.Context, id audio.TrackID, source string) error {
	start := time.Now()
	buf, err := p.decode(ctx, source)
	p.decodeDur.Record(ctx, time.Since(start).Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failed[id] = err
		p.decodes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		p.log.Error("audio: failed to load track", "track", id, "source", source, "err", err)
		return fmt.Errorf("audio/local: load %q: %w", id, err)
	}
	delete(p.failed, id)
	p.buffers[id] = buf
	p.decodes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "ok")))
	return nil
}

func (p *Player) decode(ctx context.Context, source string) (*beep.Buffer, error) {
	dec, err := decoderFor(source)
	if err != nil {
		return nil, err
	}
	rc, err := open(ctx, p.client, source)
	if err != nil {
		return nil, err
	}
	return decodeInto(rc, dec, p.rate, p.quality)
}

// LoadError returns the error from the last failed decode of id, or nil.
func (p *Player) LoadError(id audio.TrackID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed[id]
}

// SetLength implements [audio.Player].
func (p *Player) SetLength(id audio.TrackID, length time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lengths[id] = length
}

// Duration implements [audio.Player].
func (p *Player) Duration(id audio.TrackID) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.lengths[id]; ok {
		return d, nil
	}
	if buf, ok := p.buffers[id]; ok {
		return p.rate.D(buf.Len()), nil
	}
	return 0, fmt.Errorf("audio/local: duration of %q: %w", id, audio.ErrNotFound)
}

// Play implements [audio.Player]. The envelope is computed from the decoded
// length, not from a literal override.
func (p *Player) Play(id audio.TrackID, opts audio.PlaybackOptions, tag string) error {
	if p.out == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	buf, ok := p.buffers[id]
	if !ok {
		return fmt.Errorf("audio/local: play %q: %w", id, audio.ErrNotFound)
	}

	env := audio.NewEnvelope(p.rate.D(buf.Len()), opts)
	n := newNode(id, tag, buf, env, opts.Offset, opts.Loop)
	n.onEnd = p.release

	if tag != "" {
		if old, ok := p.nodes[tag]; ok {
			old.kill()
		}
		p.nodes[tag] = n
	} else {
		p.loose[n] = struct{}{}
	}
	p.out.Add(n)
	return nil
}

// release unregisters n after it ended on its own. A newer node registered
// under the same tag is left alone.
func (p *Player) release(n *node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n.tag == "" {
		delete(p.loose, n)
		return
	}
	if p.nodes[n.tag] == n {
		delete(p.nodes, n.tag)
	}
}

// Stop implements [audio.Player].
func (p *Player) Stop(tag string, fade time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.nodes[tag]
	if !ok {
		return
	}
	if fade <= 0 {
		n.kill()
		delete(p.nodes, tag)
		return
	}

	n.fade(fade)
	time.AfterFunc(fade, func() {
		n.kill()
		p.release(n)
	})
}

// SetVolume implements [audio.Player].
func (p *Player) SetVolume(tag string, volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.nodes[tag]; ok {
		n.setVolume(volume)
	}
}

// Active implements [audio.Player].
func (p *Player) Active(tag string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[tag]
	return ok && !n.finished()
}

// ActiveTags returns the tags of every registered node.
func (p *Player) ActiveTags() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	tags := make([]string, 0, len(p.nodes))
	for tag := range p.nodes {
		tags = append(tags, tag)
	}
	return tags
}

// StopAll implements [audio.Player]. Untagged effects are left to finish.
func (p *Player) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tag, n := range p.nodes {
		n.kill()
		delete(p.nodes, tag)
	}
}

// Close stops every node, tagged or not, and closes the output.
func (p *Player) Close() error {
	p.mu.Lock()
	for tag, n := range p.nodes {
		n.kill()
		delete(p.nodes, tag)
	}
	for n := range p.loose {
		n.kill()
		delete(p.loose, n)
	}
	out := p.out
	p.mu.Unlock()

	if out == nil {
		return nil
	}
	return out.Close()
}
