// Package app wires the neurosim subsystems into a running server.
//
// The App owns the full lifecycle: New builds the output backend, player,
// scheduler and HTTP surface; Load decodes the catalog and builds the score;
// Run serves until the context ends; Shutdown tears everything down in
// order.
//
// Tests inject doubles through functional options (WithPlayer, WithClock,
// WithMeterProvider, WithTelemetry). Anything not injected is built from
// the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hbtz-dev/neuro2024simulator/internal/catalog"
	"github.com/hbtz-dev/neuro2024simulator/internal/config"
	"github.com/hbtz-dev/neuro2024simulator/internal/control"
	"github.com/hbtz-dev/neuro2024simulator/internal/health"
	"github.com/hbtz-dev/neuro2024simulator/internal/observe"
	"github.com/hbtz-dev/neuro2024simulator/internal/score"
	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
	"github.com/hbtz-dev/neuro2024simulator/pkg/audio/local"
	"github.com/hbtz-dev/neuro2024simulator/pkg/scheduler"
)

// drainPeriod is how often the null backend pulls audio.
const drainPeriod = 20 * time.Millisecond

// ErrShutdown is returned by [App.Run] once [App.Shutdown] has begun.
var ErrShutdown = errors.New("app: shut down")

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger
	mp  metric.MeterProvider
	reg *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	output  local.Output
	local   *local.Player
	player  audio.Player
	clock   scheduler.Clock
	catalog *catalog.Catalog
	sched   *scheduler.Context
	control *control.Server
	metrics *observe.Metrics
	handler http.Handler
	ready   health.CatalogGate

	// metricsHandler serves /metrics; nil leaves the route unregistered.
	metricsHandler http.Handler

	scoreMu      sync.Mutex
	score        *score.File
	scoreWatcher *config.Watcher[*score.File]

	// bg is cancelled on Shutdown; background work hangs off it.
	bg       context.Context
	cancelBg context.CancelFunc
	bgWG     sync.WaitGroup

	loadOnce sync.Once
	loadErr  error
	loaded   chan struct{}

	// lifeMu guards stopping and srv and orders bgWG.Add against the
	// Wait in Shutdown.
	lifeMu   sync.Mutex
	stopping bool
	srv      *http.Server

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithPlayer injects a player instead of building a local one from the
// audio config. No output backend is opened.
func WithPlayer(p audio.Player) Option {
	return func(a *App) { a.player = p }
}

// WithRegistry sets the output backend registry. Default: a registry with
// the built-in backends.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithClock sets the scheduler's time source.
func WithClock(c scheduler.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMeterProvider sets the meter provider for every instrumented
// subsystem. Default: [otel.GetMeterProvider].
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(a *App) { a.mp = mp }
}

// WithTelemetry meters every subsystem through tel and serves its
// registry on /metrics.
func WithTelemetry(tel *observe.Telemetry) Option {
	return func(a *App) {
		a.mp = tel.MeterProvider()
		a.metricsHandler = tel.Handler()
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New creates an App by wiring all subsystems together. It opens the output
// backend and parses the catalog and score files but does not decode any
// audio; call [App.Load] or [App.Run] for that.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, loaded: make(chan struct{})}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.mp == nil {
		a.mp = otel.GetMeterProvider()
	}
	if a.reg == nil {
		a.reg = config.NewRegistry()
		RegisterBuiltinOutputs(a.reg)
	}
	a.bg, a.cancelBg = context.WithCancel(context.WithoutCancel(ctx))

	var err error
	if a.metrics, err = observe.NewMetrics(a.mp); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	// ── 1. Output and player ─────────────────────────────────────────────
	if err := a.initPlayer(); err != nil {
		a.cancelBg()
		return nil, fmt.Errorf("app: init player: %w", err)
	}

	// ── 2. Catalog ───────────────────────────────────────────────────────
	if a.catalog, err = catalog.Load(cfg.Catalog.Path); err != nil {
		a.closeOutput()
		return nil, fmt.Errorf("app: %w", err)
	}
	if cfg.Catalog.BaseDir != "" {
		a.catalog.BaseDir = cfg.Catalog.BaseDir
	}

	// ── 3. Scheduler ─────────────────────────────────────────────────────
	schedOpts := []scheduler.Option{
		scheduler.WithRewind(cfg.Scheduler.Rewind()),
		scheduler.WithLogger(a.log),
		scheduler.WithMeterProvider(a.mp),
	}
	if a.clock != nil {
		schedOpts = append(schedOpts, scheduler.WithClock(a.clock))
	}
	if a.sched, err = scheduler.New(a.player, schedOpts...); err != nil {
		a.closeOutput()
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 4. Score ─────────────────────────────────────────────────────────
	if cfg.Score.Path != "" {
		if a.score, err = a.loadScore(cfg.Score.Path); err != nil {
			a.closeOutput()
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.control = control.New(a.sched, control.WithMetrics(a.metrics), control.WithLogger(a.log))
	a.handler = a.buildHandler()

	a.log.Info("app initialised",
		"tracks", len(a.catalog.Tracks),
		"output", cfg.Audio.Output.Name,
		"headless", a.Headless(),
		"rewind", cfg.Scheduler.Rewind(),
	)
	return a, nil
}

func (a *App) initPlayer() error {
	if a.player != nil {
		return nil
	}
	out, err := a.reg.CreateOutput(a.cfg.Audio)
	if err != nil {
		if !a.cfg.Audio.FallbackHeadless {
			return err
		}
		a.log.Warn("audio output unavailable, continuing headless",
			"output", a.cfg.Audio.Output.Name, "err", err)
		out = nil
	}
	a.output = out
	if c, ok := out.(*local.Capture); ok {
		a.goBackground(func() { c.Drain(a.bg, drainPeriod) })
	}

	opts := []local.Option{
		local.WithSampleRate(beep.SampleRate(a.cfg.Audio.SampleRate)),
		local.WithResampleQuality(a.cfg.Audio.ResampleQuality),
		local.WithLogger(a.log),
		local.WithMeterProvider(a.mp),
	}
	if out != nil {
		opts = append(opts, local.WithOutput(out))
	}
	p, err := local.New(opts...)
	if err != nil {
		a.closeOutput()
		return err
	}
	a.local = p
	a.player = p
	return nil
}

// loadScore parses the score at path and checks it against the catalog.
func (a *App) loadScore(path string) (*score.File, error) {
	s, err := score.Load(path)
	if err != nil {
		return nil, err
	}
	if err := s.Check(a.known); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *App) known(id audio.TrackID) bool {
	_, ok := a.catalog.Lookup(id)
	return ok
}

func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	health.New(
		a.ready.Checker(),
		health.OutputChecker(a.cfg.Audio.Output.Name, a.Headless, a.cfg.Audio.FallbackHeadless),
	).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.control.Register(mux)
	return observe.Middleware(a.metrics, a.log)(mux)
}

// Handler returns the HTTP handler serving health, metrics, status and the
// control WebSocket.
func (a *App) Handler() http.Handler { return a.handler }

// Scheduler returns the scheduler context.
func (a *App) Scheduler() *scheduler.Context { return a.sched }

// Catalog returns the parsed catalog.
func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// Headless reports whether the app runs without an audio output.
func (a *App) Headless() bool {
	return a.local != nil && a.local.Headless()
}

// Loaded is closed once [App.Load] has finished.
func (a *App) Loaded() <-chan struct{} { return a.loaded }

// Load decodes the catalog, builds the score and, when configured, starts
// watching the score file. It runs once; later calls return the first
// result.
func (a *App) Load(ctx context.Context) error {
	a.loadOnce.Do(func() {
		defer close(a.loaded)
		var report catalog.Report
		report, a.loadErr = a.load(ctx)
		a.ready.Open(report, a.loadErr)
	})
	return a.loadErr
}

func (a *App) load(ctx context.Context) (report catalog.Report, err error) {
	ctx, span := observe.CatalogSpan(ctx, len(a.catalog.IDs()))
	defer func() { observe.EndSpan(span, err) }()

	report, err = catalog.LoadAll(ctx, a.player, a.catalog,
		catalog.WithConcurrency(a.cfg.Catalog.LoadConcurrency),
		catalog.WithLogger(a.log),
		catalog.WithProgress(func(_ audio.TrackID, err error) {
			a.metrics.RecordCatalogTrack(ctx, observe.Status(err))
		}),
	)
	a.metrics.CatalogLoadDuration.Record(ctx, report.Elapsed.Seconds())
	if err != nil {
		return report, fmt.Errorf("app: load catalog: %w", err)
	}
	observe.RecordCatalogReport(span, len(report.Loaded), report.FailedIDs())
	if !report.OK() {
		a.log.Warn("some tracks failed to load and will stay silent", "tracks", report.FailedIDs())
	}

	a.scoreMu.Lock()
	if a.score != nil {
		// Threads that fail to build stay out of a.score so a later reload
		// retries them.
		_, applied, buildErr := score.Apply(a.sched, nil, a.score, a.lengths(), a.log)
		if buildErr != nil {
			a.log.Warn("score: some threads could not be built", "err", buildErr)
		}
		a.score = applied
	}
	a.scoreMu.Unlock()

	if a.cfg.Score.Watch && a.cfg.Score.Path != "" {
		w, werr := config.NewWatcher(a.cfg.Score.Path, a.parseScore, a.onScoreChange,
			config.WithInterval(a.cfg.Score.PollInterval),
			config.WithWatcherLogger(a.log),
		)
		if werr != nil {
			return report, fmt.Errorf("app: watch score: %w", werr)
		}
		a.scoreMu.Lock()
		a.scoreWatcher = w
		a.scoreMu.Unlock()
		if a.bg.Err() != nil {
			// Shut down while loading.
			w.Stop()
		}
	}
	return report, nil
}

func (a *App) lengths() map[audio.TrackID]time.Duration {
	return catalog.Lengths(a.player, a.catalog)
}

// parseScore is the watcher's parser: a score that names unknown tracks is
// rejected like a malformed one.
func (a *App) parseScore(r io.Reader) (*score.File, error) {
	s, err := score.LoadFromReader(r)
	if err != nil {
		return nil, err
	}
	if err := s.Check(a.known); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *App) onScoreChange(_, next *score.File) {
	a.scoreMu.Lock()
	defer a.scoreMu.Unlock()

	ch, applied, err := score.Apply(a.sched, a.score, next, a.lengths(), a.log)
	a.score = applied
	a.metrics.RecordScoreReload(a.bg, observe.Status(err))
	if err != nil {
		a.log.Warn("score: reload applied with errors", "err", err)
		return
	}
	if ch.Empty() {
		a.log.Debug("score: file changed but no thread differs")
	}
}

// Run loads the catalog in the background and serves HTTP on the configured
// address until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	started := a.goBackground(func() {
		if err := a.Load(a.bg); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("startup load failed", "err", err)
		}
	})
	if !started {
		return ErrShutdown
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.lifeMu.Lock()
	if a.stopping {
		a.lifeMu.Unlock()
		return ErrShutdown
	}
	a.srv = srv
	a.lifeMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	}
}

// Shutdown tears down all subsystems in reverse-init order. If ctx expires
// before the HTTP server drains, the remaining steps still run and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		a.lifeMu.Lock()
		a.stopping = true
		srv := a.srv
		a.lifeMu.Unlock()

		// Background loads and the null-output drain end first.
		a.cancelBg()
		a.bgWG.Wait()

		a.scoreMu.Lock()
		w := a.scoreWatcher
		a.scoreMu.Unlock()
		if w != nil {
			w.Stop()
		}

		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
				shutdownErr = err
			}
		}
		a.control.Close()

		a.sched.StopAll()
		a.player.StopAll()
		if a.local != nil {
			if err := a.local.Close(); err != nil {
				a.log.Warn("player close error", "err", err)
			}
			a.output = nil
		}
		a.closeOutput()

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// goBackground runs fn on bgWG. It reports false once Shutdown has begun.
func (a *App) goBackground(fn func()) bool {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.stopping {
		return false
	}
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		fn()
	}()
	return true
}

func (a *App) closeOutput() {
	if a.cancelBg != nil {
		a.cancelBg()
	}
	if a.output == nil {
		return
	}
	if err := a.output.Close(); err != nil {
		a.log.Warn("output close error", "err", err)
	}
	a.output = nil
}

// RegisterBuiltinOutputs registers the bundled output backends:
//
//   - speaker: the system audio device via beep's speaker package.
//   - null: an in-memory mixer drained in real time, for servers without a
//     sound card.
func RegisterBuiltinOutputs(reg *config.Registry) {
	reg.RegisterOutput("speaker", func(cfg config.AudioConfig) (local.Output, error) {
		buf := time.Duration(cfg.BufferMS) * time.Millisecond
		return local.NewSpeaker(beep.SampleRate(cfg.SampleRate), buf)
	})
	reg.RegisterOutput("null", func(cfg config.AudioConfig) (local.Output, error) {
		return local.NewCapture(beep.SampleRate(cfg.SampleRate)), nil
	})
}
