package health

import (
	"context"
	"errors"
	"sync"

	"github.com/hbtz-dev/neuro2024simulator/internal/catalog"
	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

// ErrPending is reported by a [CatalogGate] before the load finishes.
var ErrPending = errors.New("pending")

// CatalogStatus is the catalog check's detail in the /readyz body.
type CatalogStatus struct {
	Loading   bool            `json:"loading"`
	Loaded    int             `json:"loaded"`
	Failed    []audio.TrackID `json:"failed,omitempty"`
	ElapsedMS int64           `json:"elapsed_ms,omitempty"`
}

// CatalogGate fails readiness until the background catalog load finishes,
// then reports what it decoded. Tracks that failed to decode do not fail
// readiness; they play as silence and are listed in the detail.
type CatalogGate struct {
	mu     sync.Mutex
	done   bool
	err    error
	report catalog.Report
}

// Open records the load result. A non-nil err keeps readiness failing.
// Later calls overwrite earlier ones.
func (g *CatalogGate) Open(r catalog.Report, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.done = true
	g.err = err
	g.report = r
}

// Err returns [ErrPending] before Open, then the error passed to Open.
func (g *CatalogGate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.done {
		return ErrPending
	}
	return g.err
}

// Status returns the current detail.
func (g *CatalogGate) Status() CatalogStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.done {
		return CatalogStatus{Loading: true}
	}
	return CatalogStatus{
		Loaded:    len(g.report.Loaded),
		Failed:    g.report.FailedIDs(),
		ElapsedMS: g.report.Elapsed.Milliseconds(),
	}
}

// Checker returns the "catalog" readiness check.
func (g *CatalogGate) Checker() Checker {
	return Checker{
		Name:   "catalog",
		Check:  func(context.Context) error { return g.Err() },
		Detail: func() any { return g.Status() },
	}
}

// OutputStatus is the output check's detail in the /readyz body.
type OutputStatus struct {
	Backend       string `json:"backend"`
	Headless      bool   `json:"headless"`
	AllowHeadless bool   `json:"allow_headless"`
}

// OutputChecker reports whether an audio output is attached. A headless
// server is ready only when headless operation was asked for.
func OutputChecker(backend string, headless func() bool, allowHeadless bool) Checker {
	status := func() OutputStatus {
		return OutputStatus{Backend: backend, Headless: headless(), AllowHeadless: allowHeadless}
	}
	return Checker{
		Name: "output",
		Check: func(context.Context) error {
			if s := status(); s.Headless && !s.AllowHeadless {
				return errors.New("no audio output attached")
			}
			return nil
		},
		Detail: func() any { return status() },
	}
}
