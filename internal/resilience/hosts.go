package resilience

import (
	"context"
	"net/url"
	"sync"
)

// Hosts lazily creates one [Breaker] per remote host.
type Hosts struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewHosts returns an empty set. Every breaker is created from cfg with its
// Name set to the host.
func NewHosts(cfg Config) *Hosts {
	return &Hosts{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker guarding source, or nil for sources that are not
// http(s) URLs.
func (h *Hosts) For(source string) *Breaker {
	host := hostOf(source)
	if host == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.breakers[host]
	if !ok {
		cfg := h.cfg
		cfg.Name = host
		b = New(cfg)
		h.breakers[host] = b
	}
	return b
}

// Do runs fn through the breaker for source. Local sources run fn directly.
func (h *Hosts) Do(ctx context.Context, source string, fn func(context.Context) error) error {
	if b := h.For(source); b != nil {
		return b.Do(ctx, fn)
	}
	return fn(ctx)
}

// Open lists the hosts whose breakers are currently open.
func (h *Hosts) Open() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for host, b := range h.breakers {
		if b.State() == StateOpen {
			out = append(out, host)
		}
	}
	return out
}

func hostOf(source string) string {
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return u.Host
}
