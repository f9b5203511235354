package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

// Output receives started nodes and mixes them into a device or sink.
type Output interface {
	// SampleRate is the rate every node must be rendered at.
	SampleRate() beep.SampleRate

	// Add starts mixing s. The output drops s once it reports exhaustion.
	Add(s beep.Streamer)

	// Close releases the device.
	Close() error
}

// Speaker is an [Output] backed by the system audio device.
//
// The underlying beep speaker is process-global, so at most one Speaker may
// be open at a time.
type Speaker struct {
	rate beep.SampleRate
}

// NewSpeaker opens the default output device at rate with a buffer of the
// given length. Returns an error wrapping [audio.ErrBackendUnavailable] when
// the device cannot be opened.
func NewSpeaker(rate beep.SampleRate, buffer time.Duration) (*Speaker, error) {
	if buffer <= 0 {
		buffer = 100 * time.Millisecond
	}
	if err := speaker.Init(rate, rate.N(buffer)); err != nil {
		return nil, fmt.Errorf("audio/local: open speaker: %w: %w", audio.ErrBackendUnavailable, err)
	}
	return &Speaker{rate: rate}, nil
}

// SampleRate implements [Output].
func (s *Speaker) SampleRate() beep.SampleRate { return s.rate }

// Add implements [Output].
func (s *Speaker) Add(st beep.Streamer) { speaker.Play(st) }

// Close implements [Output].
func (s *Speaker) Close() error {
	speaker.Clear()
	speaker.Close()
	return nil
}

// Capture is an in-memory [Output]. Nothing is rendered until the caller
// pulls samples with [Capture.Read] or runs [Capture.Drain].
type Capture struct {
	rate beep.SampleRate

	mu    sync.Mutex
	mixer beep.Mixer
}

// NewCapture returns an empty capture mixing at rate.
func NewCapture(rate beep.SampleRate) *Capture {
	return &Capture{rate: rate}
}

// SampleRate implements [Output].
func (c *Capture) SampleRate() beep.SampleRate { return c.rate }

// Add implements [Output].
func (c *Capture) Add(s beep.Streamer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mixer.Add(s)
}

// Read renders the next n stereo frames.
func (c *Capture) Read(n int) [][2]float64 {
	buf := make([][2]float64, n)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mixer.Stream(buf)
	return buf
}

// Streams reports how many streamers are still being mixed.
func (c *Capture) Streams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mixer.Len()
}

// Drain renders and discards audio in real time, one period at a time, until
// ctx is cancelled. It stands in for a device clock so nodes end naturally
// on machines without a sound card.
func (c *Capture) Drain(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := c.rate.N(now.Sub(last)); n > 0 {
				c.Read(n)
			}
			last = now
		}
	}
}

// Close implements [Output].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mixer.Clear()
	return nil
}
