package local

import (
	"sync"
	"time"

	"github.com/gopxl/beep/v2"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

// node is one live playback of a decoded buffer. It implements
// [beep.Streamer] and applies its envelope sample by sample.
type node struct {
	id   audio.TrackID
	tag  string
	rate beep.SampleRate
	loop bool

	// onEnd runs once, on its own goroutine, when the node stops itself
	// (natural end or finished release). It is not called after kill.
	onEnd func(*node)

	mu         sync.Mutex
	src        beep.StreamSeeker
	env        audio.Envelope
	played     int
	release    *audio.Release
	releasedAt int
	done       bool
	ended      bool
}

func newNode(id audio.TrackID, tag string, buf *beep.Buffer, env audio.Envelope, offset time.Duration, loop bool) *node {
	rate := buf.Format().SampleRate
	src := buf.Streamer(0, buf.Len())
	if pos := rate.N(offset); pos > 0 {
		_ = src.Seek(min(pos, src.Len()))
	}
	return &node{
		id:   id,
		tag:  tag,
		rate: rate,
		loop: loop,
		src:  src,
		env:  env,
	}
}

// Stream implements [beep.Streamer].
func (n *node) Stream(samples [][2]float64) (int, bool) {
	n.mu.Lock()
	if n.done {
		n.mu.Unlock()
		return 0, false
	}

	filled := 0
	for filled < len(samples) && !n.done {
		if n.release != nil && n.played-n.releasedAt >= n.rate.N(n.release.Length) {
			n.done = true
			break
		}
		k, _ := n.src.Stream(samples[filled:])
		if k == 0 {
			if n.loop && n.src.Len() > 0 && n.src.Seek(0) == nil {
				continue
			}
			n.done = true
			break
		}
		for i := filled; i < filled+k; i++ {
			g := n.gainLocked()
			samples[i][0] *= g
			samples[i][1] *= g
			n.played++
		}
		filled += k
	}

	fire := n.done && !n.ended && n.onEnd != nil
	if n.done {
		n.ended = true
	}
	n.mu.Unlock()

	if fire {
		go n.onEnd(n)
	}
	return filled, filled > 0
}

// Err implements [beep.Streamer].
func (n *node) Err() error { return nil }

func (n *node) gainLocked() float64 {
	if n.release != nil {
		return n.release.At(n.rate.D(n.played - n.releasedAt))
	}
	return n.env.At(n.rate.D(n.played))
}

// fade starts a linear release from the current gain to silence over d.
func (n *node) fade(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done {
		return
	}
	n.release = &audio.Release{From: n.gainLocked(), Length: d}
	n.releasedAt = n.played
}

// setVolume retargets the envelope plateau. An in-flight release keeps its
// own ramp.
func (n *node) setVolume(v float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.env.Volume = v
}

// kill stops the node at the next buffer boundary without firing onEnd.
func (n *node) kill() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done = true
	n.ended = true
}

func (n *node) finished() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}
