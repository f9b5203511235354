// Package score loads thread layouts from YAML and builds them on a
// [scheduler.Context].
//
// A score lists named threads and the components on each timeline:
//
//	threads:
//	  - name: chapter1
//	    components:
//	      - track: "1.1"
//	        start_ms: 0
//	      - track: "1.4"
//	        start_ms: 0
//	        options: {fade_in_ms: 1000, loop: true}
//	      - track: "1.5"
//	        after: {track: "1.4", plus_ms: 18000}
//	    play:
//	      priority: ["1.1", "1.4", "1.5"]
//	      barrier_ms: 60000
//
// A component either starts at a fixed offset (start_ms) or relative to the
// end of another track (after), resolved against measured track lengths when
// the score is built.
package score

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

// File is a parsed score.
type File struct {
	Threads []ThreadSpec `yaml:"threads"`
}

// ThreadSpec describes one thread.
type ThreadSpec struct {
	Name       string          `yaml:"name"`
	Components []ComponentSpec `yaml:"components"`

	// Play, when set, starts the thread as soon as it is built.
	Play *PlaySpec `yaml:"play"`
}

// ComponentSpec places one track on the timeline. Exactly one of StartMS and
// After must be set.
type ComponentSpec struct {
	Track   audio.TrackID `yaml:"track"`
	StartMS *float64      `yaml:"start_ms"`
	After   *AfterSpec    `yaml:"after"`
	Options OptionsSpec   `yaml:"options"`
}

// AfterSpec starts a component PlusMS after the end of Track.
type AfterSpec struct {
	Track  audio.TrackID `yaml:"track"`
	PlusMS float64       `yaml:"plus_ms"`
}

// OptionsSpec mirrors [audio.PlaybackOptions] in milliseconds. A missing
// volume means full volume.
type OptionsSpec struct {
	Volume    *float64 `yaml:"volume"`
	Loop      bool     `yaml:"loop"`
	FadeInMS  float64  `yaml:"fade_in_ms"`
	FadeOutMS float64  `yaml:"fade_out_ms"`
}

// PlaySpec holds the arguments of an automatic [scheduler.Thread.Play].
type PlaySpec struct {
	Priority    []audio.TrackID `yaml:"priority"`
	StartFromMS float64         `yaml:"start_from_ms"`
	BarrierMS   *float64        `yaml:"barrier_ms"`
}

// Load reads and validates the score file at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("score: open %q: %w", path, err)
	}
	defer f.Close()

	s, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("score: parse %q: %w", path, err)
	}
	return s, nil
}

// LoadFromReader decodes and validates score YAML from r.
func LoadFromReader(r io.Reader) (*File, error) {
	var s File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("score: decode yaml: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the score's internal consistency.
func (s *File) Validate() error {
	var errs []error
	names := make(map[string]bool, len(s.Threads))
	for i, th := range s.Threads {
		where := fmt.Sprintf("threads[%d]", i)
		if th.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", where))
		} else if names[th.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate thread name %q", where, th.Name))
		}
		names[th.Name] = true

		tracks := make(map[audio.TrackID]bool, len(th.Components))
		for j, c := range th.Components {
			cw := fmt.Sprintf("%s.components[%d]", where, j)
			if c.Track == "" {
				errs = append(errs, fmt.Errorf("%s: track is required", cw))
			}
			tracks[c.Track] = true
			switch {
			case c.StartMS != nil && c.After != nil:
				errs = append(errs, fmt.Errorf("%s: start_ms and after are mutually exclusive", cw))
			case c.StartMS == nil && c.After == nil:
				errs = append(errs, fmt.Errorf("%s: one of start_ms or after is required", cw))
			case c.StartMS != nil && *c.StartMS < 0:
				errs = append(errs, fmt.Errorf("%s: start_ms %v must not be negative", cw, *c.StartMS))
			case c.After != nil && c.After.Track == "":
				errs = append(errs, fmt.Errorf("%s: after.track is required", cw))
			}
			if v := c.Options.Volume; v != nil && *v < 0 {
				errs = append(errs, fmt.Errorf("%s: volume %v must not be negative", cw, *v))
			}
			if c.Options.FadeInMS < 0 || c.Options.FadeOutMS < 0 {
				errs = append(errs, fmt.Errorf("%s: fades must not be negative", cw))
			}
		}

		if th.Play != nil {
			for _, id := range th.Play.Priority {
				if !tracks[id] {
					errs = append(errs, fmt.Errorf("%s.play: priority names %q which is not a component", where, id))
				}
			}
			if th.Play.StartFromMS < 0 {
				errs = append(errs, fmt.Errorf("%s.play: start_from_ms must not be negative", where))
			}
		}
	}
	return errors.Join(errs...)
}

// Tracks returns every track id the score references, including after
// anchors, without duplicates.
func (s *File) Tracks() []audio.TrackID {
	seen := make(map[audio.TrackID]bool)
	var out []audio.TrackID
	add := func(id audio.TrackID) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, th := range s.Threads {
		for _, c := range th.Components {
			add(c.Track)
			if c.After != nil {
				add(c.After.Track)
			}
		}
	}
	return out
}

// Check reports every referenced track for which known returns false.
func (s *File) Check(known func(audio.TrackID) bool) error {
	var errs []error
	for _, id := range s.Tracks() {
		if !known(id) {
			errs = append(errs, fmt.Errorf("score: track %q is not in the catalog", id))
		}
	}
	return errors.Join(errs...)
}

// Thread returns the spec called name. A nil score has no threads.
func (s *File) Thread(name string) (ThreadSpec, bool) {
	if s == nil {
		return ThreadSpec{}, false
	}
	for _, th := range s.Threads {
		if th.Name == name {
			return th, true
		}
	}
	return ThreadSpec{}, false
}

// Options converts o to playback options.
func (o OptionsSpec) Options() audio.PlaybackOptions {
	opts := audio.DefaultPlaybackOptions()
	if o.Volume != nil {
		opts.Volume = *o.Volume
	}
	opts.Loop = o.Loop
	opts.FadeIn = ms(o.FadeInMS)
	opts.FadeOut = ms(o.FadeOutMS)
	return opts
}

func ms(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Millisecond)))
}
