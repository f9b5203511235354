// Package catalog describes the set of audio tracks the server knows about
// and loads them into an [audio.Player] at startup.
//
// A catalog is a YAML file:
//
//	tracks:
//	  - id: "1.1"
//	    path: music/1.1.ogg
//	  - id: "1.4"
//	    path: music/1.4.ogg
//	    length_ms: 30857.143
//
// Relative paths resolve against the catalog's directory (or an explicit
// base dir). http and https locators are passed through unchanged.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

// Track is one catalog entry.
type Track struct {
	// ID is the key the scheduler and the player use for the track.
	ID audio.TrackID `yaml:"id"`

	// Path locates the encoded asset: a file path or an http(s) URL.
	Path string `yaml:"path"`

	// LengthMS, when set, overrides the decoded length. Some assets carry
	// trailing silence that must not count towards the timeline.
	LengthMS *float64 `yaml:"length_ms"`
}

// Length returns the literal length override, if any.
func (t Track) Length() (time.Duration, bool) {
	if t.LengthMS == nil {
		return 0, false
	}
	return time.Duration(math.Round(*t.LengthMS * float64(time.Millisecond))), true
}

// Catalog is a parsed track catalog.
type Catalog struct {
	Tracks []Track `yaml:"tracks"`

	// BaseDir resolves relative track paths. Set by [Load] to the catalog
	// file's directory.
	BaseDir string `yaml:"-"`
}

// Load reads and validates the catalog file at path.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}
	defer f.Close()

	c, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse %q: %w", path, err)
	}
	c.BaseDir = filepath.Dir(path)
	return c, nil
}

// LoadFromReader decodes and validates catalog YAML from r.
func LoadFromReader(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("catalog: decode yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every malformed entry: missing ids or paths, duplicate
// ids and non-positive length overrides.
func (c *Catalog) Validate() error {
	var errs []error
	seen := make(map[audio.TrackID]int, len(c.Tracks))
	for i, t := range c.Tracks {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("tracks[%d]: id is required", i))
		} else if j, dup := seen[t.ID]; dup {
			errs = append(errs, fmt.Errorf("tracks[%d]: duplicate id %q (first at tracks[%d])", i, t.ID, j))
		} else {
			seen[t.ID] = i
		}
		if t.Path == "" {
			errs = append(errs, fmt.Errorf("tracks[%d]: path is required", i))
		}
		if t.LengthMS != nil && !(*t.LengthMS > 0) {
			errs = append(errs, fmt.Errorf("tracks[%d]: length_ms %v must be positive", i, *t.LengthMS))
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the entry for id.
func (c *Catalog) Lookup(id audio.TrackID) (Track, bool) {
	for _, t := range c.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return Track{}, false
}

// IDs returns every track id in file order.
func (c *Catalog) IDs() []audio.TrackID {
	ids := make([]audio.TrackID, len(c.Tracks))
	for i, t := range c.Tracks {
		ids[i] = t.ID
	}
	return ids
}

// Source returns the locator handed to the player for t.
func (c *Catalog) Source(t Track) string {
	if isURL(t.Path) || filepath.IsAbs(t.Path) || c.BaseDir == "" {
		return t.Path
	}
	return filepath.Join(c.BaseDir, t.Path)
}

func isURL(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}
