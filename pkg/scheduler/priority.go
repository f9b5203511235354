package scheduler

import (
	"slices"
	"strings"

	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

// prioritySet is an insertion-ordered set of track ids. The last element has
// the highest priority. Adding an existing id moves it to the end.
type prioritySet struct {
	ids []audio.TrackID
}

func (s *prioritySet) add(id audio.TrackID) {
	s.remove(id)
	s.ids = append(s.ids, id)
}

func (s *prioritySet) remove(id audio.TrackID) bool {
	i := slices.Index(s.ids, id)
	if i < 0 {
		return false
	}
	s.ids = slices.Delete(s.ids, i, i+1)
	return true
}

// removePrefix drops every id whose text starts with prefix and returns how
// many were removed.
func (s *prioritySet) removePrefix(prefix string) int {
	before := len(s.ids)
	s.ids = slices.DeleteFunc(s.ids, func(id audio.TrackID) bool {
		return strings.HasPrefix(string(id), prefix)
	})
	return before - len(s.ids)
}

func (s *prioritySet) reset(ids []audio.TrackID) {
	s.ids = s.ids[:0]
	for _, id := range ids {
		s.add(id)
	}
}

func (s *prioritySet) clear() { s.ids = s.ids[:0] }

func (s *prioritySet) len() int { return len(s.ids) }

// list returns a copy ordered from lowest to highest priority.
func (s *prioritySet) list() []audio.TrackID { return slices.Clone(s.ids) }
