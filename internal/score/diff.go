package score

import "reflect"

// Change lists thread names that differ between two scores.
type Change struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// Diff compares two scores by thread name. A nil score counts as empty.
func Diff(old, new *File) Change {
	var c Change
	if old == nil {
		old = &File{}
	}
	if new == nil {
		new = &File{}
	}
	for _, th := range old.Threads {
		n, ok := new.Thread(th.Name)
		switch {
		case !ok:
			c.Removed = append(c.Removed, th.Name)
		case !reflect.DeepEqual(th, n):
			c.Changed = append(c.Changed, th.Name)
		}
	}
	for _, th := range new.Threads {
		if _, ok := old.Thread(th.Name); !ok {
			c.Added = append(c.Added, th.Name)
		}
	}
	return c
}
