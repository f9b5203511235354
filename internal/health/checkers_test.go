package health

import (
	"context"
	"errors"
	"testing"

	"github.com/hbtz-dev/neuro2024simulator/internal/catalog"
	"github.com/hbtz-dev/neuro2024simulator/pkg/audio"
)

func TestCatalogGate(t *testing.T) {
	var g CatalogGate
	c := g.Checker()

	if err := c.Check(context.Background()); !errors.Is(err, ErrPending) {
		t.Errorf("before Open: err = %v, want ErrPending", err)
	}
	if st := g.Status(); !st.Loading {
		t.Errorf("before Open: status = %+v, want loading", st)
	}

	g.Open(catalog.Report{}, errors.New("catalog unreadable"))
	if err := c.Check(context.Background()); err == nil || err.Error() != "catalog unreadable" {
		t.Errorf("after failed Open: err = %v", err)
	}

	g.Open(catalog.Report{Loaded: []audio.TrackID{"intro"}}, nil)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("after Open(nil): err = %v", err)
	}
	if st := g.Status(); st.Loading || st.Loaded != 1 || len(st.Failed) != 0 {
		t.Errorf("after Open(nil): status = %+v", st)
	}
}

func TestOutputChecker(t *testing.T) {
	tests := []struct {
		name          string
		headless      bool
		allowHeadless bool
		wantErr       bool
	}{
		{"device attached", false, false, false},
		{"headless not allowed", true, false, true},
		{"headless allowed", true, true, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := OutputChecker("oto", func() bool { return tc.headless }, tc.allowHeadless)
			if err := c.Check(context.Background()); (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if st := c.Detail().(OutputStatus); st.Headless != tc.headless || st.Backend != "oto" {
				t.Errorf("detail = %+v", st)
			}
		})
	}
}
