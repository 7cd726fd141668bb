package services

import (
	"errors"
	"testing"
)

func TestWrapTagsMarker(t *testing.T) {
	err := Wrap(ErrExternal, "story", "complete", "upstream unreachable", errors.New("dial tcp: refused"))
	if !errors.Is(err, ErrExternal) {
		t.Fatal("wrapped error lost its marker")
	}
	if details := Details(err); details.Message != "story: complete: upstream unreachable: dial tcp: refused" {
		t.Errorf("details = %q", details.Message)
	}
}

func TestWrapNilMarkerDefaultsTransient(t *testing.T) {
	err := Wrap(nil, "videos", "poll", "flaked", nil)
	if !errors.Is(err, ErrTransient) {
		t.Fatal("nil marker should default to transient")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"validation", Wrap(ErrValidation, "submit", "validate", "bad", nil), false},
		{"configuration", Wrap(ErrConfiguration, "daemon", "wire", "bad", nil), false},
		{"not found", Wrap(ErrNotFound, "feedback", "load", "missing", nil), false},
		{"external", Wrap(ErrExternal, "story", "complete", "5xx", nil), true},
		{"transient", Wrap(ErrTransient, "videos", "poll", "flaked", nil), true},
		{"timeout", Wrap(ErrTimeout, "scenes", "execute", "slow", nil), true},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable = %v, want %v", got, tc.want)
			}
		})
	}
}
