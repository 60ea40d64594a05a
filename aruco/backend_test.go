package aruco

import (
	"errors"
	"testing"
)

func TestNewBackend_Native(t *testing.T) {
	for _, name := range []string{"", "native", " NATIVE "} {
		d, err := NewBackend(name)
		if err != nil {
			t.Fatalf("NewBackend(%q) error: %v", name, err)
		}
		if _, ok := d.(*Detector); !ok {
			t.Errorf("NewBackend(%q) = %T, want *Detector", name, d)
		}
		if err := CloseDetector(d); err != nil {
			t.Errorf("CloseDetector() error: %v", err)
		}
	}
}

func TestNewBackend_Unknown(t *testing.T) {
	if _, err := NewBackend("apriltag"); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("error = %v, want ErrBackendUnavailable", err)
	}
}

func TestBackends_IncludesNative(t *testing.T) {
	if got := Backends(); len(got) == 0 || got[0] != BackendNative {
		t.Errorf("Backends() = %v, want native first", got)
	}
}
