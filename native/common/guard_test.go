package common

import (
	"errors"
	"testing"
)

func TestGuardReflectsPauses(t *testing.T) {
	if err := Guard(nil, "lending"); err != nil {
		t.Fatalf("nil view should never block: %v", err)
	}
	p := NewPauses("Lending")
	if err := Guard(p, "lending"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
	if err := Guard(p, ""); err != nil {
		t.Fatalf("empty module should not be guarded: %v", err)
	}
	p.Set("lending", false)
	if err := Guard(p, "lending"); err != nil {
		t.Fatalf("expected resumed module, got %v", err)
	}
	p.Set("attestations", true)
	p.Set("lending", true)
	if got := p.Paused(); len(got) != 2 || got[0] != "attestations" || got[1] != "lending" {
		t.Fatalf("unexpected paused list %v", got)
	}
}
