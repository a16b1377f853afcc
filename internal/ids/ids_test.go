package ids

import "testing"

func TestNewSessionIDSortable(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	if len(a) != 26 {
		t.Errorf("len = %d, want 26", len(a))
	}
	if a >= b {
		t.Errorf("expected %q < %q", a, b)
	}
}
