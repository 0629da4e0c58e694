package storage

import "testing"

func TestToggle(t *testing.T) {
	pins := Toggle(nil, "a")
	pins = Toggle(pins, "b")
	pins = Toggle(pins, "c")
	pins = Toggle(pins, "a")
	if len(pins) != 2 || pins[0] != "b" || pins[1] != "c" {
		t.Fatalf("pins = %v", pins)
	}
	orig := []string{"x", "y"}
	_ = Toggle(orig, "x")
	if orig[0] != "x" || orig[1] != "y" {
		t.Fatalf("Toggle mutated its input: %v", orig)
	}
}
