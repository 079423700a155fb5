package protocol

import "testing"

func TestSignDeterministic(t *testing.T) {
	a := Sign("secret", "subject")
	if a != Sign("secret", "subject") {
		t.Errorf("same inputs must sign identically")
	}
	if a == Sign("secret", "other") {
		t.Errorf("different subjects must sign differently")
	}
	if a == Sign("other", "subject") {
		t.Errorf("different secrets must sign differently")
	}
	if len(a) != 64 { // hex sha256
		t.Errorf("credential length = %d, want 64", len(a))
	}
}
