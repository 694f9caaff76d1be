package scancode

import (
	"testing"

	"github.com/thisnick/agent-rdp/internal/apperr"
)

func TestLookupLettersAndDigits(t *testing.T) {
	cases := map[string]byte{"a": 0x1E, "z": 0x2C, "1": 0x02, "9": 0x0A, "0": 0x0B}
	for token, want := range cases {
		c, ok := Lookup(token)
		if !ok || c.Value != want {
			t.Fatalf("Lookup(%q) = %#v, %v; want value %#x", token, c, ok, want)
		}
	}
}

func TestLookupNamedKeysCaseInsensitive(t *testing.T) {
	c1, ok1 := Lookup("Esc")
	c2, ok2 := Lookup("ESC")
	if !ok1 || !ok2 || c1 != c2 {
		t.Fatalf("expected case-insensitive match for named keys")
	}
	if c1.Value != 0x01 {
		t.Fatalf("expected esc = 0x01, got %#x", c1.Value)
	}
}

func TestParseChordCtrlShiftEsc(t *testing.T) {
	events, err := ParseChord("ctrl+shift+esc")
	if err != nil {
		t.Fatalf("ParseChord: %v", err)
	}

	want := []Event{
		{Code: Code{0x1D, false}, Down: true},
		{Code: Code{0x2A, false}, Down: true},
		{Code: Code{0x01, false}, Down: true},
		{Code: Code{0x01, false}, Down: false},
		{Code: Code{0x2A, false}, Down: false},
		{Code: Code{0x1D, false}, Down: false},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestParseChordRejectsUnknownToken(t *testing.T) {
	_, err := ParseChord("ctrl+nonsense")
	if !apperr.Is(err, apperr.InvalidRequest) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestLookupSuperBothSidesExtended(t *testing.T) {
	left, ok := Lookup("super")
	if !ok || left.Value != 0x5B || !left.Extended {
		t.Fatalf("Lookup(super) = %#v, %v; want {0x5B, true}", left, ok)
	}
	right, ok := LookupRight("super")
	if !ok || right.Value != 0x5C || !right.Extended {
		t.Fatalf("LookupRight(super) = %#v, %v; want {0x5C, true}", right, ok)
	}
}

func TestParseChordSingleCharacterCaseSensitive(t *testing.T) {
	lower, err := ParseChord("A")
	if err != nil {
		t.Fatalf("ParseChord(A): %v", err)
	}
	upper, err := ParseChord("a")
	if err != nil {
		t.Fatalf("ParseChord(a): %v", err)
	}
	if lower[0].Value != upper[0].Value {
		t.Fatalf("expected same scancode for upper/lower single letter, different shift state is the caller's concern")
	}
}
