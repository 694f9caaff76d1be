// Package scancode holds the fixed keyboard scancode table spec.md §6
// designates authoritative, and the chorded key-string parser graphics/input
// uses to translate "ctrl+shift+esc"-style strings into scancode events.
package scancode

import (
	"strings"

	"github.com/thisnick/agent-rdp/internal/apperr"
)

// Code is one PS/2 set-1 scancode, plus whether it requires the extended
// (0xE0 prefix) flag on the wire.
type Code struct {
	Value    byte
	Extended bool
}

var named = map[string]Code{
	"ctrl":  {0x1D, false},
	"shift": {0x2A, false},
	"alt":   {0x38, false},
	"super": {0x5B, true},

	"enter":     {0x1C, false},
	"esc":       {0x01, false},
	"escape":    {0x01, false},
	"backspace": {0x0E, false},
	"tab":       {0x0F, false},
	"space":     {0x39, false},
	"delete":    {0x53, true},
	"del":       {0x53, true},
	"insert":    {0x52, true},
	"home":      {0x47, true},
	"end":       {0x4F, true},
	"pageup":    {0x49, true},
	"pagedown":  {0x51, true},

	"up":    {0x48, true},
	"down":  {0x50, true},
	"left":  {0x4B, true},
	"right": {0x4D, true},

	"f1": {0x3B, false}, "f2": {0x3C, false}, "f3": {0x3D, false}, "f4": {0x3E, false},
	"f5": {0x3F, false}, "f6": {0x40, false}, "f7": {0x41, false}, "f8": {0x42, false},
	"f9": {0x43, false}, "f10": {0x44, false}, "f11": {0x57, false}, "f12": {0x58, false},
}

// rightVariant gives the extended right-hand scancode for modifiers that
// distinguish left/right per spec.md §6 ("Ctrl 0x1D (right is extended)").
var rightVariant = map[string]Code{
	"ctrl":  {0x1D, true},
	"alt":   {0x38, true},
	"shift": {0x36, false},
	"super": {0x5C, true},
}

func init() {
	// 1..9 -> 0x02..0x0A, 0 -> 0x0B, per spec.md §6.
	named["1"] = Code{0x02, false}
	named["2"] = Code{0x03, false}
	named["3"] = Code{0x04, false}
	named["4"] = Code{0x05, false}
	named["5"] = Code{0x06, false}
	named["6"] = Code{0x07, false}
	named["7"] = Code{0x08, false}
	named["8"] = Code{0x09, false}
	named["9"] = Code{0x0A, false}
	named["0"] = Code{0x0B, false}

	// Letters follow the QWERTY rows of scancode set 1: q..p from 0x10,
	// a..l from 0x1E, z..m from 0x2C.
	for _, row := range []struct {
		start byte
		keys  string
	}{{0x10, "qwertyuiop"}, {0x1E, "asdfghjkl"}, {0x2C, "zxcvbnm"}} {
		for i := 0; i < len(row.keys); i++ {
			named[string(row.keys[i])] = Code{row.start + byte(i), false}
		}
	}
}

// Lookup resolves a single key token (case-insensitive) to its scancode.
// Single-character alphanumeric keys are case-insensitive per spec.md §4.3
// ("case-insensitive for key names"); the distinction that matters for
// typed text is handled by graphics.Handler.TypeUnicode, not here.
func Lookup(token string) (Code, bool) {
	c, ok := named[strings.ToLower(token)]
	return c, ok
}

// LookupRight resolves the right-hand variant of a modifier key ("ctrl",
// "alt", "shift", "super"). ParseChord does not call it: chord tokens such
// as "rctrl" are rejected as unknown.
func LookupRight(modifier string) (Code, bool) {
	c, ok := rightVariant[strings.ToLower(modifier)]
	return c, ok
}

// Event is one scancode transition — pressed or released — ready to encode
// into a fast-path keyboard input PDU.
type Event struct {
	Code
	Down bool
}

// ParseChord parses a "mod+mod+key" string into an ordered list of down
// events followed by the matching up events in reverse order, matching the
// worked example in spec.md §8 scenario 3 ("ctrl+shift+esc" ->
// 0x1D down, 0x2A down, 0x01 down, 0x01 up, 0x2A up, 0x1D up).
//
// Parsing is deterministic and case-insensitive for named keys, case
// sensitive for single printable characters outside a..z (spec.md §4.3);
// unknown tokens are rejected with apperr.InvalidRequest.
func ParseChord(chord string) ([]Event, error) {
	parts := strings.Split(chord, "+")
	if len(parts) == 0 || parts[0] == "" {
		return nil, apperr.New(apperr.InvalidRequest, "empty key chord")
	}

	codes := make([]Code, 0, len(parts))
	for i, part := range parts {
		if part == "" {
			return nil, apperr.Newf(apperr.InvalidRequest, "empty token in chord %q", chord)
		}
		var c Code
		var ok bool
		if i == len(parts)-1 && len([]rune(part)) == 1 && !isNamedToken(part) {
			c, ok = lookupSingleRune(part)
		} else {
			c, ok = Lookup(part)
		}
		if !ok {
			return nil, apperr.Newf(apperr.InvalidRequest, "unknown key token %q in chord %q", part, chord)
		}
		codes = append(codes, c)
	}

	events := make([]Event, 0, len(codes)*2)
	for _, c := range codes {
		events = append(events, Event{Code: c, Down: true})
	}
	for i := len(codes) - 1; i >= 0; i-- {
		events = append(events, Event{Code: codes[i], Down: false})
	}
	return events, nil
}

func isNamedToken(token string) bool {
	_, ok := named[strings.ToLower(token)]
	return ok && len([]rune(token)) > 1
}

func lookupSingleRune(token string) (Code, bool) {
	r := []rune(token)[0]
	if r >= 'a' && r <= 'z' {
		return named[string(r)], true
	}
	if r >= 'A' && r <= 'Z' {
		return named[strings.ToLower(string(r))], true
	}
	return Lookup(token)
}
