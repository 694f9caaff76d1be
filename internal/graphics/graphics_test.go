package graphics

import (
	"bytes"
	"image"
	"image/png"
	"testing"
)

func TestApplyWritesRectIntoBuffer(t *testing.T) {
	fb := NewFrameBuffer(4, 4)
	red := []byte{0xFF, 0x00, 0x00, 0xFF}
	rect := bytes.Repeat(red, 2*2) // 2x2 red patch

	if err := fb.Apply(1, 1, 2, 2, rect); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	img := fb.Snapshot()
	if got := img.RGBAAt(1, 1); got.R != 0xFF || got.A != 0xFF {
		t.Fatalf("expected red pixel at (1,1), got %+v", got)
	}
	if got := img.RGBAAt(0, 0); got.R != 0 {
		t.Fatalf("expected untouched pixel at (0,0) to stay black, got %+v", got)
	}
}

func TestApplyRejectsRectOutsideBounds(t *testing.T) {
	fb := NewFrameBuffer(4, 4)
	rect := make([]byte, 4*4*4)
	if err := fb.Apply(2, 2, 4, 4, rect); err == nil {
		t.Fatal("expected error for rect exceeding buffer bounds")
	}
}

func TestSnapshotIsIndependentOfSubsequentApply(t *testing.T) {
	fb := NewFrameBuffer(2, 2)
	snap1 := fb.Snapshot()

	white := bytes.Repeat([]byte{0xFF, 0xFF, 0xFF, 0xFF}, 4)
	if err := fb.Apply(0, 0, 2, 2, white); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := snap1.RGBAAt(0, 0); got.R != 0 {
		t.Fatalf("expected prior snapshot to remain black, got %+v", got)
	}
}

func TestEncodeScreenshotPNGRoundTrips(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	data, err := EncodeScreenshot(img, FormatPNG, 0)
	if err != nil {
		t.Fatalf("EncodeScreenshot: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if decoded.Bounds().Dx() != 2 || decoded.Bounds().Dy() != 2 {
		t.Fatalf("unexpected decoded size %v", decoded.Bounds())
	}
}

func TestEncodeScreenshotRejectsUnknownFormat(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	if _, err := EncodeScreenshot(img, Format("bmp"), 0); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestMouseClickSendsPressThenRelease(t *testing.T) {
	var sent [][]byte
	enc := NewInputEncoder(func(pdu []byte) error {
		cp := append([]byte(nil), pdu...)
		sent = append(sent, cp)
		return nil
	})

	if err := enc.MouseClick(10, 20, ButtonLeft); err != nil {
		t.Fatalf("MouseClick: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("expected 2 PDUs (press, release), got %d", len(sent))
	}

	downFlags := uint16(sent[0][1]) | uint16(sent[0][2])<<8
	if downFlags&ptrFlagDown == 0 {
		t.Fatal("expected first event to carry the down flag")
	}
	upFlags := uint16(sent[1][1]) | uint16(sent[1][2])<<8
	if upFlags&ptrFlagDown != 0 {
		t.Fatal("expected second event to not carry the down flag")
	}
}

func TestMouseScrollNegativeDeltaSetsWheelNegativeFlag(t *testing.T) {
	var sent []byte
	enc := NewInputEncoder(func(pdu []byte) error { sent = pdu; return nil })

	if err := enc.MouseScroll(0, 0, -5); err != nil {
		t.Fatalf("MouseScroll: %v", err)
	}
	flags := uint16(sent[1]) | uint16(sent[2])<<8
	if flags&ptrFlagWheelNeg == 0 {
		t.Fatal("expected wheel-negative flag for negative delta")
	}
	if flags&0xFF != 5 {
		t.Fatalf("expected magnitude 5 encoded in low byte, got %d", flags&0xFF)
	}
}

func TestTypeUnicodeSendsAutoReleasedEvents(t *testing.T) {
	var sent [][]byte
	enc := NewInputEncoder(func(pdu []byte) error {
		cp := append([]byte(nil), pdu...)
		sent = append(sent, cp)
		return nil
	})

	if err := enc.TypeUnicode("ab"); err != nil {
		t.Fatalf("TypeUnicode: %v", err)
	}
	if len(sent) != 4 {
		t.Fatalf("expected 4 events (down+up per rune), got %d", len(sent))
	}
	for i, want := range []struct {
		down bool
		r    byte
	}{{true, 'a'}, {false, 'a'}, {true, 'b'}, {false, 'b'}} {
		flags := uint16(sent[i][1]) | uint16(sent[i][2])<<8
		gotDown := flags&0x8000 == 0
		if gotDown != want.down {
			t.Fatalf("event %d: expected down=%v, got flags=%x", i, want.down, flags)
		}
		if byte(flags&0x00FF) != want.r {
			t.Fatalf("event %d: expected rune %q, got %x", i, want.r, flags&0xFF)
		}
	}
}

func TestPressChordSendsCtrlShiftEscInOrder(t *testing.T) {
	var sent [][]byte
	enc := NewInputEncoder(func(pdu []byte) error {
		cp := append([]byte(nil), pdu...)
		sent = append(sent, cp)
		return nil
	})

	if err := enc.PressChord("ctrl+shift+esc"); err != nil {
		t.Fatalf("PressChord: %v", err)
	}
	if len(sent) != 6 {
		t.Fatalf("expected 6 scancode events, got %d", len(sent))
	}

	wantValues := []byte{0x1D, 0x2A, 0x01, 0x01, 0x2A, 0x1D}
	wantDown := []bool{true, true, true, false, false, false}
	for i := range sent {
		flags := uint16(sent[i][1]) | uint16(sent[i][2])<<8
		value := byte(flags & 0x00FF)
		down := flags&0x8000 == 0
		if value != wantValues[i] || down != wantDown[i] {
			t.Fatalf("event %d: expected value=%x down=%v, got value=%x down=%v", i, wantValues[i], wantDown[i], value, down)
		}
	}
}

func TestEncodeDecodeFrameUpdateRoundTrips(t *testing.T) {
	rgba := bytes.Repeat([]byte{1, 2, 3, 4}, 6) // 3x2 rect
	record := EncodeFrameUpdate(5, 6, 3, 2, rgba)

	x, y, w, h, got, err := DecodeFrameUpdate(record)
	if err != nil {
		t.Fatalf("DecodeFrameUpdate: %v", err)
	}
	if x != 5 || y != 6 || w != 3 || h != 2 {
		t.Fatalf("expected (5,6,3,2), got (%d,%d,%d,%d)", x, y, w, h)
	}
	if !bytes.Equal(got, rgba) {
		t.Fatalf("expected rgba %v, got %v", rgba, got)
	}
}

func TestDecodeFrameUpdateRejectsShortRecord(t *testing.T) {
	if _, _, _, _, _, err := DecodeFrameUpdate([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for record shorter than header")
	}
}

func TestPressChordRejectsUnknownToken(t *testing.T) {
	enc := NewInputEncoder(func([]byte) error { return nil })
	if err := enc.PressChord("ctrl+bogus"); err == nil {
		t.Fatal("expected error for unknown chord token")
	}
}
