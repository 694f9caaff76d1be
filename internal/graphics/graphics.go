// Package graphics implements the frame buffer and fast-path input encoder
// (spec.md §4.3). Frame updates are applied under a single-writer lock;
// screenshots clone the buffer under a brief read lock and encode off that
// critical path. Mouse and keyboard requests are translated into fast-path
// input PDUs using the fixed scancode table in internal/scancode.
//
// Grounded on internal/remote/desktop/frame_diff.go's mutex-guarded struct
// shape and pool.go's buffer pooling for the encode path; input.go's
// InputEvent/InputHandler surface is generalized here from a platform OS
// input injector into a wire-PDU encoder for the RDP fast-path channel.
package graphics

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/jpeg"
	"image/png"
	"sync"

	"github.com/thisnick/agent-rdp/internal/apperr"
	"github.com/thisnick/agent-rdp/internal/scancode"
)

// FrameBuffer holds the decoded desktop image under a single-writer /
// many-reader lock (spec.md §4.3, §5 "writers hold it only for the
// pixel-copy step of a decoded update; readers briefly clone the buffer").
type FrameBuffer struct {
	mu     sync.RWMutex
	width  int
	height int
	pix    []byte // RGBA, row-major
}

// NewFrameBuffer allocates an empty buffer of the given desktop size.
func NewFrameBuffer(width, height int) *FrameBuffer {
	return &FrameBuffer{
		width:  width,
		height: height,
		pix:    make([]byte, width*height*4),
	}
}

// Resize reallocates the buffer for a new desktop size, discarding prior
// pixel content (a resize only follows a fresh demand-active reply, which
// always precedes any frame update for the new size).
func (f *FrameBuffer) Resize(width, height int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.width, f.height = width, height
	f.pix = make([]byte, width*height*4)
}

// Size returns the current desktop dimensions.
func (f *FrameBuffer) Size() (int, int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.width, f.height
}

// Apply copies one decoded rectangle of pixel data into the buffer. rgba
// must hold w*h*4 bytes in row-major RGBA order.
func (f *FrameBuffer) Apply(x, y, w, h int, rgba []byte) error {
	if len(rgba) < w*h*4 {
		return apperr.Newf(apperr.InternalError, "frame update short: need %d bytes, got %d", w*h*4, len(rgba))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if x < 0 || y < 0 || x+w > f.width || y+h > f.height {
		return apperr.Newf(apperr.InternalError, "frame update rect (%d,%d,%d,%d) outside %dx%d buffer", x, y, w, h, f.width, f.height)
	}

	stride := f.width * 4
	srcStride := w * 4
	for row := 0; row < h; row++ {
		dstOff := (y+row)*stride + x*4
		srcOff := row * srcStride
		copy(f.pix[dstOff:dstOff+srcStride], rgba[srcOff:srcOff+srcStride])
	}
	return nil
}

// frameUpdateHeaderSize is the size of a decoded-frame-update record's
// fixed header: x, y, width, height, each a big-endian uint16.
const frameUpdateHeaderSize = 8

// EncodeFrameUpdate packs one decoded rectangle into the compact record the
// connection core hands to the graphics channel handler. Full MS-RDPEGDI
// bitmap-codec decoding (RLE/planar surface commands) is out of scope for
// this daemon; the connection core is expected to normalize inbound
// graphics updates to this already-decoded RGBA form before handing them
// off (spec.md §4.3 "accepts decoded frame PDUs").
func EncodeFrameUpdate(x, y, w, h int, rgba []byte) []byte {
	buf := make([]byte, frameUpdateHeaderSize, frameUpdateHeaderSize+len(rgba))
	binary.BigEndian.PutUint16(buf[0:2], uint16(x))
	binary.BigEndian.PutUint16(buf[2:4], uint16(y))
	binary.BigEndian.PutUint16(buf[4:6], uint16(w))
	binary.BigEndian.PutUint16(buf[6:8], uint16(h))
	return append(buf, rgba...)
}

// DecodeFrameUpdate unpacks a record built by EncodeFrameUpdate.
func DecodeFrameUpdate(raw []byte) (x, y, w, h int, rgba []byte, err error) {
	if len(raw) < frameUpdateHeaderSize {
		return 0, 0, 0, 0, nil, apperr.New(apperr.InternalError, "frame update record shorter than header")
	}
	x = int(binary.BigEndian.Uint16(raw[0:2]))
	y = int(binary.BigEndian.Uint16(raw[2:4]))
	w = int(binary.BigEndian.Uint16(raw[4:6]))
	h = int(binary.BigEndian.Uint16(raw[6:8]))
	return x, y, w, h, raw[frameUpdateHeaderSize:], nil
}

// Snapshot clones the current buffer into a standalone image, releasing the
// lock before the caller encodes it (spec.md §4.3 "copies the buffer,
// releases the lock, and encodes... off the critical path").
func (f *FrameBuffer) Snapshot() *image.RGBA {
	f.mu.RLock()
	defer f.mu.RUnlock()

	img := image.NewRGBA(image.Rect(0, 0, f.width, f.height))
	copy(img.Pix, f.pix)
	return img
}

// Format is a requested screenshot encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// encodeBufPool pools the byte buffers used to hold an encoded screenshot,
// the same way the teacher's JPEG encode path pools its output buffers.
var encodeBufPool = sync.Pool{
	New: func() any { return bytes.NewBuffer(make([]byte, 0, 64*1024)) },
}

// EncodeScreenshot renders img to the requested format. quality (0-100) is
// only meaningful for FormatJPEG.
func EncodeScreenshot(img *image.RGBA, format Format, quality int) ([]byte, error) {
	buf := encodeBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer encodeBufPool.Put(buf)

	switch format {
	case FormatPNG:
		if err := png.Encode(buf, img); err != nil {
			return nil, apperr.Wrap(apperr.InternalError, "encode png screenshot", err)
		}
	case FormatJPEG:
		if quality <= 0 || quality > 100 {
			quality = 80
		}
		if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, apperr.Wrap(apperr.InternalError, "encode jpeg screenshot", err)
		}
	default:
		return nil, apperr.Newf(apperr.InvalidRequest, "unknown screenshot format %q", format)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Button names the three mouse buttons the input encoder understands
// (spec.md §4.3 "button in {left, right, middle}").
type Button string

const (
	ButtonLeft   Button = "left"
	ButtonRight  Button = "right"
	ButtonMiddle Button = "middle"
)

// Fast-path input event codes (MS-RDPBCGR §2.2.9.1.2.1).
const (
	fpEventScancode byte = 0x0
	fpEventMouse    byte = 0x1
	fpEventUnicode  byte = 0x4
)

// Fast-path mouse pointer flags.
const (
	ptrFlagMove    uint16 = 0x0800
	ptrFlagDown    uint16 = 0x8000
	ptrFlagButton1 uint16 = 0x1000 // left
	ptrFlagButton2 uint16 = 0x2000 // right
	ptrFlagButton3 uint16 = 0x4000 // middle
	ptrFlagWheel   uint16 = 0x0200
	ptrFlagWheelNeg uint16 = 0x0100
)

func buttonFlag(b Button) (uint16, error) {
	switch b {
	case ButtonLeft:
		return ptrFlagButton1, nil
	case ButtonRight:
		return ptrFlagButton2, nil
	case ButtonMiddle:
		return ptrFlagButton3, nil
	default:
		return 0, apperr.Newf(apperr.InvalidRequest, "unknown mouse button %q", b)
	}
}

// Sender writes one fast-path input PDU to the RDP stream.
type Sender func(pdu []byte) error

// InputEncoder translates pointer and keyboard operations into fast-path
// input PDUs and writes them via send (spec.md §4.3).
type InputEncoder struct {
	send Sender
}

// NewInputEncoder constructs an encoder writing through send.
func NewInputEncoder(send Sender) *InputEncoder {
	return &InputEncoder{send: send}
}

func encodeMouseEvent(flags uint16, x, y int) []byte {
	buf := make([]byte, 1+6)
	buf[0] = fpEventMouse
	putUint16LE(buf[1:3], flags)
	putUint16LE(buf[3:5], uint16(x))
	putUint16LE(buf[5:7], uint16(y))
	return buf
}

func putUint16LE(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// MouseMove reports pointer motion to (x, y).
func (e *InputEncoder) MouseMove(x, y int) error {
	return e.send(encodeMouseEvent(ptrFlagMove, x, y))
}

// MousePress presses a button at (x, y) without releasing it.
func (e *InputEncoder) MousePress(x, y int, button Button) error {
	flag, err := buttonFlag(button)
	if err != nil {
		return err
	}
	return e.send(encodeMouseEvent(flag|ptrFlagDown, x, y))
}

// MouseRelease releases a previously pressed button at (x, y).
func (e *InputEncoder) MouseRelease(x, y int, button Button) error {
	flag, err := buttonFlag(button)
	if err != nil {
		return err
	}
	return e.send(encodeMouseEvent(flag, x, y))
}

// MouseClick presses then releases a button at (x, y).
func (e *InputEncoder) MouseClick(x, y int, button Button) error {
	if err := e.MousePress(x, y, button); err != nil {
		return err
	}
	return e.MouseRelease(x, y, button)
}

// MouseDrag presses at (x0, y0), moves to (x1, y1), then releases.
func (e *InputEncoder) MouseDrag(x0, y0, x1, y1 int, button Button) error {
	if err := e.MousePress(x0, y0, button); err != nil {
		return err
	}
	if err := e.MouseMove(x1, y1); err != nil {
		return err
	}
	return e.MouseRelease(x1, y1, button)
}

// MouseScroll sends a vertical wheel event at (x, y); positive delta scrolls
// up, negative scrolls down.
func (e *InputEncoder) MouseScroll(x, y, delta int) error {
	flags := ptrFlagWheel
	magnitude := delta
	if magnitude < 0 {
		flags |= ptrFlagWheelNeg
		magnitude = -magnitude
	}
	if magnitude > 0xFF {
		magnitude = 0xFF
	}
	flags |= uint16(magnitude)
	return e.send(encodeMouseEvent(flags, x, y))
}

func encodeScancodeEvent(c scancode.Code, down bool) []byte {
	buf := make([]byte, 1+2)
	buf[0] = fpEventScancode
	flags := uint16(0)
	if !down {
		flags |= 0x8000 // release
	}
	if c.Extended {
		flags |= 0x0100
	}
	putUint16LE(buf[1:3], flags|uint16(c.Value))
	return buf
}

func encodeUnicodeEvent(r rune, down bool) []byte {
	buf := make([]byte, 1+2)
	buf[0] = fpEventUnicode
	flags := uint16(0)
	if !down {
		flags |= 0x8000
	}
	// The event carries 16 bits: code points above the BMP are truncated to
	// their low 16 bits, not split into a surrogate pair.
	putUint16LE(buf[1:3], flags|uint16(r))
	return buf
}

// TypeUnicode sends each rune in text as an auto-released code-point event
// (spec.md §4.3 "Unicode typing: sequence of code-point events, each
// auto-released").
func (e *InputEncoder) TypeUnicode(text string) error {
	for _, r := range text {
		if err := e.send(encodeUnicodeEvent(r, true)); err != nil {
			return err
		}
		if err := e.send(encodeUnicodeEvent(r, false)); err != nil {
			return err
		}
	}
	return nil
}

// PressChord parses a "mod+mod+key" string and sends the resulting ordered
// scancode down/up events (spec.md §4.3).
func (e *InputEncoder) PressChord(chord string) error {
	events, err := scancode.ParseChord(chord)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := e.send(encodeScancodeEvent(ev.Code, ev.Down)); err != nil {
			return err
		}
	}
	return nil
}
