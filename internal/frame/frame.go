// Package frame holds the raw pixel buffer that flows through the pipeline and the
// content fingerprint used to deduplicate it.
package frame

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
)

// Frame is an 8-bit, row-major pixel buffer. Channels is 1 (gray), 3 (BGR) or 4 (BGRA),
// matching what the capture device hands out.
type Frame struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// New allocates a zeroed frame.
func New(width, height, channels int) Frame {
	return Frame{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]byte, width*height*channels),
	}
}

// Validate checks that the buffer size agrees with the dimensions.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	switch f.Channels {
	case 1, 3, 4:
	default:
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	if want := f.Width * f.Height * f.Channels; len(f.Pix) != want {
		return fmt.Errorf("pixel buffer has %d bytes, want %d", len(f.Pix), want)
	}
	return nil
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool { return len(f.Pix) == 0 }

// Stride is the number of bytes per row.
func (f Frame) Stride() int { return f.Width * f.Channels }

// Clone returns a deep copy. The recognition workers always receive a clone because their
// processing outlives the cycle that produced the frame.
func (f Frame) Clone() Frame {
	out := f
	out.Pix = make([]byte, len(f.Pix))
	copy(out.Pix, f.Pix)
	return out
}

// Bounds returns the frame rectangle anchored at the origin.
func (f Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.Width, f.Height) }

// Fingerprint is a SHA-256 digest of the raw pixel bytes.
type Fingerprint [sha256.Size]byte

// Fingerprint hashes the pixel buffer. Frames with the same bytes share a fingerprint.
func (f Frame) Fingerprint() Fingerprint {
	return sha256.Sum256(f.Pix)
}

func (fp Fingerprint) String() string { return hex.EncodeToString(fp[:]) }

// Short is the first 12 hex characters, for log lines.
func (fp Fingerprint) Short() string { return fp.String()[:12] }

// Less orders fingerprints bytewise.
func (fp Fingerprint) Less(other Fingerprint) bool {
	return bytes.Compare(fp[:], other[:]) < 0
}

// Image adapts a Frame to draw.Image so the x/image font drawer can render into it.
// Writes go straight to the frame's buffer.
type Image struct {
	F Frame
}

func (m Image) ColorModel() color.Model { return color.RGBAModel }

func (m Image) Bounds() image.Rectangle { return m.F.Bounds() }

func (m Image) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}).In(m.F.Bounds()) {
		return color.RGBA{}
	}
	off := y*m.F.Stride() + x*m.F.Channels
	p := m.F.Pix
	switch m.F.Channels {
	case 1:
		return color.RGBA{R: p[off], G: p[off], B: p[off], A: 255}
	case 3:
		return color.RGBA{R: p[off+2], G: p[off+1], B: p[off], A: 255}
	default:
		return color.RGBA{R: p[off+2], G: p[off+1], B: p[off], A: p[off+3]}
	}
}

func (m Image) Set(x, y int, c color.Color) {
	if !(image.Point{X: x, Y: y}).In(m.F.Bounds()) {
		return
	}
	m.F.SetRGB(x, y, color.RGBAModel.Convert(c).(color.RGBA))
}

// SetRGB writes one pixel without bounds checking; callers clip first.
func (f Frame) SetRGB(x, y int, c color.RGBA) {
	off := y*f.Stride() + x*f.Channels
	p := f.Pix
	switch f.Channels {
	case 1:
		// ITU-R 601 luma
		p[off] = uint8((299*uint32(c.R) + 587*uint32(c.G) + 114*uint32(c.B)) / 1000)
	case 3:
		p[off], p[off+1], p[off+2] = c.B, c.G, c.R
	default:
		p[off], p[off+1], p[off+2], p[off+3] = c.B, c.G, c.R, 255
	}
}
