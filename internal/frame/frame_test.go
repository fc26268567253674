package frame

import (
	"image/color"
	"testing"
)

func TestFingerprintDeterminism(t *testing.T) {
	f := New(4, 3, 3)
	for i := range f.Pix {
		f.Pix[i] = byte(i * 7)
	}

	a := f.Fingerprint()
	b := f.Clone().Fingerprint()
	if a != b {
		t.Fatalf("Hash is not deterministic. Got %s, then %s", a, b)
	}

	// Flip a single byte
	g := f.Clone()
	g.Pix[len(g.Pix)-1] ^= 0x01
	if g.Fingerprint() == a {
		t.Error("Fingerprint did not change after a one byte modification")
	}
}

func TestFingerprintString(t *testing.T) {
	fp := New(2, 2, 1).Fingerprint()
	if len(fp.String()) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(fp.String()))
	}
	if fp.Short() != fp.String()[:12] {
		t.Errorf("Short() = %s, want prefix of %s", fp.Short(), fp.String())
	}
}

func TestFingerprintLess(t *testing.T) {
	var a, b Fingerprint
	b[0] = 1
	if !a.Less(b) || b.Less(a) || a.Less(a) {
		t.Error("Less does not define a strict bytewise order")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	f := New(2, 2, 3)
	c := f.Clone()
	c.Pix[0] = 200
	if f.Pix[0] != 0 {
		t.Error("Clone shares its pixel buffer with the original")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		f       Frame
		wantErr bool
	}{
		{"ok bgr", New(3, 2, 3), false},
		{"ok gray", New(3, 2, 1), false},
		{"zero size", Frame{Channels: 3}, true},
		{"bad channels", Frame{Width: 1, Height: 1, Channels: 2, Pix: make([]byte, 2)}, true},
		{"short buffer", Frame{Width: 2, Height: 2, Channels: 3, Pix: make([]byte, 5)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestImageRoundTrip(t *testing.T) {
	for _, ch := range []int{3, 4} {
		f := New(2, 2, ch)
		img := Image{F: f}
		img.Set(1, 1, color.RGBA{R: 10, G: 20, B: 30, A: 255})

		got := img.At(1, 1).(color.RGBA)
		if got.R != 10 || got.G != 20 || got.B != 30 {
			t.Errorf("channels=%d: At() = %v, want {10 20 30}", ch, got)
		}
		// BGR byte order in the raw buffer
		off := 1*f.Stride() + 1*ch
		if f.Pix[off] != 30 || f.Pix[off+2] != 10 {
			t.Errorf("channels=%d: expected BGR layout, got %v", ch, f.Pix[off:off+3])
		}
	}
}

func TestImageSetOutOfBoundsIsIgnored(t *testing.T) {
	f := New(2, 2, 3)
	img := Image{F: f}
	img.Set(-1, 0, color.White)
	img.Set(2, 2, color.White)
	for _, b := range f.Pix {
		if b != 0 {
			t.Fatal("out of bounds Set wrote into the buffer")
		}
	}
}
