package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/andresmejia3/facewatch/internal/frame"
)

func TestEncodeDecodeJPEG(t *testing.T) {
	for _, channels := range []int{1, 3, 4} {
		f := frame.New(32, 16, channels)
		for i := range f.Pix {
			f.Pix[i] = byte(i)
		}

		data, err := EncodeJPEG(f)
		if err != nil {
			t.Fatalf("channels=%d: EncodeJPEG failed: %v", channels, err)
		}
		if !bytes.HasPrefix(data, []byte{0xFF, 0xD8}) {
			t.Fatalf("channels=%d: output is not a JPEG", channels)
		}

		got, err := DecodeImage(data)
		if err != nil {
			t.Fatalf("channels=%d: DecodeImage failed: %v", channels, err)
		}
		if got.Width != 32 || got.Height != 16 || got.Channels != 3 {
			t.Errorf("channels=%d: decoded %dx%dx%d, want 32x16x3", channels, got.Width, got.Height, got.Channels)
		}
	}
}

func TestEncodeJPEGRejectsInvalidFrame(t *testing.T) {
	if _, err := EncodeJPEG(frame.Frame{Width: 4, Height: 4, Channels: 3, Pix: []byte{1}}); err == nil {
		t.Error("Expected error for short pixel buffer")
	}
}

func TestDecodeImageGarbage(t *testing.T) {
	if _, err := DecodeImage([]byte("definitely not an image")); err == nil {
		t.Error("Expected error for garbage input")
	}
}

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

func TestJPEGStream(t *testing.T) {
	first := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}
	second := []byte{0xFF, 0xD8, 0x02, 0xFF, 0xD9}
	stream := append(append([]byte{0x00}, first...), second...)

	var seen [][]byte
	decode := func(data []byte) (frame.Frame, error) {
		seen = append(seen, append([]byte(nil), data...))
		if data[2] == 0x02 {
			return frame.Frame{}, errors.New("corrupt")
		}
		return frame.New(1, 1, 3), nil
	}

	s := NewJPEGStream(nopCloser{bytes.NewReader(stream)}, decode)
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Read(ctx); err != nil {
		t.Fatalf("first Read failed: %v", err)
	}
	if _, err := s.Read(ctx); err == nil {
		t.Error("Expected decode error for second frame")
	}
	if _, err := s.Read(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}
	if len(seen) != 2 || !bytes.Equal(seen[0], first) {
		t.Errorf("Unexpected tokens %X", seen)
	}
}

func TestJPEGStreamCancelled(t *testing.T) {
	s := NewJPEGStream(nopCloser{bytes.NewReader(nil)}, DecodeImage)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Read(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
