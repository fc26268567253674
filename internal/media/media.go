// Package media moves frames in and out of OpenCV: camera capture, JPEG encoding and
// decoding, and reading MJPEG byte streams.
package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/andresmejia3/facewatch/internal/frame"
	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// ErrEmptyImage is returned when OpenCV decodes nothing from the given bytes.
var ErrEmptyImage = errors.New("image could not be decoded")

// JPEGQuality is used for every encode.
const JPEGQuality = 90

func matType(channels int) (gocv.MatType, error) {
	switch channels {
	case 1:
		return gocv.MatTypeCV8UC1, nil
	case 3:
		return gocv.MatTypeCV8UC3, nil
	case 4:
		return gocv.MatTypeCV8UC4, nil
	}
	return 0, fmt.Errorf("unsupported channel count %d", channels)
}

// EncodeJPEG compresses a BGR, BGRA or gray frame.
func EncodeJPEG(f frame.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	mt, err := matType(f.Channels)
	if err != nil {
		return nil, err
	}
	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, mt, f.Pix)
	if err != nil {
		return nil, fmt.Errorf("failed to create Mat: %w", err)
	}
	defer mat.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, JPEGQuality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	defer buf.Close()

	// GetBytes is backed by native memory released by Close.
	return append([]byte(nil), buf.GetBytes()...), nil
}

// DecodeImage decodes any format OpenCV understands into a BGR frame.
func DecodeImage(data []byte) (frame.Frame, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("failed to decode image: %w", err)
	}
	defer mat.Close()
	return fromMat(mat)
}

func fromMat(mat gocv.Mat) (frame.Frame, error) {
	if mat.Empty() {
		return frame.Frame{}, ErrEmptyImage
	}
	f := frame.Frame{
		Width:    mat.Cols(),
		Height:   mat.Rows(),
		Channels: mat.Channels(),
		Pix:      mat.ToBytes(),
	}
	return f, f.Validate()
}

// CameraConfig selects and sizes the capture device.
type CameraConfig struct {
	// Device is a camera index ("0") or a stream URL.
	Device string
	Width  int
	Height int
	FPS    int
}

// Camera is a pipeline.Source reading from an OpenCV VideoCapture.
type Camera struct {
	cap *gocv.VideoCapture
	mat gocv.Mat
}

// OpenCamera opens the device and applies the requested size and rate. OpenCV may silently
// pick different values; the actual ones are logged.
func OpenCamera(cfg CameraConfig, log zerolog.Logger) (*Camera, error) {
	var device interface{} = cfg.Device
	if idx, err := strconv.Atoi(cfg.Device); err == nil {
		device = idx
	}

	cap, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %s: %w", cfg.Device, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("video capture is not opened for camera %s", cfg.Device)
	}

	cap.Set(gocv.VideoCaptureBufferSize, 1)
	if cfg.Width > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		cap.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FPS > 0 {
		cap.Set(gocv.VideoCaptureFPS, float64(cfg.FPS))
	}

	log.Info().
		Str("device", cfg.Device).
		Float64("actual_fps", cap.Get(gocv.VideoCaptureFPS)).
		Float64("actual_width", cap.Get(gocv.VideoCaptureFrameWidth)).
		Float64("actual_height", cap.Get(gocv.VideoCaptureFrameHeight)).
		Msg("camera opened")

	return &Camera{cap: cap, mat: gocv.NewMat()}, nil
}

// Read grabs the next frame. A failed or empty read is an error; the camera does not retry.
func (c *Camera) Read(ctx context.Context) (frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frame.Frame{}, err
	}
	if ok := c.cap.Read(&c.mat); !ok {
		return frame.Frame{}, errors.New("failed to read frame from camera")
	}
	f, err := fromMat(c.mat)
	if errors.Is(err, ErrEmptyImage) {
		return frame.Frame{}, errors.New("camera returned an empty frame")
	}
	return f, err
}

func (c *Camera) Close() error {
	c.mat.Close()
	return c.cap.Close()
}

// Decoder turns encoded bytes into a frame.
type Decoder func(data []byte) (frame.Frame, error)

// JPEGStream is a pipeline.Source over concatenated JPEGs, such as ffmpeg's image2pipe output.
// Read returns io.EOF once the stream is exhausted.
type JPEGStream struct {
	r       io.ReadCloser
	scanner *bufio.Scanner
	decode  Decoder
	count   int
}

// NewJPEGStream reads frames from r, decoding each with decode.
func NewJPEGStream(r io.ReadCloser, decode Decoder) *JPEGStream {
	scanner := bufio.NewScanner(r)
	// Buffer for 4K frames
	scanner.Buffer(make([]byte, 1024*1024), 20*1024*1024)
	scanner.Split(utils.SplitJpeg)
	return &JPEGStream{r: r, scanner: scanner, decode: decode}
}

func (s *JPEGStream) Read(ctx context.Context) (frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frame.Frame{}, err
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return frame.Frame{}, err
		}
		return frame.Frame{}, io.EOF
	}
	f, err := s.decode(s.scanner.Bytes())
	if err != nil {
		return frame.Frame{}, fmt.Errorf("frame %d: %w", s.count, err)
	}
	s.count++
	return f, nil
}

// Count is the number of frames decoded so far.
func (s *JPEGStream) Count() int { return s.count }

func (s *JPEGStream) Close() error { return s.r.Close() }
