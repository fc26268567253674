// Package facerec runs detection in-process with dlib through go-face.
package facerec

import (
	"context"
	"fmt"
	"image"
	"sync"

	face "github.com/Kagami/go-face"
	"github.com/andresmejia3/facewatch/internal/frame"
	"github.com/andresmejia3/facewatch/internal/types"
)

// Encoder turns a raw frame into JPEG bytes.
type Encoder func(f frame.Frame) ([]byte, error)

// Detector wraps a dlib recognizer. dlib models are not safe for concurrent use, so calls
// are serialized.
type Detector struct {
	mu     sync.Mutex
	rec    *face.Recognizer
	encode Encoder
}

// New loads the dlib models from modelDir (shape_predictor_5_face_landmarks.dat and
// dlib_face_recognition_resnet_model_v1.dat).
func New(modelDir string, encode Encoder) (*Detector, error) {
	rec, err := face.NewRecognizer(modelDir)
	if err != nil {
		return nil, fmt.Errorf("load face models from %s: %w", modelDir, err)
	}
	return &Detector{rec: rec, encode: encode}, nil
}

// DetectAndEncode implements recognize.Detector.
func (d *Detector) DetectAndEncode(ctx context.Context, f frame.Frame) ([]types.Detection, error) {
	jpeg, err := d.encode(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	faces, err := d.rec.Recognize(jpeg)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	dets := make([]types.Detection, 0, len(faces))
	for _, fc := range faces {
		dets = append(dets, toDetection(fc.Rectangle, fc.Descriptor))
	}
	return dets, nil
}

func toDetection(r image.Rectangle, desc face.Descriptor) types.Detection {
	vec := make(types.Descriptor, len(desc))
	for i, v := range desc {
		vec[i] = float64(v)
	}
	return types.Detection{
		Box:        types.Box{Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y, Left: r.Min.X},
		Descriptor: vec,
	}
}

func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rec.Close()
}
