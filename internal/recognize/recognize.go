// Package recognize turns one frame into an ordered list of face matches by combining a
// face detector with an identity index.
package recognize

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/facewatch/internal/frame"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/rs/zerolog"
)

// ErrNoFace is returned by Enroll when the frame contains no detectable face.
var ErrNoFace = errors.New("no face detected")

// Detector finds faces and computes their descriptors, in detection order.
type Detector interface {
	DetectAndEncode(ctx context.Context, f frame.Frame) ([]types.Detection, error)
}

// Index looks up enrolled identities.
type Index interface {
	// FindNearest returns identities whose similarity to desc is above threshold,
	// best first, at most limit of them.
	FindNearest(ctx context.Context, desc types.Descriptor, threshold float64, limit int) ([]types.Neighbor, error)
	// GetProfile reports false when the identity does not exist.
	GetProfile(ctx context.Context, identityID string) (types.Profile, bool, error)
}

// Config holds the matching parameters.
type Config struct {
	Threshold float64
	Limit     int
}

// DefaultConfig matches the service defaults.
func DefaultConfig() Config {
	return Config{Threshold: 0.6, Limit: 5}
}

// Recognizer runs detection and identity lookup for a single frame.
type Recognizer struct {
	detector Detector
	index    Index
	cfg      Config
	log      zerolog.Logger
}

func New(detector Detector, index Index, cfg Config, log zerolog.Logger) *Recognizer {
	if cfg.Limit < 1 {
		cfg.Limit = 1
	}
	return &Recognizer{detector: detector, index: index, cfg: cfg, log: log}
}

// Run produces the matches for f. It never fails: a detection error or a panic anywhere in
// the run yields an empty result, and a lookup error turns only the affected face into an
// unidentified match. fp is used for logging.
func (r *Recognizer) Run(ctx context.Context, fp frame.Fingerprint, f frame.Frame) (result types.Result) {
	log := r.log.With().Str("fingerprint", fp.Short()).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("stage", "recognize").Interface("panic", rec).Msg("recognition run panicked")
			result = nil
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil
	}

	detections, err := r.detector.DetectAndEncode(ctx, f)
	if err != nil {
		log.Warn().Err(err).Str("stage", "detect").Msg("face detection failed")
		return nil
	}
	if len(detections) == 0 {
		return nil
	}

	result = make(types.Result, 0, len(detections))
	for i, det := range detections {
		result = append(result, r.match(ctx, log.With().Int("face", i).Logger(), det))
	}

	log.Debug().Int("faces", len(result)).Int("identified", len(result.Identified())).Msg("recognition run complete")
	return result
}

func (r *Recognizer) match(ctx context.Context, log zerolog.Logger, det types.Detection) types.FaceMatch {
	neighbors, err := r.index.FindNearest(ctx, det.Descriptor, r.cfg.Threshold, r.cfg.Limit)
	if err != nil {
		log.Warn().Err(err).Str("stage", "lookup").Msg("identity lookup failed")
		return types.Unidentified(det.Box)
	}
	if len(neighbors) == 0 {
		return types.Unidentified(det.Box)
	}

	best := neighbors[0]
	profile, ok, err := r.index.GetProfile(ctx, best.IdentityID)
	if err != nil {
		log.Warn().Err(err).Str("stage", "profile").Str("identity_id", best.IdentityID).Msg("profile lookup failed")
		return types.Unidentified(det.Box)
	}
	if !ok {
		log.Warn().Str("stage", "profile").Str("identity_id", best.IdentityID).Msg("matched identity has no profile")
		return types.Unidentified(det.Box)
	}

	return types.FaceMatch{
		Identified:  true,
		IdentityID:  best.IdentityID,
		DisplayName: profile.DisplayName,
		Contact:     profile.Contact,
		Similarity:  best.Similarity,
		Box:         det.Box,
	}
}

// Enroll detects the faces in f and returns the largest one, which is the face used for
// registration when several people are in the picture.
func (r *Recognizer) Enroll(ctx context.Context, f frame.Frame) (types.Detection, error) {
	detections, err := r.detector.DetectAndEncode(ctx, f)
	if err != nil {
		return types.Detection{}, fmt.Errorf("detect faces: %w", err)
	}
	if len(detections) == 0 {
		return types.Detection{}, ErrNoFace
	}
	return Largest(detections), nil
}

// Largest returns the detection with the biggest box area. The first one wins ties.
// It panics on an empty slice.
func Largest(detections []types.Detection) types.Detection {
	best := detections[0]
	maxArea := best.Box.Width() * best.Box.Height()
	for _, d := range detections[1:] {
		if area := d.Box.Width() * d.Box.Height(); area > maxArea {
			maxArea = area
			best = d
		}
	}
	return best
}
