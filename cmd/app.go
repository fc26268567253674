package cmd

import (
	"context"
	"fmt"

	"github.com/andresmejia3/facewatch/internal/cache"
	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/facerec"
	"github.com/andresmejia3/facewatch/internal/flight"
	"github.com/andresmejia3/facewatch/internal/media"
	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/recognize"
	"github.com/andresmejia3/facewatch/internal/worker"
	"github.com/rs/zerolog"
)

// detector is a recognize.Detector that owns resources.
type detector interface {
	recognize.Detector
	Close()
}

// newDetector starts the configured face detector.
func newDetector(ctx context.Context, rc config.Recognition, log zerolog.Logger) (detector, error) {
	switch rc.Detector {
	case config.DetectorDlib:
		return facerec.New(rc.ModelDir, media.EncodeJPEG)
	case config.DetectorPython:
		// One engine per recognition worker so workers never queue on each other
		return worker.NewPool(ctx, rc.Workers, worker.PythonSpawner(rc.EngineScript), media.EncodeJPEG,
			log.With().Str("component", "engine").Logger())
	}
	return nil, fmt.Errorf("unknown detector %q", rc.Detector)
}

func newRecognizer(det recognize.Detector, idx recognize.Index, rc config.Recognition, log zerolog.Logger) *recognize.Recognizer {
	return recognize.New(det, idx, recognize.Config{
		Threshold: rc.Tolerance,
		Limit:     rc.MatchLimit,
	}, log.With().Str("component", "recognizer").Logger())
}

// newPipeline wires cache, coordinator and recognizer together. The caller closes the
// pipeline before the detector.
func newPipeline(rec *recognize.Recognizer, c config.Config, log zerolog.Logger, opts ...pipeline.Option) *pipeline.Pipeline {
	return pipeline.New(
		cache.New(c.Cache.MaxSize, c.Cache.TTL),
		flight.New(),
		rec,
		pipeline.Config{
			Workers:           c.Recognition.Workers,
			QueueSize:         c.Recognition.QueueSize,
			CacheEmptyResults: c.Cache.EmptyResults,
			StaleWindow:       c.Recognition.StaleWindow,
		},
		log.With().Str("component", "pipeline").Logger(),
		opts...,
	)
}
