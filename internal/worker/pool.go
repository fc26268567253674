package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/facewatch/internal/frame"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/rs/zerolog"
)

// ErrPoolClosed is returned by DetectAndEncode after Close.
var ErrPoolClosed = errors.New("engine pool closed")

// Engine is one detection process.
type Engine interface {
	ProcessFrame(jpeg []byte) ([]types.FaceResult, error)
	Logs() string
	Close()
}

// Spawner starts engine number id.
type Spawner func(ctx context.Context, id int) (Engine, error)

// Encoder turns a raw frame into the JPEG bytes the engine expects.
type Encoder func(f frame.Frame) ([]byte, error)

// PythonSpawner starts engines running script.
func PythonSpawner(script string) Spawner {
	return func(ctx context.Context, id int) (Engine, error) {
		return NewPythonWorker(ctx, id, script)
	}
}

// Pool hands frames to a fixed number of engines. An engine that dies is closed and its
// slot is refilled on the next request.
type Pool struct {
	ctx    context.Context
	spawn  Spawner
	encode Encoder
	log    zerolog.Logger

	slots chan Engine // nil entries are empty slots

	mu     sync.Mutex
	nextID int
	closed bool
	size   int
}

// NewPool starts size engines up front so startup errors surface immediately.
func NewPool(ctx context.Context, size int, spawn Spawner, encode Encoder, log zerolog.Logger) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		ctx:    ctx,
		spawn:  spawn,
		encode: encode,
		log:    log,
		slots:  make(chan Engine, size),
		size:   size,
	}
	for i := 0; i < size; i++ {
		e, err := p.start()
		if err != nil {
			for j := 0; j < i; j++ {
				(<-p.slots).Close()
			}
			return nil, err
		}
		p.slots <- e
	}
	return p, nil
}

func (p *Pool) start() (Engine, error) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	e, err := p.spawn(p.ctx, id)
	if err != nil {
		return nil, fmt.Errorf("start engine %d: %w", id, err)
	}
	p.log.Debug().Int("engine", id).Msg("engine started")
	return e, nil
}

// DetectAndEncode implements recognize.Detector.
func (p *Pool) DetectAndEncode(ctx context.Context, f frame.Frame) ([]types.Detection, error) {
	jpeg, err := p.encode(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	var e Engine
	select {
	case e = <-p.slots:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		if e != nil {
			e.Close()
		}
		p.slots <- nil
		return nil, ErrPoolClosed
	}

	if e == nil {
		if e, err = p.start(); err != nil {
			p.slots <- nil
			return nil, err
		}
	}

	faces, err := e.ProcessFrame(jpeg)
	if err != nil {
		var engineErr *EngineError
		if errors.As(err, &engineErr) {
			p.slots <- e
			return nil, err
		}
		// Broken pipe or garbled stream: the process is gone or unusable.
		e.Close()
		p.log.Error().Err(err).Str("stage", "detect").Str("engine_logs", e.Logs()).Msg("engine crashed")
		p.slots <- nil
		return nil, fmt.Errorf("engine failed: %w", err)
	}
	p.slots <- e

	dets := make([]types.Detection, 0, len(faces))
	for _, fr := range faces {
		box, err := types.BoxFromLoc(fr.Loc)
		if err != nil {
			return nil, err
		}
		dets = append(dets, types.Detection{Box: box, Descriptor: fr.Vec})
	}
	return dets, nil
}

// Close stops every engine. It waits for engines currently in use to be handed back.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		if e := <-p.slots; e != nil {
			e.Close()
		}
	}
	for i := 0; i < p.size; i++ {
		p.slots <- nil
	}
}
