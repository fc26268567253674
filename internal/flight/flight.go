// Package flight tracks which fingerprints currently have a recognition run in progress.
package flight

import (
	"sync"

	"github.com/andresmejia3/facewatch/internal/frame"
)

// Coordinator grants at most one in-flight run per fingerprint.
//
// A single mutex makes the check-then-insert atomic. It is held only for the map access;
// the runs themselves execute outside it, so different fingerprints proceed in parallel.
type Coordinator struct {
	mu       sync.Mutex
	inFlight map[frame.Fingerprint]struct{}
}

// New returns an empty coordinator.
func New() *Coordinator {
	return &Coordinator{inFlight: make(map[frame.Fingerprint]struct{})}
}

// TryBegin claims fp. It returns false when a run for fp is already in progress, in which
// case the caller must not start another one. A true return obliges the caller to call Done.
func (c *Coordinator) TryBegin(fp frame.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, running := c.inFlight[fp]; running {
		return false
	}
	c.inFlight[fp] = struct{}{}
	return true
}

// Done releases fp. Releasing a fingerprint that is not in flight is a no-op.
func (c *Coordinator) Done(fp frame.Fingerprint) {
	c.mu.Lock()
	delete(c.inFlight, fp)
	c.mu.Unlock()
}

// Running reports whether fp has a run in progress.
func (c *Coordinator) Running(fp frame.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[fp]
	return ok
}

// InFlight is the number of runs in progress.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}
