package watchdog

import (
	"sync"
	"time"
)

// DefaultTimeout exceeds the transport keepalive plus one missed beat.
const DefaultTimeout = 70 * time.Second

// ExpiryFunc is called from a timer goroutine when a deadline passes.
// It must not block.
type ExpiryFunc func(deviceID string, generation uint64)

type entry struct {
	timer      *time.Timer
	generation uint64
}

// Registry owns the per-device deadlines. All methods are safe for
// concurrent use.
type Registry struct {
	timeout  time.Duration
	onExpire ExpiryFunc

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	stopped bool
}

// New creates a registry. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration, onExpire ExpiryFunc) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		timeout:  timeout,
		onExpire: onExpire,
		entries:  make(map[string]*entry),
	}
}

// Timeout returns the configured deadline window.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Arm starts or restarts the deadline for deviceID and returns the new
// generation. A previous deadline for the device is cancelled.
func (r *Registry) Arm(deviceID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return 0
	}
	if e, ok := r.entries[deviceID]; ok {
		e.timer.Stop()
	}

	r.gen++
	gen := r.gen
	r.entries[deviceID] = &entry{
		generation: gen,
		timer: time.AfterFunc(r.timeout, func() {
			r.onExpire(deviceID, gen)
		}),
	}
	return gen
}

// Disarm cancels and removes the deadline for deviceID. It is a no-op when
// the device is not armed.
func (r *Registry) Disarm(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[deviceID]; ok {
		e.timer.Stop()
		delete(r.entries, deviceID)
	}
}

// Consume removes the entry for deviceID if it is still the one with the
// given generation. It reports false for an expiry that lost a race with
// Arm or Disarm; the caller must then ignore the expiry.
func (r *Registry) Consume(deviceID string, generation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[deviceID]
	if !ok || e.generation != generation {
		return false
	}
	delete(r.entries, deviceID)
	return true
}

// Armed reports whether deviceID has a live deadline.
func (r *Registry) Armed(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[deviceID]
	return ok
}

// Len returns the number of armed devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stop cancels every deadline. Later calls to Arm are ignored.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		e.timer.Stop()
		delete(r.entries, id)
	}
	r.stopped = true
}
