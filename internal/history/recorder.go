package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/routerwatch-core/internal/telemetry"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

// MetaStore persists the per-device summary.
type MetaStore interface {
	TouchLastSeen(deviceID string, t time.Time) error
	RecordAction(deviceID, action string, t time.Time) error
	MarkSchedulesCleared(deviceID string, t time.Time) error
	Delete(deviceID string) error
}

// Notifier is told about every entry that was actually added to the log.
type Notifier interface {
	OnHistoryEntry(e Entry)
}

// Logger is the logging interface used by the recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configure a Recorder.
type Options struct {
	// Meta receives last-seen, last-action and schedule markers. Optional.
	Meta MetaStore

	// Names resolves a device id to its display name. Optional.
	Names func(deviceID string) string

	// QueueSize bounds pending writes. Zero selects a default.
	QueueSize int

	Logger Logger
	Clock  func() time.Time
}

// Recorder is the fleet event sink. Its On* methods only enqueue; Run
// performs the writes.
type Recorder struct {
	repo  Repository
	meta  MetaStore
	log   Logger
	clock func() time.Time

	mu        sync.RWMutex
	names     func(string) string
	notifiers []Notifier

	jobs      chan func(ctx context.Context)
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewRecorder creates a recorder writing entries to repo.
func NewRecorder(repo Repository, opts Options) *Recorder {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Recorder{
		repo:   repo,
		meta:   opts.Meta,
		log:    opts.Logger,
		clock:  opts.Clock,
		names:  opts.Names,
		jobs:   make(chan func(context.Context), opts.QueueSize),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetNameResolver replaces the display name resolver.
func (r *Recorder) SetNameResolver(fn func(deviceID string) string) {
	r.mu.Lock()
	r.names = fn
	r.mu.Unlock()
}

// AddNotifier registers an observer of new log entries.
func (r *Recorder) AddNotifier(n Notifier) {
	r.mu.Lock()
	r.notifiers = append(r.notifiers, n)
	r.mu.Unlock()
}

// Run performs queued writes until Close is called, then drains the queue.
// Cancelling ctx abandons queued writes.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.jobs:
			r.exec(ctx, job)
		case <-r.closed:
			for {
				select {
				case job := <-r.jobs:
					r.exec(ctx, job)
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting work and waits for Run to drain the queue. It must
// only be called after Run has been started.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
	<-r.done
}

func (r *Recorder) exec(ctx context.Context, job func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("history write panic recovered", "panic", p)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	job(ctx)
}

// enqueue never blocks: a full queue drops the write.
func (r *Recorder) enqueue(what, deviceID string, job func(context.Context)) {
	select {
	case <-r.closed:
		return
	default:
	}
	select {
	case r.jobs <- job:
	default:
		r.log.Warn("history queue full, write dropped", "device_id", deviceID, "write", what)
	}
}

// OnDeviceSeen records the last time the device was heard from.
func (r *Recorder) OnDeviceSeen(deviceID string, at time.Time) {
	if r.meta == nil {
		return
	}
	r.enqueue("last_seen", deviceID, func(context.Context) {
		if err := r.meta.TouchLastSeen(deviceID, at); err != nil {
			r.log.Warn("storing last seen failed", "device_id", deviceID, "error", err)
		}
	})
}

// OnDeviceAction records the device's most recent discrete action.
func (r *Recorder) OnDeviceAction(deviceID string, action telemetry.Action, at time.Time) {
	if r.meta == nil {
		return
	}
	r.enqueue("last_action", deviceID, func(context.Context) {
		if err := r.meta.RecordAction(deviceID, string(action), at); err != nil {
			r.log.Warn("storing last action failed", "device_id", deviceID, "error", err)
		}
	})
}

// OnDeviceEvent appends a labelled event to the log.
func (r *Recorder) OnDeviceEvent(deviceID, label string, at time.Time) {
	name := r.displayName(deviceID)
	r.enqueue("event", deviceID, func(ctx context.Context) {
		e := Entry{ID: uuid.NewString(), DeviceID: deviceID, DeviceName: name, Timestamp: at, EventType: label}
		added, err := r.repo.Insert(ctx, e)
		if err != nil {
			r.log.Warn("storing history entry failed", "device_id", deviceID, "event", label, "error", err)
			return
		}
		if !added {
			r.log.Debug("duplicate history entry ignored", "device_id", deviceID, "event", label)
			return
		}
		r.notify(e)
	})
}

// OnSchedulesCleared marks the device's schedules as cleared.
func (r *Recorder) OnSchedulesCleared(deviceID string) {
	if r.meta == nil {
		return
	}
	at := r.clock()
	r.enqueue("schedules_cleared", deviceID, func(context.Context) {
		if err := r.meta.MarkSchedulesCleared(deviceID, at); err != nil {
			r.log.Warn("storing schedules cleared failed", "device_id", deviceID, "error", err)
		}
	})
}

// OnDeviceForgotten drops the device's metadata. Its history rows stay in
// the log until pruned.
func (r *Recorder) OnDeviceForgotten(deviceID string) {
	if r.meta == nil {
		return
	}
	r.enqueue("forget", deviceID, func(context.Context) {
		if err := r.meta.Delete(deviceID); err != nil {
			r.log.Warn("deleting device metadata failed", "device_id", deviceID, "error", err)
		}
	})
}

// List returns the newest entries across the fleet.
func (r *Recorder) List(ctx context.Context, limit int) ([]Entry, error) {
	return r.repo.List(ctx, limit)
}

// ListDevice returns the newest entries for one device.
func (r *Recorder) ListDevice(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	return r.repo.ListDevice(ctx, deviceID, limit)
}

func (r *Recorder) displayName(deviceID string) string {
	r.mu.RLock()
	fn := r.names
	r.mu.RUnlock()
	if fn == nil {
		return deviceID
	}
	return fn(deviceID)
}

func (r *Recorder) notify(e Entry) {
	r.mu.RLock()
	notifiers := r.notifiers
	r.mu.RUnlock()
	for _, n := range notifiers {
		n.OnHistoryEntry(e)
	}
}
