package audit

import (
	"context"
	"sync"
	"time"

	"rampart.dev/internal/ids"
	"rampart.dev/internal/obs"
)

// RecorderConfig configures the asynchronous recorder.
type RecorderConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// AsyncRecorder implements Recorder with a buffered channel drained by a
// background worker that writes batches to a Store.
type AsyncRecorder struct {
	ch     chan Event
	store  Store
	cfg    RecorderConfig
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// NewAsyncRecorder creates and starts an asynchronous recorder.
func NewAsyncRecorder(store Store, cfg RecorderConfig) *AsyncRecorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &AsyncRecorder{
		ch:     make(chan Event, cfg.BufferSize),
		store:  store,
		cfg:    cfg,
		cancel: cancel,
	}
	r.wg.Add(1)
	go r.worker(ctx)
	return r
}

// Record stamps and enqueues e. It never blocks: when the buffer is full the
// event is dropped and counted.
func (r *AsyncRecorder) Record(_ context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = ids.At(e.OccurredAt)
	}
	select {
	case r.ch <- e:
	default:
		obs.AuditDropped()
		obs.Warn("audit buffer full, dropping event", map[string]any{
			"kind":   string(e.Kind),
			"tenant": e.Tenant,
		})
	}
}

// Close flushes pending events and stops the worker.
func (r *AsyncRecorder) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.wg.Wait()
		r.flush(r.drainAll())
	})
	return nil
}

func (r *AsyncRecorder) worker(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []Event
	for {
		select {
		case <-ctx.Done():
			batch = append(batch, r.drainAll()...)
			r.flush(batch)
			return
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= r.cfg.BatchSize {
				r.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = nil
			}
		}
	}
}

func (r *AsyncRecorder) flush(events []Event) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := r.store.Append(ctx, events)
	obs.ObserveAuditFlush(time.Since(start))
	if err != nil {
		obs.Error("audit flush failed", map[string]any{"error": err, "count": len(events)})
	}
}

func (r *AsyncRecorder) drainAll() []Event {
	var events []Event
	for {
		select {
		case e := <-r.ch:
			events = append(events, e)
		default:
			return events
		}
	}
}
