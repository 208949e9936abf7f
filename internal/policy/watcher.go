package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"rampart.dev/internal/obs"
	"rampart.dev/internal/rbac"
)

const (
	defaultDebounce = 250 * time.Millisecond
	minPoll         = time.Millisecond
)

// Watcher keeps one engine in sync with one policy document.
type Watcher struct {
	engine   *rbac.Engine
	path     string
	debounce time.Duration
	prepare  []func(*rbac.Dataset)
	applied  []func(context.Context, *rbac.Engine) error

	mu     sync.Mutex
	last   Digest
	loaded bool
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithDebounce sets how long the file must stay quiet before a reload.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// OnApplied adds a hook run after each successful apply. A hook error is
// reported as a failed reload but the engine keeps the new state.
func OnApplied(fn func(context.Context, *rbac.Engine) error) WatchOption {
	return func(w *Watcher) { w.applied = append(w.applied, fn) }
}

// WithPrepare adds a hook run on every dataset before it is applied.
func WithPrepare(fn func(*rbac.Dataset)) WatchOption {
	return func(w *Watcher) { w.prepare = append(w.prepare, fn) }
}

func NewWatcher(e *rbac.Engine, path string, opts ...WatchOption) (*Watcher, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: policy watcher needs an engine", rbac.ErrInvalidInput)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	w := &Watcher{engine: e, path: abs, debounce: defaultDebounce}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the absolute path of the watched document.
func (w *Watcher) Path() string { return w.path }

// Digest returns the digest of the last applied document.
func (w *Watcher) Digest() (Digest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.loaded
}

// Reload loads the document and applies it unless its digest matches the
// last applied one. It reports whether the engine changed.
func (w *Watcher) Reload(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc, digest, err := Load(w.path)
	if err == nil && w.loaded && digest == w.last {
		return false, nil
	}
	if err == nil {
		err = Apply(ctx, w.engine, doc, w.prepare...)
		if err == nil {
			w.last, w.loaded = digest, true
			for _, fn := range w.applied {
				if err = fn(ctx, w.engine); err != nil {
					break
				}
			}
		}
	}
	obs.ObservePolicyReload(w.engine.Tenant(), err)
	if err != nil {
		obs.Warn("policy reload failed", map[string]any{
			"tenant": w.engine.Tenant(),
			"path":   w.path,
			"error":  err.Error(),
		})
		return false, err
	}
	obs.Info("policy applied", map[string]any{
		"tenant":  w.engine.Tenant(),
		"path":    w.path,
		"digest":  digest.String(),
		"version": w.engine.Version(),
	})
	return true, nil
}

// Run watches the document's directory until ctx is done and reloads after
// each burst of changes. Editors that save by rename are handled because
// the directory, not the file, is watched. Failed reloads are logged and
// leave the engine on its previous state.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy: watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("policy: watch %s: %w", w.path, err)
	}

	tick := time.NewTicker(pollInterval(w.debounce))
	defer tick.Stop()

	var changed time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				changed = time.Now()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			obs.Warn("policy watcher error", map[string]any{"path": w.path, "error": err.Error()})
		case <-tick.C:
			if changed.IsZero() || time.Since(changed) < w.debounce {
				continue
			}
			changed = time.Time{}
			_, _ = w.Reload(ctx)
		}
	}
}

// pollInterval is how often Run checks whether the quiet period has passed.
func pollInterval(debounce time.Duration) time.Duration {
	return max(debounce/2, minPoll)
}
