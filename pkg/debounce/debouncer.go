// Package debounce coalesces bursts of raw filesystem events for the
// same path into a single logical event. Editors and build tools commonly
// produce several writes within milliseconds; subscribers want one.
package debounce

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yairfalse/vigil/pkg/events"
)

// DefaultWindow is the debounce window applied when the config leaves it
// unset.
const DefaultWindow = 200 * time.Millisecond

// Config controls filtering and coalescing for one watched root.
type Config struct {
	// Root is the watched directory events are scoped to.
	Root string

	// WatchSubdirectories keeps events from nested directories; when
	// false, only direct children of Root pass.
	WatchSubdirectories bool

	// IgnorePatterns are glob patterns matched against both the path
	// relative to Root and the base name. Matching events are dropped.
	IgnorePatterns []string

	// Enabled turns coalescing on. When false every event passing the
	// filters is forwarded immediately.
	Enabled bool

	// Window is how long a path's window stays open after the most
	// recent raw event. Zero means DefaultWindow.
	Window time.Duration

	// Types restricts which event types pass. Empty means all.
	Types map[events.EventType]struct{}

	// Source names the producing source on emitted envelopes.
	Source string
}

type window struct {
	timer    *time.Timer
	deadline time.Time
	pending  events.FsEvent
}

// EmitFunc receives the coalesced, normalized event.
type EmitFunc func(events.Event)

// Debouncer holds per-path open windows for one watched root. All window
// state is private and guarded by its own mutex; only the owning pump
// goroutine and expiring timers touch it.
type Debouncer struct {
	cfg    Config
	globs  []glob.Glob
	window time.Duration
	emit   EmitFunc
	logger *zap.Logger

	mu      sync.Mutex
	windows map[string]*window
	stopped bool
}

// New creates a debouncer. Ignore patterns are compiled eagerly so a bad
// pattern surfaces at subscribe time, not at first event.
func New(cfg Config, emit EmitFunc, logger *zap.Logger) (*Debouncer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	globs := make([]glob.Glob, 0, len(cfg.IgnorePatterns))
	for _, pattern := range cfg.IgnorePatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, &events.IoError{Op: "compile ignore pattern", Path: pattern, Err: err}
		}
		globs = append(globs, g)
	}

	w := cfg.Window
	if w <= 0 {
		w = DefaultWindow
	}

	return &Debouncer{
		cfg:     cfg,
		globs:   globs,
		window:  w,
		emit:    emit,
		logger:  logger,
		windows: make(map[string]*window),
	}, nil
}

// Ingest feeds one raw filesystem event through the configured filters
// and, when debouncing is enabled, into its path's window. Filtered
// events are dropped silently.
func (d *Debouncer) Ingest(fsEv events.FsEvent) {
	if !d.accepts(fsEv) {
		return
	}

	// Rename activity under the old path is moot once the entry has a
	// new name; close that window right away.
	if fsEv.OldPath != "" {
		d.flushNow(fsEv.OldPath)
	}

	if !d.cfg.Enabled {
		d.emit(d.wrap(fsEv))
		return
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	key := fsEv.Path
	win, open := d.windows[key]
	if !open {
		win = &window{pending: fsEv, deadline: time.Now().Add(d.window)}
		win.timer = time.AfterFunc(d.window, func() {
			d.expire(key)
		})
		d.windows[key] = win
		d.mu.Unlock()
		return
	}

	win.pending = merge(win.pending, fsEv)
	win.deadline = time.Now().Add(d.window)
	win.timer.Reset(d.window)
	d.mu.Unlock()
}

// accepts applies the kind set, subdirectory scope, and ignore patterns.
func (d *Debouncer) accepts(fsEv events.FsEvent) bool {
	if len(d.cfg.Types) > 0 {
		if _, ok := d.cfg.Types[fsEv.Type]; !ok {
			return false
		}
	}

	if d.cfg.Root != "" && !d.cfg.WatchSubdirectories {
		if filepath.Dir(filepath.Clean(fsEv.Path)) != filepath.Clean(d.cfg.Root) {
			return false
		}
	}

	if len(d.globs) > 0 {
		rel := fsEv.Path
		if d.cfg.Root != "" {
			if r, err := filepath.Rel(d.cfg.Root, fsEv.Path); err == nil {
				rel = r
			}
		}
		rel = filepath.ToSlash(rel)
		base := filepath.Base(fsEv.Path)
		for _, g := range d.globs {
			if g.Match(rel) || g.Match(base) {
				return false
			}
		}
	}

	return true
}

// merge combines a pending event with a later one for the same path. The
// later event wins, except that spurious change notifications after a
// deletion never resurrect the entry.
func merge(pending, incoming events.FsEvent) events.FsEvent {
	if pending.Type == events.FsDeleted {
		switch incoming.Type {
		case events.FsModified, events.FsAttributeChanged, events.FsPermissionChanged:
			return pending
		}
	}
	return incoming
}

// expire closes the window for key and emits its pending event, unless a
// merge re-armed the timer in the meantime.
func (d *Debouncer) expire(key string) {
	d.mu.Lock()
	win, ok := d.windows[key]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	// A merge can slip in between the timer firing and this lock being
	// taken; honor the extended deadline instead of emitting early.
	if remaining := time.Until(win.deadline); remaining > 0 {
		win.timer.Reset(remaining)
		d.mu.Unlock()
		return
	}
	delete(d.windows, key)
	pending := win.pending
	d.mu.Unlock()

	d.emit(d.wrap(pending))
}

// flushNow closes the window for key immediately, if one is open.
func (d *Debouncer) flushNow(key string) {
	d.mu.Lock()
	win, ok := d.windows[key]
	if ok {
		win.timer.Stop()
		delete(d.windows, key)
	}
	d.mu.Unlock()

	if ok {
		d.emit(d.wrap(win.pending))
	}
}

// Flush emits every pending event immediately. Used when draining during
// shutdown.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	pending := make([]events.FsEvent, 0, len(d.windows))
	for key, win := range d.windows {
		win.timer.Stop()
		pending = append(pending, win.pending)
		delete(d.windows, key)
	}
	d.mu.Unlock()

	for _, fsEv := range pending {
		d.emit(d.wrap(fsEv))
	}
}

// Stop flushes pending windows and rejects further ingestion.
func (d *Debouncer) Stop() {
	d.Flush()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

// PendingCount returns the number of open windows.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows)
}

func (d *Debouncer) wrap(fsEv events.FsEvent) events.Event {
	source := d.cfg.Source
	if source == "" {
		source = "filesystem"
	}
	ts := fsEv.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	payload := fsEv
	return events.Event{
		ID:        uuid.NewString(),
		Source:    source,
		Class:     events.ClassFilesystem,
		Type:      fsEv.Type,
		Timestamp: ts,
		Payload:   events.Payload{FS: &payload},
	}
}
