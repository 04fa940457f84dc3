// Package fs implements the push-based filesystem source on top of
// fsnotify. It owns the native watch handles, expands recursive watches
// directory by directory, and emits raw events for the debouncer.
package fs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/yairfalse/vigil/pkg/events"
	"github.com/yairfalse/vigil/pkg/sources"
	"github.com/yairfalse/vigil/pkg/sources/base"
)

// SourceName identifies this source on emitted samples.
const SourceName = "filesystem"

const (
	defaultBufferSize  = 256
	defaultDedupWindow = 10 * time.Millisecond
	defaultStopTimeout = 5 * time.Second
	dedupCacheSize     = 1024
)

// Config controls the filesystem source.
type Config struct {
	// BufferSize for the sample channel.
	BufferSize int

	// DedupWindow suppresses byte-identical (path, op) notifications
	// arriving within this window. Some platforms double-report writes.
	DedupWindow time.Duration

	// Logger for source diagnostics.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:  defaultBufferSize,
		DedupWindow: defaultDedupWindow,
	}
}

type watchRoot struct {
	recursive bool
	dirs      map[string]struct{}
	refs      int
}

// Source watches directories via fsnotify and emits RawFsEvent samples.
type Source struct {
	*base.BaseSource

	cfg     Config
	logger  *zap.Logger
	channel *base.SampleChannel

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	roots   map[string]*watchRoot
	dirRefs map[string]int
	recent  *lru.Cache[string, time.Time]

	lifecycle *base.Lifecycle
	started   atomic.Bool
	stopped   atomic.Bool
}

// NewSource creates the source. The native watcher handle is not opened
// until Start so a constructed-but-unstarted system holds no resources.
func NewSource(cfg Config) (*Source, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}

	recent, err := lru.New[string, time.Time](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	return &Source{
		BaseSource: base.NewBaseSource(SourceName, 0),
		cfg:        cfg,
		logger:     logger,
		channel:    base.NewSampleChannel(cfg.BufferSize, SourceName, logger),
		roots:      make(map[string]*watchRoot),
		dirRefs:    make(map[string]int),
		recent:     recent,
	}, nil
}

// ValidateWatchPath checks that a path can be watched. Callers that defer
// source construction use it to reject missing paths at subscribe time.
func ValidateWatchPath(root string) error {
	if _, err := os.Stat(filepath.Clean(root)); err != nil {
		return &events.IoError{Op: "watch", Path: root, Err: err}
	}
	return nil
}

// Watch registers interest in root. The path must exist; a missing path
// is an IoError returned synchronously. When the source is already
// running the native watches are added immediately, otherwise they are
// established by Start.
func (s *Source) Watch(root string, recursive bool) error {
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return &events.IoError{Op: "watch", Path: root, Err: err}
	}
	if !info.IsDir() {
		root = filepath.Dir(root)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.roots[root]; ok {
		existing.refs++
		return nil
	}

	wr := &watchRoot{
		recursive: recursive,
		dirs:      map[string]struct{}{root: {}},
		refs:      1,
	}
	if recursive {
		subdirs, err := collectSubdirs(root)
		if err != nil {
			return &events.IoError{Op: "walk", Path: root, Err: err}
		}
		for _, dir := range subdirs {
			wr.dirs[dir] = struct{}{}
		}
	}

	var claimed []string
	for dir := range wr.dirs {
		if err := s.claimDirLocked(dir); err != nil {
			for _, d := range claimed {
				s.releaseDirLocked(d)
			}
			return &events.IoError{Op: "watch", Path: dir, Err: err}
		}
		claimed = append(claimed, dir)
	}

	s.roots[root] = wr
	s.logger.Debug("Watch root added",
		zap.String("root", root),
		zap.Bool("recursive", recursive),
		zap.Int("dirs", len(wr.dirs)))
	return nil
}

// Unwatch releases one reference on root, removing native watches when
// the last interested subscription is gone.
func (s *Source) Unwatch(root string) {
	root = filepath.Clean(root)

	s.mu.Lock()
	defer s.mu.Unlock()

	wr, ok := s.roots[root]
	if !ok {
		return
	}
	wr.refs--
	if wr.refs > 0 {
		return
	}
	delete(s.roots, root)
	for dir := range wr.dirs {
		s.releaseDirLocked(dir)
	}
}

// claimDirLocked takes one reference on a directory, shared across all
// roots that cover it. The native watch is added on the first claim only,
// so overlapping roots never double-watch and never steal each other's
// handles.
func (s *Source) claimDirLocked(dir string) error {
	if s.dirRefs[dir] == 0 && s.watcher != nil {
		if err := s.watcher.Add(dir); err != nil {
			return err
		}
	}
	s.dirRefs[dir]++
	return nil
}

// releaseDirLocked drops one reference on a directory; the native watch
// is removed only when no root claims it anymore.
func (s *Source) releaseDirLocked(dir string) {
	refs := s.dirRefs[dir]
	switch {
	case refs > 1:
		s.dirRefs[dir] = refs - 1
	case refs == 1:
		delete(s.dirRefs, dir)
		if s.watcher != nil {
			if err := s.watcher.Remove(dir); err != nil {
				s.logger.Debug("Watch remove failed",
					zap.String("path", dir),
					zap.Error(err))
			}
		}
	}
}

// Name returns the source name.
func (s *Source) Name() string { return SourceName }

// Samples returns the raw event channel.
func (s *Source) Samples() <-chan sources.Sample { return s.channel.Channel() }

// Start opens the native watcher, establishes all registered watches, and
// launches the forwarding loop.
func (s *Source) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("filesystem source already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.started.Store(false)
		return &events.SourceInitError{Source: SourceName, Err: err}
	}

	s.mu.Lock()
	s.watcher = watcher
	for dir := range s.dirRefs {
		if err := watcher.Add(dir); err != nil {
			s.watcher = nil
			s.mu.Unlock()
			watcher.Close()
			s.started.Store(false)
			return &events.SourceInitError{
				Source: SourceName,
				Err:    &events.IoError{Op: "watch", Path: dir, Err: err},
			}
		}
	}
	s.mu.Unlock()

	s.lifecycle = base.NewLifecycle(ctx, s.logger)
	s.lifecycle.Go("fs-forwarder", func() {
		s.forward(s.lifecycle.Context(), watcher)
	})

	s.logger.Info("Filesystem source started")
	return nil
}

// Stop closes the native handle and the sample channel. Idempotent.
func (s *Source) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	if s.lifecycle != nil {
		if stopErr := s.lifecycle.Stop(defaultStopTimeout); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	s.channel.Close()
	s.logger.Info("Filesystem source stopped")
	return err
}

// forward translates fsnotify notifications into RawFsEvent samples until
// the watcher closes or the context is cancelled.
func (s *Source) forward(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleNative(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.RecordError(err)
			s.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (s *Source) handleNative(ev fsnotify.Event) {
	op, ok := mapOp(ev.Op)
	if !ok {
		return
	}
	now := time.Now()

	if s.isDuplicate(ev.Name, op, now) {
		return
	}

	// A directory created under a recursive root needs its own watch so
	// activity inside it is seen.
	if op == sources.RawFsCreate {
		s.maybeWatchNewDir(ev.Name)
	}

	raw := sources.RawFsEvent{
		Path:      ev.Name,
		Op:        op,
		Timestamp: now,
	}
	if s.channel.Send(sources.Sample{
		Source:    SourceName,
		Timestamp: now,
		FS:        &raw,
	}) {
		s.RecordSample()
	} else {
		s.RecordDrop()
	}
}

func (s *Source) isDuplicate(path string, op sources.RawFsOp, now time.Time) bool {
	key := fmt.Sprintf("%s|%d", path, op)
	if last, ok := s.recent.Get(key); ok && now.Sub(last) < s.cfg.DedupWindow {
		return true
	}
	s.recent.Add(key, now)
	return false
}

func (s *Source) maybeWatchNewDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Every recursive root covering the new directory takes its own
	// reference, so unwatching one later leaves the others intact.
	for root, wr := range s.roots {
		if !wr.recursive {
			continue
		}
		if !strings.HasPrefix(filepath.Clean(path), root+string(filepath.Separator)) {
			continue
		}
		if _, watched := wr.dirs[path]; watched {
			continue
		}
		if err := s.claimDirLocked(path); err != nil {
			s.logger.Debug("Watch add failed for new directory",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		wr.dirs[path] = struct{}{}
	}
}

func mapOp(op fsnotify.Op) (sources.RawFsOp, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return sources.RawFsCreate, true
	case op.Has(fsnotify.Write):
		return sources.RawFsWrite, true
	case op.Has(fsnotify.Remove):
		return sources.RawFsRemove, true
	case op.Has(fsnotify.Rename):
		return sources.RawFsRename, true
	case op.Has(fsnotify.Chmod):
		return sources.RawFsChmod, true
	}
	return 0, false
}

func collectSubdirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() || path == root {
			return nil
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs, err
}
