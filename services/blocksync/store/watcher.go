// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileChange is one debounced file-system change.
type FileChange struct {
	Path      string
	EventType string // FileEventCreate, FileEventUpdate or FileEventDelete
	Time      time.Time
}

// FileChangeHandler receives a batch of debounced changes.
type FileChangeHandler func(changes []FileChange)

// FileWatcher watches directory trees and batches changes through a
// debounce window, so a burst of editor writes produces one ingest
// pass instead of one per write.
//
// Thread Safety: the handler is called from a single goroutine.
type FileWatcher struct {
	roots    []string
	handler  FileChangeHandler
	debounce time.Duration
	ignore   []string
	log      *slog.Logger
}

// FileWatcherOptions configures a FileWatcher.
type FileWatcherOptions struct {
	// DebounceWindow is how long to wait for more changes before
	// flushing a batch. Default: 100ms.
	DebounceWindow time.Duration

	// IgnorePatterns are basename glob patterns to skip.
	// Default: [".git", "node_modules", "*.swp", "*.tmp"]
	IgnorePatterns []string
}

// NewFileWatcher creates a watcher over the given root directories.
func NewFileWatcher(roots []string, handler FileChangeHandler, opts FileWatcherOptions, log *slog.Logger) *FileWatcher {
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 100 * time.Millisecond
	}
	if opts.IgnorePatterns == nil {
		opts.IgnorePatterns = []string{".git", "node_modules", "*.swp", "*.tmp"}
	}
	if log == nil {
		log = slog.Default()
	}
	return &FileWatcher{
		roots:    roots,
		handler:  handler,
		debounce: opts.DebounceWindow,
		ignore:   opts.IgnorePatterns,
		log:      log,
	}
}

// Run watches until the context is cancelled. Per-event errors are
// logged and do not stop the watch loop.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, root := range w.roots {
		if err := w.addTree(watcher, root); err != nil {
			return err
		}
	}

	var (
		pending []FileChange
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			change, ok := w.translate(ev)
			if !ok {
				continue
			}
			// New directories need their own watch.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(watcher, ev.Name); err != nil {
						w.log.Warn("failed to watch new directory", "path", ev.Name, "error", err)
					}
					continue
				}
			}
			pending = append(pending, change)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			batch := pending
			pending = nil
			timerC = nil
			w.handler(batch)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("file watcher error", "error", err)
		}
	}
}

func (w *FileWatcher) addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(filepath.Base(path)) && path != root {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (w *FileWatcher) translate(ev fsnotify.Event) (FileChange, bool) {
	if w.ignored(filepath.Base(ev.Name)) {
		return FileChange{}, false
	}
	change := FileChange{Path: ev.Name, Time: time.Now()}
	switch {
	case ev.Op.Has(fsnotify.Create):
		change.EventType = FileEventCreate
	case ev.Op.Has(fsnotify.Write):
		change.EventType = FileEventUpdate
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		change.EventType = FileEventDelete
	default:
		return FileChange{}, false
	}
	return change, true
}

func (w *FileWatcher) ignored(base string) bool {
	for _, pattern := range w.ignore {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if !strings.ContainsAny(pattern, "*?[") && pattern == base {
			return true
		}
	}
	return false
}

// WatchInto wires a FileWatcher to a MemoryStore: every debounced
// change is applied to the store, which emits the matching
// file-changed events. One bad file does not stop the batch.
func WatchInto(s *MemoryStore, roots []string, opts FileWatcherOptions, log *slog.Logger) *FileWatcher {
	return NewFileWatcher(roots, func(changes []FileChange) {
		for _, c := range changes {
			if err := s.ApplyFileChange(c.Path, c.EventType); err != nil {
				s.log.Warn("failed to apply file change",
					"path", c.Path, "event", c.EventType, "error", err)
			}
		}
	}, opts, log)
}
