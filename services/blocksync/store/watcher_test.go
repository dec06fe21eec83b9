// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherIgnored(t *testing.T) {
	w := NewFileWatcher(nil, nil, FileWatcherOptions{}, nil)

	cases := []struct {
		base string
		want bool
	}{
		{".git", true},
		{"node_modules", true},
		{"buffer.swp", true},
		{"scratch.tmp", true},
		{"tasks.csv", false},
		{"app.py", false},
	}
	for _, tc := range cases {
		if got := w.ignored(tc.base); got != tc.want {
			t.Errorf("ignored(%q) = %v, want %v", tc.base, got, tc.want)
		}
	}
}

func TestWatcherDebouncesBurst(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem watcher test")
	}

	dir := t.TempDir()
	batches := make(chan []FileChange, 4)
	w := NewFileWatcher([]string{dir}, func(changes []FileChange) {
		batches <- changes
	}, FileWatcherOptions{DebounceWindow: 150 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to install its watches.
	time.Sleep(200 * time.Millisecond)

	path := filepath.Join(dir, "tasks.csv")
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("title\nrow\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case batch := <-batches:
		if len(batch) == 0 {
			t.Fatal("empty batch delivered")
		}
		for _, c := range batch {
			if c.Path != path {
				t.Errorf("change path = %q, want %q", c.Path, path)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no batch delivered")
	}

	// The burst must not produce one batch per write.
	select {
	case extra := <-batches:
		// A second flush can happen if the OS split the events widely;
		// more than one extra means debouncing is broken.
		select {
		case <-batches:
			t.Errorf("three batches for one burst: first extra %v", extra)
		case <-time.After(300 * time.Millisecond):
		}
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestWatchIntoAppliesChanges(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem watcher test")
	}

	dir := t.TempDir()
	s := NewMemoryStore(nil)

	created := make(chan Event, 8)
	s.On(EventEntityCreated, func(ev Event) { created <- ev })

	w := WatchInto(s, []string{dir}, FileWatcherOptions{DebounceWindow: 100 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(200 * time.Millisecond)

	path := filepath.Join(dir, "tasks.csv")
	if err := os.WriteFile(path, []byte("title,status\nShip,todo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-created:
		if ev.EntityID != "tasks-row-1" {
			t.Errorf("created entity = %q", ev.EntityID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watched file never reached the store")
	}
}
