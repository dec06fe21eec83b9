// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the content-addressable resource cache
// for block-asset bundles.
//
// Two cooperating stores: an in-memory index (name -> entry) for fast
// path lookups, and a durable BadgerDB store keyed by
// (name, version, origin). An entry is valid only while its origin
// matches the currently active block-server origin; entries from a
// stale origin are treated as absent.
//
// Concurrency: rebuilds replace an index entry atomically, never
// mutate it in place, so concurrent readers can race a rebuild on the
// same block name without observing a torn entry — last write wins.
package cache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
)

// MetadataFile is the block manifest filename probed on disk, and the
// single resource served when a probe fails: a block never ends up
// with zero resources.
const MetadataFile = "block-metadata.json"

// Entry is one in-memory cache entry. Entries are immutable once
// published to the index.
type Entry struct {
	Origin    string
	Version   string
	Metadata  map[string]any
	Resources []datatypes.ResourceDescriptor
	CachedAt  time.Time
}

// Config configures a Cache.
type Config struct {
	// Origin is the currently active block-server origin, e.g.
	// "http://localhost:4173".
	Origin string

	// BlocksDir is the root directory of built block bundles.
	BlocksDir string

	// LocalDirs are developer-mounted block directories consulted
	// before the cache (see ResolveLocal).
	LocalDirs []string

	// MaxAge evicts entries older than this during warm-up and
	// sweeps. Zero disables age-based eviction.
	MaxAge time.Duration

	// Durable is the backing store. Required.
	Durable *DurableStore

	Logger *slog.Logger
}

// Cache is the process-wide resource cache.
type Cache struct {
	cfg Config
	log *slog.Logger

	mu    sync.RWMutex
	index map[string]*Entry

	// Cache-busting tags are strictly increasing for the life of the
	// process; seeding with wall-clock millis keeps them increasing
	// across restarts too.
	tag atomic.Uint64
}

// New creates a cache. It does not touch the durable store; call
// WarmUp to rehydrate the index.
func New(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Cache{
		cfg:   cfg,
		log:   cfg.Logger,
		index: make(map[string]*Entry),
	}
	c.tag.Store(uint64(time.Now().UnixMilli()))
	return c
}

// Origin returns the currently active block-server origin.
func (c *Cache) Origin() string {
	return c.cfg.Origin
}

// NextTag returns the next cache-busting tag.
func (c *Cache) NextTag() string {
	return strconv.FormatUint(c.tag.Add(1), 10)
}

// BuildResources returns the resource descriptors for one block,
// serving from the in-memory index when a fresh entry for the current
// origin exists, and rebuilding from disk otherwise.
//
// A probe failure degrades to a minimal single-resource manifest
// rather than failing the request; that fallback is persisted like
// any other manifest.
func (c *Cache) BuildResources(name string) ([]datatypes.ResourceDescriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("block name required")
	}

	c.mu.RLock()
	entry := c.index[name]
	c.mu.RUnlock()
	if entry != nil && entry.Origin == c.cfg.Origin && c.fresh(entry) {
		hitsTotal.Inc()
		return cloneResources(entry.Resources), nil
	}
	missesTotal.Inc()

	entry, err := c.probe(name)
	if err != nil {
		c.log.Warn("block probe failed, serving fallback manifest", "block", name, "error", err)
		entry = c.fallback(name)
	}
	c.persist(name, entry)
	c.publish(name, entry)
	return cloneResources(entry.Resources), nil
}

// WarmUp rehydrates the in-memory index from the durable store for
// every known block directory. Manifests built against a different
// origin are skipped: after a restart on a new port their absolute
// URLs would be stale.
func (c *Cache) WarmUp() error {
	dirs, err := os.ReadDir(c.cfg.BlocksDir)
	if err != nil {
		return fmt.Errorf("enumerate block dirs: %w", err)
	}

	loaded := 0
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		name := d.Name()
		m, ok, err := c.cfg.Durable.GetAny(name, c.cfg.Origin)
		if err != nil {
			c.log.Warn("warm-up read failed", "block", name, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if c.cfg.MaxAge > 0 && time.Since(m.CachedAt) > c.cfg.MaxAge {
			c.log.Info("dropping aged cache entry", "block", name, "cached_at", m.CachedAt)
			if err := c.cfg.Durable.DeleteBlock(name); err != nil {
				c.log.Warn("failed to drop aged entry", "block", name, "error", err)
			}
			continue
		}
		c.publish(name, &Entry{
			Origin:    m.Origin(),
			Version:   m.Version(),
			Metadata:  m.Metadata,
			Resources: m.Resources,
			CachedAt:  m.CachedAt,
		})
		loaded++
	}
	c.log.Info("resource cache warmed up", "blocks", loaded, "origin", c.cfg.Origin)
	return nil
}

// Evict removes a block from both cache layers. The in-memory removal
// always takes effect; a durable-store failure is logged so the
// condition is visible, but never resurrects the entry.
func (c *Cache) Evict(name string) {
	c.mu.Lock()
	delete(c.index, name)
	c.mu.Unlock()

	if err := c.cfg.Durable.DeleteBlock(name); err != nil {
		c.log.Error("durable eviction failed", "block", name, "error", err)
	}
	evictionsTotal.Inc()
	c.log.Info("block evicted from resource cache", "block", name)
}

// Sweep periodically drops aged entries from the in-memory index.
// Returns when the stop channel closes. No-op when MaxAge is zero.
func (c *Cache) Sweep(stop <-chan struct{}, interval time.Duration) {
	if c.cfg.MaxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *Cache) sweepOnce() {
	c.mu.Lock()
	for name, e := range c.index {
		if time.Since(e.CachedAt) > c.cfg.MaxAge {
			delete(c.index, name)
			evictionsTotal.Inc()
		}
	}
	c.mu.Unlock()
}

// probe inspects the block's on-disk bundle: its manifest (if any)
// and its build output files.
func (c *Cache) probe(name string) (*Entry, error) {
	dir := filepath.Join(c.cfg.BlocksDir, name)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("no block directory at %s", dir)
	}

	metadata := map[string]any{"name": name}
	if raw, err := os.ReadFile(filepath.Join(dir, MetadataFile)); err == nil {
		if m, err := decodeMetadata(raw); err == nil {
			metadata = m
		} else {
			c.log.Warn("undecodable block metadata", "block", name, "error", err)
		}
	}

	// Build outputs live under dist/ when the block has a build step,
	// directly in the block dir otherwise.
	outDir := dir
	if info, err := os.Stat(filepath.Join(dir, "dist")); err == nil && info.IsDir() {
		outDir = filepath.Join(dir, "dist")
	}

	var resources []datatypes.ResourceDescriptor
	err := filepath.WalkDir(outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(outDir, path)
		if err != nil {
			return err
		}
		resources = append(resources, datatypes.ResourceDescriptor{
			LogicalName:  filepath.ToSlash(rel),
			PhysicalPath: c.resourceURL(name, filepath.ToSlash(rel)),
			CachingTag:   c.NextTag(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate build outputs: %w", err)
	}
	if len(resources) == 0 {
		return nil, fmt.Errorf("block %s has no build outputs", name)
	}

	version, _ := metadata["version"].(string)
	if version == "" {
		version = "latest"
	}
	return &Entry{
		Origin:    c.cfg.Origin,
		Version:   version,
		Metadata:  metadata,
		Resources: resources,
		CachedAt:  time.Now(),
	}, nil
}

// fallback builds the minimal single-resource entry served when a
// probe fails.
func (c *Cache) fallback(name string) *Entry {
	return &Entry{
		Origin:  c.cfg.Origin,
		Version: "latest",
		Metadata: map[string]any{
			"name":     name,
			"fallback": true,
		},
		Resources: []datatypes.ResourceDescriptor{{
			LogicalName:  MetadataFile,
			PhysicalPath: c.resourceURL(name, MetadataFile),
			CachingTag:   c.NextTag(),
		}},
		CachedAt: time.Now(),
	}
}

func (c *Cache) persist(name string, e *Entry) {
	m := Manifest{
		Metadata:  e.Metadata,
		Resources: e.Resources,
		CachedAt:  e.CachedAt,
	}
	m.SetOrigin(e.Origin)
	if err := c.cfg.Durable.Put(name, e.Version, e.Origin, m); err != nil {
		c.log.Error("failed to persist cache manifest", "block", name, "error", err)
	}
}

// publish replaces the index entry for name atomically.
func (c *Cache) publish(name string, e *Entry) {
	c.mu.Lock()
	c.index[name] = e
	c.mu.Unlock()
}

func (c *Cache) fresh(e *Entry) bool {
	return c.cfg.MaxAge <= 0 || time.Since(e.CachedAt) <= c.cfg.MaxAge
}

func (c *Cache) resourceURL(name, rel string) string {
	return c.cfg.Origin + "/blocks/" + name + "/" + rel
}

func cloneResources(in []datatypes.ResourceDescriptor) []datatypes.ResourceDescriptor {
	out := make([]datatypes.ResourceDescriptor, len(in))
	copy(out, in)
	return out
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
