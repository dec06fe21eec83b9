// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
	"github.com/AleutianAI/blocksync/services/blocksync/store"
)

// BroadcastFunc delivers one discovered block notification to
// connections that are not scenario-bound. It is injected by the
// owning process so the bridge never touches transport semantics.
type BroadcastFunc func(n datatypes.BlockNotification)

// EvictFunc removes a block's cached resources. Optional.
type EvictFunc func(blockID string)

// Bridge merges two asynchronous event sources — the entity store's
// file events and the language-server sidecar's discovery stream —
// into the same broadcast path.
//
// Failure policy: every event is processed in isolation. An error or
// panic while handling one event is logged and does not interrupt
// processing of subsequent events.
type Bridge struct {
	store     store.EntityStore
	client    Client
	broadcast BroadcastFunc
	evict     EvictFunc
	log       *slog.Logger

	mu        sync.Mutex
	started   bool
	listeners []listenerRef
	cancel    context.CancelFunc
}

type listenerRef struct {
	kind store.EventKind
	id   string
}

// NewBridge creates a bridge. broadcast and evict may be nil.
func NewBridge(st store.EntityStore, client Client, broadcast BroadcastFunc, evict EvictFunc, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		store:     st,
		client:    client,
		broadcast: broadcast,
		evict:     evict,
		log:       log,
	}
}

// Start subscribes to the store's event kinds and the sidecar's
// notification stream, then runs one blocking initial scan. The scan
// completes before Start returns, so live file events can never
// interleave with a not-yet-populated entity set.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("bridge already started")
	}
	b.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.listeners = []listenerRef{
		{store.EventFileChanged, b.store.On(store.EventFileChanged, b.guarded(b.onFileChanged))},
		{store.EventEntityCreated, b.store.On(store.EventEntityCreated, b.guarded(b.onEntityEvent))},
		{store.EventEntityUpdated, b.store.On(store.EventEntityUpdated, b.guarded(b.onEntityEvent))},
		{store.EventEntityDeleted, b.store.On(store.EventEntityDeleted, b.guarded(b.onEntityEvent))},
	}
	b.mu.Unlock()

	go b.consumeNotifications(runCtx)

	constructs, err := b.client.ListConstructs(ctx)
	if err != nil {
		// A failed scan leaves the live subscriptions in place: the
		// store will still converge as file events arrive.
		b.log.Error("initial construct scan failed", "error", err)
		return nil
	}
	for _, d := range constructs {
		b.safely(func() {
			b.store.HandleVivafolioBlockNotification(toNotification(d))
		})
	}
	b.log.Info("initial construct scan complete", "constructs", len(constructs))
	return nil
}

// Stop unsubscribes all listeners and stops the notification
// consumer. Idempotent: calling it twice is a no-op.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	b.started = false

	for _, l := range b.listeners {
		b.store.Off(l.kind, l.id)
	}
	b.listeners = nil
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

func (b *Bridge) consumeNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-b.client.Notifications():
			if !ok {
				return
			}
			b.safely(func() { b.handleDiscovery(d) })
		}
	}
}

// handleDiscovery feeds one live discovery into the store and the
// broadcast callback.
func (b *Bridge) handleDiscovery(d datatypes.BlockDiscovery) {
	n := toNotification(d)
	b.store.HandleVivafolioBlockNotification(n)
	if b.broadcast != nil {
		b.broadcast(n)
	}
}

// onFileChanged reacts to file events on construct sources: an edit
// re-runs block discovery for the path, a delete tears the path's
// discovered blocks down.
func (b *Bridge) onFileChanged(ev store.Event) {
	if ev.SourceType != datatypes.SourceConstructDerived {
		return
	}
	if ev.EventType == store.FileEventDelete {
		b.removeDiscovered(ev.SourcePath)
		return
	}
	b.rewalk(ev.SourcePath)
}

// onEntityEvent triggers a synthetic re-walk when a construct-derived
// entity changed through a path that was not a raw file write, so
// derived block notifications stay in sync with client edits too.
func (b *Bridge) onEntityEvent(ev store.Event) {
	if ev.SourceType != datatypes.SourceConstructDerived || ev.SourcePath == "" {
		return
	}
	if ev.Kind == store.EventEntityDeleted {
		return
	}
	b.rewalk(ev.SourcePath)
}

// rewalk re-derives the blocks under one source path: every entity
// from that path carrying an embedded DSL module becomes one entry of
// a discovery batch forwarded to the sidecar, and one broadcast.
func (b *Bridge) rewalk(path string) {
	var batch []datatypes.BlockDiscovery
	for _, e := range b.store.GetAllEntities() {
		if e.SourcePath != path {
			continue
		}
		module, _ := e.Properties["dslModule"].(string)
		if module == "" {
			continue
		}
		blockType, _ := e.Properties["blockType"].(string)
		if blockType == "" {
			blockType = datatypes.BlockTypeURI("dsl-block")
		}
		batch = append(batch, datatypes.BlockDiscovery{
			EntityID:   e.EntityID,
			BlockType:  blockType,
			Properties: datatypes.CloneProperties(e.Properties),
			DSLModule:  module,
			SourcePath: path,
			SourceType: datatypes.SourceConstructDerived,
		})
	}
	if len(batch) == 0 {
		return
	}

	if err := b.client.SendDiscoveryBatch(context.Background(), batch); err != nil {
		b.log.Warn("discovery batch forward failed", "path", path, "error", err)
	}
	for _, d := range batch {
		if b.broadcast != nil {
			b.broadcast(toNotification(d))
		}
	}
}

// removeDiscovered deletes every entity discovered from path and
// evicts their blocks' cached resources.
func (b *Bridge) removeDiscovered(path string) {
	for _, e := range b.store.GetAllEntities() {
		if e.SourcePath != path {
			continue
		}
		blockID := blockIDFor(e.EntityID)
		b.store.DeleteEntity(e.EntityID)
		if b.evict != nil {
			b.evict(blockID)
		}
	}
	b.log.Info("removed discovered blocks for deleted source", "path", path)
}

// guarded wraps a store handler so one failing event cannot wedge the
// bridge.
func (b *Bridge) guarded(h func(store.Event)) store.Handler {
	return func(ev store.Event) {
		b.safely(func() { h(ev) })
	}
}

func (b *Bridge) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("sidecar bridge event failed", "panic", r)
		}
	}()
	fn()
}

// toNotification renders a discovery into the block notification
// shape fed to the store and broadcast to clients.
func toNotification(d datatypes.BlockDiscovery) datatypes.BlockNotification {
	entity := datatypes.Entity{
		EntityID:   d.EntityID,
		Properties: datatypes.CloneProperties(d.Properties),
		SourceType: datatypes.SourceConstructDerived,
		SourcePath: d.SourcePath,
	}
	if d.SourceType != "" {
		entity.SourceType = d.SourceType
	}
	return datatypes.BlockNotification{
		BlockID:           blockIDFor(d.EntityID),
		BlockType:         d.BlockType,
		EntityID:          d.EntityID,
		DisplayMode:       datatypes.DisplayModeMultiLine,
		EntityGraph:       datatypes.NewEntityGraph([]datatypes.Entity{entity}, nil),
		SupportsHotReload: true,
		InitialHeight:     200,
	}
}

func blockIDFor(entityID string) string {
	return datatypes.StableBlockID("block", entityID)
}
