// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server wires the entity store, transport layer, sidecar
// bridge, resource cache and notification engine into one HTTP/
// WebSocket serving process.
package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/blocksync/services/blocksync/cache"
	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
	"github.com/AleutianAI/blocksync/services/blocksync/scenario"
	"github.com/AleutianAI/blocksync/services/blocksync/sidecar"
	"github.com/AleutianAI/blocksync/services/blocksync/store"
	"github.com/AleutianAI/blocksync/services/blocksync/transport"
)

// Config holds the server's runtime configuration.
type Config struct {
	// Port is the HTTP/WebSocket listen port.
	Port int

	// BlocksDir is the root of built block bundles.
	BlocksDir string

	// CacheDir is the durable resource cache directory.
	CacheDir string

	// LocalBlockDirs are developer directories that override the
	// cache.
	LocalBlockDirs []string

	// BlockServerOrigin is the origin of the block-asset server,
	// used to root resource URLs, e.g. "http://localhost:4173".
	BlockServerOrigin string

	// ControlChannelURL is the ws:// control endpoint of the
	// block-asset server. Empty disables the invalidation bridge.
	ControlChannelURL string

	// WatchDirs are directory trees ingested into the entity graph
	// and watched for changes.
	WatchDirs []string

	// SidecarCommand launches the language-server sidecar. Empty
	// disables the sidecar bridge.
	SidecarCommand string
	SidecarArgs    []string

	// CacheMaxAge bounds the age of cache entries. Zero disables
	// age-based eviction.
	CacheMaxAge time.Duration
}

// connState is one live connection's transport adapter and
// notification engine. Destroyed on disconnect, never persisted.
type connState struct {
	adapter *transport.WSAdapter
	engine  *scenario.Engine
}

// Server is the block synchronization server.
type Server struct {
	cfg Config
	log *slog.Logger

	store      *store.MemoryStore
	cache      *cache.Cache
	durable    *cache.DurableStore
	registry   *transport.Registry
	dispatcher *transport.Dispatcher
	scenarios  *scenario.Registry
	bridge     *sidecar.Bridge
	sidecarCmd *sidecar.ProcessClient
	watcher    *store.FileWatcher
	router     *gin.Engine
	upgrader   websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connState
}

// New builds a fully wired server. Nothing runs until Run.
func New(cfg Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}

	durable, err := cache.OpenDurable(cache.DurableConfig{
		Path:       cfg.CacheDir,
		SyncWrites: true,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("open durable cache: %w", err)
	}

	st := store.NewMemoryStore(log)
	resourceCache := cache.New(cache.Config{
		Origin:    cfg.BlockServerOrigin,
		BlocksDir: cfg.BlocksDir,
		LocalDirs: cfg.LocalBlockDirs,
		MaxAge:    cfg.CacheMaxAge,
		Durable:   durable,
		Logger:    log,
	})

	s := &Server{
		cfg:       cfg,
		log:       log,
		store:     st,
		cache:     resourceCache,
		durable:   durable,
		registry:  transport.NewRegistry(log),
		scenarios: scenario.NewDefaultRegistry(),
		conns:     make(map[string]*connState),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.dispatcher = transport.NewDispatcher(s.registry, st, log)
	s.dispatcher.MutatorFor = s.mutatorFor
	s.dispatcher.Invalidate = resourceCache.Evict

	if cfg.SidecarCommand != "" {
		s.sidecarCmd = sidecar.NewProcessClient(cfg.SidecarCommand, cfg.SidecarArgs, log)
		s.bridge = sidecar.NewBridge(st, s.sidecarCmd, s.broadcastNotification, resourceCache.Evict, log)
	}

	if len(cfg.WatchDirs) > 0 {
		s.watcher = store.WatchInto(st, cfg.WatchDirs, store.FileWatcherOptions{}, log)
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	SetupRoutes(s.router, s)

	return s, nil
}

// Run starts everything and blocks until the context is cancelled or
// a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	defer s.durable.Close()

	if err := s.cache.WarmUp(); err != nil {
		// A missing blocks dir just means an empty cache.
		s.log.Warn("cache warm-up incomplete", "error", err)
	}

	s.ingestWatchDirs()

	if s.bridge != nil {
		if err := s.sidecarCmd.Start(ctx); err != nil {
			return fmt.Errorf("start sidecar: %w", err)
		}
		if err := s.bridge.Start(ctx); err != nil {
			return fmt.Errorf("start sidecar bridge: %w", err)
		}
		defer s.bridge.Stop()
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.router,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("block sync server listening", "port", s.cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if s.watcher != nil {
		g.Go(func() error {
			err := s.watcher.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	if s.cfg.ControlChannelURL != "" {
		g.Go(func() error {
			bridge := cache.NewInvalidationBridge(
				s.cfg.ControlChannelURL, s.cache,
				func(env datatypes.Envelope) { s.registry.Broadcast("", env) },
				s.log)
			// Relay failures never take the server down; reconnection
			// is the operator's call.
			if err := bridge.Run(ctx); err != nil {
				s.log.Warn("invalidation bridge unavailable", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.cache.Sweep(ctx.Done(), time.Minute)
		return nil
	})

	return g.Wait()
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// ingestWatchDirs loads the current contents of every watched tree
// so the entity graph is populated before the first connection.
func (s *Server) ingestWatchDirs() {
	for _, root := range s.cfg.WatchDirs {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if err := s.store.ApplyFileChange(path, store.FileEventCreate); err != nil {
				s.log.Warn("initial ingest failed", "path", path, "error", err)
			}
			return nil
		})
		if err != nil {
			s.log.Warn("watch dir walk failed", "root", root, "error", err)
		}
	}
}

// broadcastNotification delivers a discovered block to every
// connected socket, bypassing transport ack semantics.
func (s *Server) broadcastNotification(n datatypes.BlockNotification) {
	s.registry.Broadcast("", notificationEnvelope(n))
}

// mutatorFor routes a transport's mutations through its connection's
// notification engine, so scenario update strategies apply.
func (s *Server) mutatorFor(transportID string) transport.Mutator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cs, ok := s.conns[transportID]; ok {
		return cs.engine
	}
	return nil
}

func notificationEnvelope(n datatypes.BlockNotification) datatypes.Envelope {
	return datatypes.Envelope{
		Type: datatypes.MsgBlockNotification,
		Payload: map[string]any{
			"blockId":           n.BlockID,
			"blockType":         n.BlockType,
			"entityId":          n.EntityID,
			"displayMode":       n.DisplayMode,
			"entityGraph":       n.EntityGraph,
			"resources":         n.Resources,
			"supportsHotReload": n.SupportsHotReload,
			"initialHeight":     n.InitialHeight,
		},
	}
}
