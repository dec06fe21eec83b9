// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
)

// InvalidationBridge relays cache invalidations from the
// independently running block-asset server into this process: each
// cache:invalidate received on the control channel evicts the named
// block and is re-broadcast to every locally connected socket.
//
// The relay is one-directional and unacknowledged. A transport error
// ends Run with a nil error; reconnection policy belongs to the host
// process, not here.
type InvalidationBridge struct {
	url       string
	cache     *Cache
	broadcast func(env datatypes.Envelope)
	dialer    *websocket.Dialer
	log       *slog.Logger
}

// NewInvalidationBridge creates a bridge to the control channel at
// url (a ws:// endpoint). broadcast delivers the relayed envelope to
// local sockets.
func NewInvalidationBridge(url string, c *Cache, broadcast func(datatypes.Envelope), log *slog.Logger) *InvalidationBridge {
	if log == nil {
		log = slog.Default()
	}
	return &InvalidationBridge{
		url:       url,
		cache:     c,
		broadcast: broadcast,
		dialer:    websocket.DefaultDialer,
		log:       log,
	}
}

// Run connects and relays until the connection drops or the context
// is cancelled. Only the initial dial failure is returned; read
// errors after that are logged and swallowed so the hosting process
// never dies with the relay.
func (b *InvalidationBridge) Run(ctx context.Context) error {
	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("dial invalidation channel %s: %w", b.url, err)
	}
	defer conn.Close()
	b.log.Info("invalidation bridge connected", "url", b.url)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var env datatypes.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn("invalidation channel closed", "error", err)
			return nil
		}
		b.handle(env)
	}
}

func (b *InvalidationBridge) handle(env datatypes.Envelope) {
	if env.Type != datatypes.MsgCacheInvalidate {
		b.log.Debug("ignoring control message", "type", env.Type)
		return
	}
	blockID := env.String("blockId")
	if blockID == "" {
		b.log.Warn("cache:invalidate without blockId")
		return
	}
	b.cache.Evict(blockID)
	if b.broadcast != nil {
		b.broadcast(env)
	}
	b.log.Info("relayed cache invalidation", "block", blockID)
}
