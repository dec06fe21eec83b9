// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
)

// controlChannel is a test double for the block-asset server's ws://
// control endpoint: it accepts one connection and plays back a fixed
// sequence of envelopes.
func controlChannel(t *testing.T, envelopes []datatypes.Envelope) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, env := range envelopes {
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
		// Give the client time to drain before the close frame.
		time.Sleep(100 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestInvalidationBridgeEvictsAndRelays(t *testing.T) {
	blocksDir := t.TempDir()
	writeBlockBundle(t, blocksDir, "task-board", true)
	c := newTestCache(t, blocksDir)

	_, err := c.BuildResources("task-board")
	require.NoError(t, err)
	c.mu.RLock()
	require.NotNil(t, c.index["task-board"])
	c.mu.RUnlock()

	url := controlChannel(t, []datatypes.Envelope{
		{Type: "control/hello"}, // non-invalidation traffic is ignored
		{Type: datatypes.MsgCacheInvalidate, Payload: map[string]any{"blockId": "task-board"}},
		{Type: datatypes.MsgCacheInvalidate, Payload: map[string]any{}}, // missing blockId, dropped
	})

	var mu sync.Mutex
	var relayed []datatypes.Envelope
	bridge := NewInvalidationBridge(url, c, func(env datatypes.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		relayed = append(relayed, env)
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bridge.Run(ctx), "a clean channel close must return nil")

	c.mu.RLock()
	entry := c.index["task-board"]
	c.mu.RUnlock()
	assert.Nil(t, entry, "invalidation must evict the in-memory entry")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, relayed, 1, "only well-formed invalidations are relayed")
	assert.Equal(t, "task-board", relayed[0].String("blockId"))
}

func TestInvalidationBridgeDialFailure(t *testing.T) {
	c := newTestCache(t, t.TempDir())
	bridge := NewInvalidationBridge("ws://127.0.0.1:1/control", c, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, bridge.Run(ctx), "the initial dial failure is the caller's to see")
}
