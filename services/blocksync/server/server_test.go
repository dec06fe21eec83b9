// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
)

// testServer spins up a fully wired server behind httptest, with the
// durable cache in a temp dir and no sidecar or watcher.
func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	blocksDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(blocksDir, "graph-view"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(blocksDir, "graph-view", "main.js"), []byte("js"), 0o644))

	s, err := New(Config{
		Port:              0,
		BlocksDir:         blocksDir,
		CacheDir:          t.TempDir(),
		BlockServerOrigin: "http://localhost:4173",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.durable.Close() })

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, ts *httptest.Server, scenario string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if scenario != "" {
		url += "?scenario=" + scenario
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(env datatypes.Envelope) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(env))
}

// read returns the next envelope within the deadline.
func (c *wsClient) read() datatypes.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env datatypes.Envelope
	require.NoError(c.t, c.conn.ReadJSON(&env))
	return env
}

// readUntil drains envelopes until one of msgType arrives.
func (c *wsClient) readUntil(msgType string) datatypes.Envelope {
	c.t.Helper()
	for i := 0; i < 50; i++ {
		env := c.read()
		if env.Type == msgType {
			return env
		}
	}
	c.t.Fatalf("no %s envelope arrived", msgType)
	return datatypes.Envelope{}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBlockResourceServing(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/blocks/graph-view/main.js")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/blocks/graph-view/missing.js")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Traversal out of the blocks dir must be refused.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/blocks/graph-view/..%2f..%2fetc%2fpasswd", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestConnectionAckAndInitialRender(t *testing.T) {
	s, ts := testServer(t)
	s.store.CreateEntity("e1", map[string]any{"title": "hello"}, datatypes.SourceMetadata{})

	c := dialWS(t, ts, "")

	ack := c.read()
	require.Equal(t, datatypes.MsgConnectionAck, ack.Type)
	assert.Equal(t, "basic", ack.String("scenario"))
	graph, ok := ack.Payload["graph"].(map[string]any)
	require.True(t, ok, "graph payload missing")
	entities, _ := graph["entities"].([]any)
	require.Len(t, entities, 1)

	// The initial render follows the ack.
	render := c.readUntil(datatypes.MsgBlockNotification)
	assert.NotEmpty(t, render.String("blockId"))
}

func TestUnknownScenarioFallsBack(t *testing.T) {
	_, ts := testServer(t)
	c := dialWS(t, ts, "no-such-scenario")
	ack := c.read()
	assert.Equal(t, "basic", ack.String("scenario"))
}

func TestUpdateAckAndBroadcast(t *testing.T) {
	s, ts := testServer(t)
	s.store.CreateEntity("e1", map[string]any{"status": "todo"}, datatypes.SourceMetadata{})

	alice := dialWS(t, ts, "")
	alice.read() // ack
	alice.readUntil(datatypes.MsgBlockNotification)

	bob := dialWS(t, ts, "")
	bob.read() // ack
	bob.readUntil(datatypes.MsgBlockNotification)

	alice.send(datatypes.Envelope{
		Type: datatypes.MsgGraphUpdate,
		Payload: map[string]any{
			"entityId":   "e1",
			"properties": map[string]any{"status": "done"},
		},
	})

	// Alice gets the ack first, then her own re-render; never the
	// broadcast.
	ack := alice.readUntil(datatypes.MsgGraphAck)
	assert.Equal(t, "update", ack.String("operation"))
	success, _ := ack.Payload["success"].(bool)
	assert.True(t, success)

	// Bob gets exactly the broadcast.
	update := bob.readUntil(datatypes.MsgEntityUpdated)
	assert.Equal(t, "e1", update.String("entityId"))
	props := update.Object("properties")
	assert.Equal(t, "done", props["status"])

	// The store reflects the mutation that was acked.
	entities := s.store.GetAllEntities()
	require.Len(t, entities, 1)
	assert.Equal(t, "done", entities[0].Properties["status"])
}

func TestMalformedUpdateAnswersOnlySender(t *testing.T) {
	s, ts := testServer(t)
	s.store.CreateEntity("e1", map[string]any{"a": float64(1)}, datatypes.SourceMetadata{})

	alice := dialWS(t, ts, "")
	alice.read()
	alice.readUntil(datatypes.MsgBlockNotification)

	alice.send(datatypes.Envelope{
		Type:    datatypes.MsgGraphUpdate,
		Payload: map[string]any{"entityId": "e1"}, // no properties
	})

	errEnv := alice.readUntil(datatypes.MsgError)
	assert.NotEmpty(t, errEnv.String("message"))

	// Store untouched.
	assert.Equal(t, float64(1), s.store.GetAllEntities()[0].Properties["a"])
}

func TestDeleteBroadcast(t *testing.T) {
	s, ts := testServer(t)
	s.store.CreateEntity("e1", nil, datatypes.SourceMetadata{})

	alice := dialWS(t, ts, "")
	alice.read()
	alice.readUntil(datatypes.MsgBlockNotification)
	bob := dialWS(t, ts, "")
	bob.read()
	bob.readUntil(datatypes.MsgBlockNotification)

	alice.send(datatypes.Envelope{
		Type:    datatypes.MsgGraphDelete,
		Payload: map[string]any{"entityId": "e1"},
	})

	ack := alice.readUntil(datatypes.MsgGraphAck)
	assert.Equal(t, "delete", ack.String("operation"))

	deleted := bob.readUntil(datatypes.MsgEntityDeleted)
	assert.Equal(t, "e1", deleted.String("entityId"))
	_, exists := s.store.GetEntityMetadata("e1")
	assert.False(t, exists)
}

func TestQueryAnswersSenderOnly(t *testing.T) {
	s, ts := testServer(t)
	s.store.CreateEntity("e1", map[string]any{"k": "v"}, datatypes.SourceMetadata{})

	alice := dialWS(t, ts, "")
	alice.read()
	alice.readUntil(datatypes.MsgBlockNotification)

	alice.send(datatypes.Envelope{Type: datatypes.MsgGraphQuery})
	ack := alice.readUntil(datatypes.MsgGraphAck)
	assert.Equal(t, "query", ack.String("operation"))
	rows, _ := ack.Payload["entities"].([]any)
	require.Len(t, rows, 1)
}

func TestCacheInvalidateRelayedToOthers(t *testing.T) {
	_, ts := testServer(t)

	alice := dialWS(t, ts, "")
	alice.read()
	alice.readUntil(datatypes.MsgBlockNotification)
	bob := dialWS(t, ts, "")
	bob.read()
	bob.readUntil(datatypes.MsgBlockNotification)

	alice.send(datatypes.Envelope{
		Type:    datatypes.MsgCacheInvalidate,
		Payload: map[string]any{"blockId": "graph-view"},
	})

	relayed := bob.readUntil(datatypes.MsgCacheInvalidate)
	assert.Equal(t, "graph-view", relayed.String("blockId"))
}

func TestDisconnectUnregisters(t *testing.T) {
	s, ts := testServer(t)

	c := dialWS(t, ts, "")
	c.read()

	require.Eventually(t, func() bool { return s.registry.Count() == 1 },
		2*time.Second, 10*time.Millisecond)

	c.conn.Close()

	require.Eventually(t, func() bool { return s.registry.Count() == 0 },
		2*time.Second, 10*time.Millisecond, "disconnect must unregister the transport")
}

func TestTaskBoardScenarioOverWire(t *testing.T) {
	s, ts := testServer(t)
	s.store.CreateEntity("t1", map[string]any{"title": "A", "status": "todo"}, datatypes.SourceMetadata{})

	c := dialWS(t, ts, "task-board")
	ack := c.read()
	assert.Equal(t, "task-board", ack.String("scenario"))

	// Board render: one board block, one pill.
	board := c.readUntil(datatypes.MsgBlockNotification)
	assert.Contains(t, board.String("blockType"), "task-board")

	c.send(datatypes.Envelope{
		Type: datatypes.MsgGraphUpdate,
		Payload: map[string]any{
			"entityId":   "t1",
			"properties": map[string]any{"status": "doing"},
		},
	})
	c.readUntil(datatypes.MsgGraphAck)

	// The re-render's board graph must show the moved task.
	rerender := c.readUntil(datatypes.MsgBlockNotification)
	graph, _ := rerender.Payload["entityGraph"].(map[string]any)
	require.NotNil(t, graph)
	found := false
	for _, raw := range graph["entities"].([]any) {
		e := raw.(map[string]any)
		if e["entityId"] == "column-doing" {
			found = true
		}
	}
	assert.True(t, found, "re-render missing recomputed column")
}
