// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
)

// ErrAdapterClosed is returned by Send after the adapter has shut
// down.
var ErrAdapterClosed = errors.New("websocket adapter closed")

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 64
)

// WSAdapter adapts a gorilla websocket connection to the Adapter
// interface. Writes are funneled through a single pump goroutine
// because gorilla connections allow only one concurrent writer.
type WSAdapter struct {
	conn *websocket.Conn
	send chan datatypes.Envelope

	closeOnce sync.Once
	closed    chan struct{}
	log       *slog.Logger
}

// NewWSAdapter wraps a connection. The caller must run WritePump
// (usually via `go adapter.WritePump()`) before the adapter is
// registered.
func NewWSAdapter(conn *websocket.Conn, log *slog.Logger) *WSAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &WSAdapter{
		conn:   conn,
		send:   make(chan datatypes.Envelope, sendQueueSize),
		closed: make(chan struct{}),
		log:    log,
	}
}

// Send queues an envelope for delivery. It blocks until the pump
// accepts it, so per-connection ordering is preserved; it fails fast
// once the adapter is closed.
func (a *WSAdapter) Send(env datatypes.Envelope) error {
	select {
	case <-a.closed:
		return ErrAdapterClosed
	case a.send <- env:
		return nil
	}
}

// WritePump drains the send queue onto the wire. It exits when Close
// is called or a write fails.
func (a *WSAdapter) WritePump() {
	defer a.conn.Close()
	for {
		select {
		case <-a.closed:
			// Best-effort close frame; the peer may already be gone.
			_ = a.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case env := <-a.send:
			_ = a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := a.conn.WriteJSON(env); err != nil {
				a.log.Debug("websocket write failed", "error", err)
				a.Close()
				return
			}
		}
	}
}

// ReadEnvelope blocks for the next inbound envelope.
func (a *WSAdapter) ReadEnvelope() (datatypes.Envelope, error) {
	var env datatypes.Envelope
	err := a.conn.ReadJSON(&env)
	return env, err
}

// Close shuts the adapter down. Safe to call more than once.
func (a *WSAdapter) Close() {
	a.closeOnce.Do(func() {
		close(a.closed)
	})
}
