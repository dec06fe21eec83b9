// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
	"github.com/AleutianAI/blocksync/services/blocksync/scenario"
	"github.com/AleutianAI/blocksync/services/blocksync/transport"
)

// handleWS owns one client connection for its whole life: upgrade,
// scenario binding, connection ack, initial render, then a strictly
// sequential read/dispatch loop. Message N+1 is never processed
// before the observable effects of message N are complete.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	adapter := transport.NewWSAdapter(conn, s.log)
	go adapter.WritePump()

	sc := s.scenarios.Get(c.Query("scenario"))
	engine := scenario.NewEngine(sc, s.store, s.cache, s.log)

	transportID := s.registry.Register(adapter)
	s.mu.Lock()
	s.conns[transportID] = &connState{adapter: adapter, engine: engine}
	s.mu.Unlock()
	liveConnections.Inc()
	s.log.Info("client connected", "transport_id", transportID, "scenario", sc.Name)

	defer s.dropConnection(transportID, adapter)

	if err := adapter.Send(engine.ConnectionAck()); err != nil {
		return
	}
	s.sendNotifications(adapter, engine.RenderAll())

	for {
		env, err := adapter.ReadEnvelope()
		if err != nil {
			s.log.Info("client disconnected", "transport_id", transportID)
			return
		}
		res := s.dispatcher.Dispatch(transportID, env)
		if res.Applied && isGraphMutation(env.Type) {
			// The mutation may have moved entities between derived
			// groupings; re-render the connection's own view.
			s.sendNotifications(adapter, engine.RenderAll())
		}
	}
}

// dropConnection removes the connection from the transport registry
// and the connection-state registry before closing the adapter, so
// no later broadcast can target it.
func (s *Server) dropConnection(transportID string, adapter *transport.WSAdapter) {
	s.registry.Unregister(transportID)
	s.mu.Lock()
	delete(s.conns, transportID)
	s.mu.Unlock()
	adapter.Close()
	liveConnections.Dec()
}

func (s *Server) sendNotifications(adapter *transport.WSAdapter, notifications []datatypes.BlockNotification) {
	for _, n := range notifications {
		if err := adapter.Send(notificationEnvelope(n)); err != nil {
			return
		}
	}
}

func isGraphMutation(msgType string) bool {
	switch msgType {
	case datatypes.MsgGraphUpdate, datatypes.MsgGraphCreate, datatypes.MsgGraphDelete:
		return true
	}
	return false
}
