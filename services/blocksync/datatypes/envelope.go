// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Envelope is the bidirectional client/server message frame.
type Envelope struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Client -> server message types.
const (
	MsgGraphUpdate     = "graph/update"
	MsgGraphCreate     = "graph/create"
	MsgGraphDelete     = "graph/delete"
	MsgGraphQuery      = "graph/query"
	MsgGraphAggregate  = "graph/aggregate"
	MsgCacheInvalidate = "cache:invalidate"
)

// Server -> client message types. MsgCacheInvalidate is used in both
// directions: clients and the block-asset server may request an
// invalidation, and the server relays it to every local socket.
const (
	MsgConnectionAck     = "connection_ack"
	MsgBlockNotification = "vivafolioblock-notification"
	MsgGraphAck          = "graph/ack"
	MsgEntityUpdated     = "entity-updated"
	MsgEntityDeleted     = "entity-deleted"
	MsgError             = "error"
	MsgAggregateResult   = "graph/aggregate:result"
	MsgAggregateError    = "graph/aggregate:error"
)

// Timestamp returns the wall-clock timestamp carried in acks,
// broadcasts and error envelopes (milliseconds since the epoch).
func Timestamp() int64 {
	return time.Now().UnixMilli()
}

// ErrorEnvelope builds an error envelope for the sender of a
// malformed or failed request.
func ErrorEnvelope(message string) Envelope {
	return Envelope{
		Type: MsgError,
		Payload: map[string]any{
			"message":   message,
			"timestamp": Timestamp(),
		},
	}
}

// AckEnvelope builds a graph/ack envelope for one completed (or
// failed) graph operation.
func AckEnvelope(operation, entityID string, success bool) Envelope {
	return Envelope{
		Type: MsgGraphAck,
		Payload: map[string]any{
			"operation": operation,
			"entityId":  entityID,
			"success":   success,
			"timestamp": Timestamp(),
		},
	}
}

// String extracts a string payload field; missing or mistyped fields
// yield "".
func (e Envelope) String(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// Object extracts a nested object payload field.
func (e Envelope) Object(key string) map[string]any {
	if e.Payload == nil {
		return nil
	}
	m, _ := e.Payload[key].(map[string]any)
	return m
}
