// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"log/slog"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
	"github.com/AleutianAI/blocksync/services/blocksync/store"
)

// Mutator applies a graph mutation on behalf of one transport. The
// default mutator forwards straight to the entity store; the
// notification engine supplies a mutator that also runs the
// connection's update strategy and can resolve entities living only
// in the connection's local graph state.
type Mutator interface {
	Update(entityID string, props map[string]any) bool
	Create(entityID string, props map[string]any, meta datatypes.SourceMetadata) bool
	Delete(entityID string) bool
}

// StoreMutator is the default Mutator, forwarding to the entity
// store.
type StoreMutator struct {
	Store store.EntityStore
}

func (m StoreMutator) Update(id string, props map[string]any) bool {
	return m.Store.UpdateEntity(id, props)
}

func (m StoreMutator) Create(id string, props map[string]any, meta datatypes.SourceMetadata) bool {
	return m.Store.CreateEntity(id, props, meta)
}

func (m StoreMutator) Delete(id string) bool {
	return m.Store.DeleteEntity(id)
}

// Result reports the outcome of one dispatched envelope.
type Result struct {
	// Operation is the short operation name ("update", "create",
	// "delete", "query", "aggregate", "invalidate"), or "" for
	// unrecognized types.
	Operation string

	// Applied is true when a mutation succeeded and was broadcast.
	Applied bool
}

// Dispatcher routes inbound envelopes to store operations and handles
// the ack/broadcast protocol.
//
// Ordering: the broadcast for a mutation is sent only after the store
// call has returned successfully, and only to transports live at
// broadcast time. Malformed payloads produce a single error envelope
// to the sender and never reach the store or other connections.
type Dispatcher struct {
	registry *Registry
	store    store.EntityStore
	log      *slog.Logger

	// MutatorFor resolves the mutator for a transport. Nil, or a nil
	// return, falls back to the plain store mutator.
	MutatorFor func(transportID string) Mutator

	// Invalidate evicts a block from the resource cache. Nil disables
	// cache:invalidate handling (the envelope is still relayed).
	Invalidate func(blockID string)
}

// NewDispatcher creates a dispatcher over a registry and store.
func NewDispatcher(registry *Registry, st store.EntityStore, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{registry: registry, store: st, log: log}
}

// Dispatch handles one inbound envelope from transportID. It never
// panics the caller's read loop: every failure path degrades to an
// error envelope or a log line.
func (d *Dispatcher) Dispatch(transportID string, env datatypes.Envelope) Result {
	switch env.Type {
	case datatypes.MsgGraphUpdate:
		return d.update(transportID, env)
	case datatypes.MsgGraphCreate:
		return d.create(transportID, env)
	case datatypes.MsgGraphDelete:
		return d.delete(transportID, env)
	case datatypes.MsgGraphQuery:
		return d.query(transportID, env)
	case datatypes.MsgGraphAggregate:
		return d.aggregate(transportID, env)
	case datatypes.MsgCacheInvalidate:
		return d.invalidate(transportID, env)
	default:
		d.log.Info("ignoring unknown envelope type", "type", env.Type, "transport_id", transportID)
		dispatchesTotal.WithLabelValues(env.Type, "ignored").Inc()
		return Result{}
	}
}

func (d *Dispatcher) update(transportID string, env datatypes.Envelope) Result {
	entityID := env.String("entityId")
	props := env.Object("properties")
	if entityID == "" || len(props) == 0 {
		return d.malformed(transportID, env.Type, "update", "graph/update requires entityId and properties")
	}

	ok := d.mutatorFor(transportID).Update(entityID, props)
	d.registry.Send(transportID, datatypes.AckEnvelope("update", entityID, ok))
	if !ok {
		dispatchesTotal.WithLabelValues(env.Type, "failed").Inc()
		return Result{Operation: "update"}
	}

	d.broadcastEntityUpdated(transportID, entityID, props)
	dispatchesTotal.WithLabelValues(env.Type, "ok").Inc()
	return Result{Operation: "update", Applied: true}
}

func (d *Dispatcher) create(transportID string, env datatypes.Envelope) Result {
	entityID := env.String("entityId")
	props := env.Object("properties")
	metaRaw := env.Object("sourceMetadata")
	if entityID == "" || len(props) == 0 || metaRaw == nil {
		return d.malformed(transportID, env.Type, "create",
			"graph/create requires entityId, properties and sourceMetadata")
	}

	meta := datatypes.SourceMetadata{
		EntityTypeID: stringField(metaRaw, "entityTypeId"),
		SourcePath:   stringField(metaRaw, "sourcePath"),
		SourceType:   datatypes.SourceType(stringField(metaRaw, "sourceType")),
	}
	if meta.SourceType == "" {
		meta.SourceType = datatypes.SourceSynthetic
	}

	ok := d.mutatorFor(transportID).Create(entityID, props, meta)
	d.registry.Send(transportID, datatypes.AckEnvelope("create", entityID, ok))
	if !ok {
		dispatchesTotal.WithLabelValues(env.Type, "failed").Inc()
		return Result{Operation: "create"}
	}

	// Creations broadcast as entity-updated: receivers upsert either way.
	d.broadcastEntityUpdated(transportID, entityID, props)
	dispatchesTotal.WithLabelValues(env.Type, "ok").Inc()
	return Result{Operation: "create", Applied: true}
}

func (d *Dispatcher) delete(transportID string, env datatypes.Envelope) Result {
	entityID := env.String("entityId")
	if entityID == "" {
		return d.malformed(transportID, env.Type, "delete", "graph/delete requires entityId")
	}

	ok := d.mutatorFor(transportID).Delete(entityID)
	d.registry.Send(transportID, datatypes.AckEnvelope("delete", entityID, ok))
	if !ok {
		dispatchesTotal.WithLabelValues(env.Type, "failed").Inc()
		return Result{Operation: "delete"}
	}

	d.registry.Broadcast(transportID, datatypes.Envelope{
		Type: datatypes.MsgEntityDeleted,
		Payload: map[string]any{
			"entityId":  entityID,
			"timestamp": datatypes.Timestamp(),
		},
	})
	dispatchesTotal.WithLabelValues(env.Type, "ok").Inc()
	return Result{Operation: "delete", Applied: true}
}

// query answers the requesting transport with a snapshot of the
// entity set. It is never broadcast.
func (d *Dispatcher) query(transportID string, env datatypes.Envelope) Result {
	entities := d.store.GetAllEntities()
	rows := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, map[string]any{
			"entityId":     e.EntityID,
			"entityTypeId": e.EntityTypeID,
			"editionId":    e.EditionID,
			"sourcePath":   e.SourcePath,
			"sourceType":   string(e.SourceType),
			"properties":   e.Properties,
		})
	}
	d.registry.Send(transportID, datatypes.Envelope{
		Type: datatypes.MsgGraphAck,
		Payload: map[string]any{
			"operation": "query",
			"success":   true,
			"entities":  rows,
			"timestamp": datatypes.Timestamp(),
		},
	})
	dispatchesTotal.WithLabelValues(env.Type, "ok").Inc()
	return Result{Operation: "query"}
}

func (d *Dispatcher) aggregate(transportID string, env datatypes.Envelope) Result {
	result, err := d.store.AggregateEntities(env.Payload)
	if err != nil {
		d.registry.Send(transportID, datatypes.Envelope{
			Type: datatypes.MsgAggregateError,
			Payload: map[string]any{
				"message":   err.Error(),
				"timestamp": datatypes.Timestamp(),
			},
		})
		dispatchesTotal.WithLabelValues(env.Type, "failed").Inc()
		return Result{Operation: "aggregate"}
	}
	d.registry.Send(transportID, datatypes.Envelope{
		Type: datatypes.MsgAggregateResult,
		Payload: map[string]any{
			"result":    result,
			"timestamp": datatypes.Timestamp(),
		},
	})
	dispatchesTotal.WithLabelValues(env.Type, "ok").Inc()
	return Result{Operation: "aggregate"}
}

// invalidate evicts a block from the resource cache and relays the
// invalidation to every other local socket.
func (d *Dispatcher) invalidate(transportID string, env datatypes.Envelope) Result {
	blockID := env.String("blockId")
	if blockID == "" {
		return d.malformed(transportID, env.Type, "invalidate", "cache:invalidate requires blockId")
	}
	if d.Invalidate != nil {
		d.Invalidate(blockID)
	}
	d.registry.Broadcast(transportID, env)
	dispatchesTotal.WithLabelValues(env.Type, "ok").Inc()
	return Result{Operation: "invalidate", Applied: true}
}

func (d *Dispatcher) broadcastEntityUpdated(senderID, entityID string, props map[string]any) {
	sourceType := ""
	if meta, ok := d.store.GetEntityMetadata(entityID); ok {
		sourceType = string(meta.SourceType)
	}
	d.registry.Broadcast(senderID, datatypes.Envelope{
		Type: datatypes.MsgEntityUpdated,
		Payload: map[string]any{
			"entityId":   entityID,
			"properties": datatypes.CloneProperties(props),
			"sourceType": sourceType,
			"timestamp":  datatypes.Timestamp(),
		},
	})
}

func (d *Dispatcher) malformed(transportID, msgType, op, msg string) Result {
	d.registry.Send(transportID, datatypes.ErrorEnvelope(msg))
	dispatchesTotal.WithLabelValues(msgType, "malformed").Inc()
	return Result{Operation: op}
}

func (d *Dispatcher) mutatorFor(transportID string) Mutator {
	if d.MutatorFor != nil {
		if m := d.MutatorFor(transportID); m != nil {
			return m
		}
	}
	return StoreMutator{Store: d.store}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
