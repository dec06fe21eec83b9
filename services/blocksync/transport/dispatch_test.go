// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"sync"
	"testing"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
	"github.com/AleutianAI/blocksync/services/blocksync/store"
)

// recordingAdapter captures every envelope sent to it.
type recordingAdapter struct {
	mu   sync.Mutex
	sent []datatypes.Envelope
}

func (a *recordingAdapter) Send(env datatypes.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, env)
	return nil
}

func (a *recordingAdapter) envelopes() []datatypes.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]datatypes.Envelope(nil), a.sent...)
}

func (a *recordingAdapter) ofType(msgType string) []datatypes.Envelope {
	var out []datatypes.Envelope
	for _, env := range a.envelopes() {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

type dispatchFixture struct {
	store      *store.MemoryStore
	registry   *Registry
	dispatcher *Dispatcher

	sender   *recordingAdapter
	senderID string
	other    *recordingAdapter
	otherID  string
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		store:    store.NewMemoryStore(nil),
		registry: NewRegistry(nil),
		sender:   &recordingAdapter{},
		other:    &recordingAdapter{},
	}
	f.dispatcher = NewDispatcher(f.registry, f.store, nil)
	f.senderID = f.registry.Register(f.sender)
	f.otherID = f.registry.Register(f.other)
	return f
}

func TestDispatchUpdate(t *testing.T) {
	f := newDispatchFixture(t)
	f.store.CreateEntity("e1", map[string]any{"status": "todo"}, datatypes.SourceMetadata{
		SourceType: datatypes.SourceTabularRow,
	})

	res := f.dispatcher.Dispatch(f.senderID, datatypes.Envelope{
		Type: datatypes.MsgGraphUpdate,
		Payload: map[string]any{
			"entityId":   "e1",
			"properties": map[string]any{"status": "done"},
		},
	})
	if !res.Applied || res.Operation != "update" {
		t.Fatalf("result = %+v", res)
	}

	acks := f.sender.ofType(datatypes.MsgGraphAck)
	if len(acks) != 1 {
		t.Fatalf("sender acks = %d, want 1", len(acks))
	}
	if success, _ := acks[0].Payload["success"].(bool); !success {
		t.Error("ack must report success")
	}

	// Exactly one broadcast to the other transport, none echoed back.
	updates := f.other.ofType(datatypes.MsgEntityUpdated)
	if len(updates) != 1 {
		t.Fatalf("other received %d entity-updated, want 1", len(updates))
	}
	if updates[0].String("sourceType") != string(datatypes.SourceTabularRow) {
		t.Errorf("broadcast sourceType = %q", updates[0].String("sourceType"))
	}
	if len(f.sender.ofType(datatypes.MsgEntityUpdated)) != 0 {
		t.Error("broadcast echoed to sender")
	}

	entities := f.store.GetAllEntities()
	if entities[0].Properties["status"] != "done" {
		t.Errorf("store not updated: %v", entities[0].Properties)
	}
}

func TestDispatchUpdateUnknownEntity(t *testing.T) {
	f := newDispatchFixture(t)

	res := f.dispatcher.Dispatch(f.senderID, datatypes.Envelope{
		Type: datatypes.MsgGraphUpdate,
		Payload: map[string]any{
			"entityId":   "ghost",
			"properties": map[string]any{"x": 1},
		},
	})
	if res.Applied {
		t.Error("update of unknown entity must not apply")
	}

	acks := f.sender.ofType(datatypes.MsgGraphAck)
	if len(acks) != 1 {
		t.Fatalf("sender acks = %d", len(acks))
	}
	if success, _ := acks[0].Payload["success"].(bool); success {
		t.Error("ack must report failure")
	}
	if len(f.other.envelopes()) != 0 {
		t.Errorf("failed update still broadcast: %v", f.other.envelopes())
	}
}

func TestDispatchMalformedUpdate(t *testing.T) {
	f := newDispatchFixture(t)
	f.store.CreateEntity("e1", map[string]any{"a": 1}, datatypes.SourceMetadata{})

	for _, payload := range []map[string]any{
		nil,
		{"entityId": "e1"},
		{"properties": map[string]any{"a": 2}},
		{"entityId": "e1", "properties": map[string]any{}},
	} {
		f.sender.sent = nil
		f.other.sent = nil

		res := f.dispatcher.Dispatch(f.senderID, datatypes.Envelope{
			Type:    datatypes.MsgGraphUpdate,
			Payload: payload,
		})
		if res.Applied {
			t.Errorf("malformed payload %v applied", payload)
		}
		if errs := f.sender.ofType(datatypes.MsgError); len(errs) != 1 {
			t.Errorf("payload %v: sender errors = %d, want 1", payload, len(errs))
		}
		if len(f.other.envelopes()) != 0 {
			t.Errorf("payload %v leaked to other transports", payload)
		}
	}

	// The store must be untouched.
	if f.store.GetAllEntities()[0].Properties["a"] != 1 {
		t.Error("malformed request mutated the store")
	}
}

func TestDispatchCreate(t *testing.T) {
	f := newDispatchFixture(t)

	res := f.dispatcher.Dispatch(f.senderID, datatypes.Envelope{
		Type: datatypes.MsgGraphCreate,
		Payload: map[string]any{
			"entityId":       "new-1",
			"properties":     map[string]any{"title": "fresh"},
			"sourceMetadata": map[string]any{"sourcePath": "/p/x.csv", "sourceType": "tabular-row"},
		},
	})
	if !res.Applied {
		t.Fatalf("result = %+v", res)
	}

	meta, ok := f.store.GetEntityMetadata("new-1")
	if !ok {
		t.Fatal("entity not created")
	}
	if meta.SourceType != datatypes.SourceTabularRow || meta.SourcePath != "/p/x.csv" {
		t.Errorf("metadata = %+v", meta)
	}
	if len(f.other.ofType(datatypes.MsgEntityUpdated)) != 1 {
		t.Error("create must broadcast entity-updated to other transports")
	}
}

func TestDispatchCreateDefaultsSourceType(t *testing.T) {
	f := newDispatchFixture(t)

	f.dispatcher.Dispatch(f.senderID, datatypes.Envelope{
		Type: datatypes.MsgGraphCreate,
		Payload: map[string]any{
			"entityId":       "new-1",
			"properties":     map[string]any{"a": 1},
			"sourceMetadata": map[string]any{},
		},
	})
	meta, _ := f.store.GetEntityMetadata("new-1")
	if meta.SourceType != datatypes.SourceSynthetic {
		t.Errorf("default sourceType = %q, want synthetic", meta.SourceType)
	}
}

func TestDispatchDelete(t *testing.T) {
	f := newDispatchFixture(t)
	f.store.CreateEntity("e1", nil, datatypes.SourceMetadata{})

	res := f.dispatcher.Dispatch(f.senderID, datatypes.Envelope{
		Type:    datatypes.MsgGraphDelete,
		Payload: map[string]any{"entityId": "e1"},
	})
	if !res.Applied {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := f.store.GetEntityMetadata("e1"); ok {
		t.Error("entity survived delete")
	}

	deleted := f.other.ofType(datatypes.MsgEntityDeleted)
	if len(deleted) != 1 || deleted[0].String("entityId") != "e1" {
		t.Errorf("entity-deleted broadcast = %v", deleted)
	}
	if len(f.sender.ofType(datatypes.MsgEntityDeleted)) != 0 {
		t.Error("delete broadcast echoed to sender")
	}
}

func TestDispatchQuerySenderOnly(t *testing.T) {
	f := newDispatchFixture(t)
	f.store.CreateEntity("e1", map[string]any{"a": 1}, datatypes.SourceMetadata{})
	f.store.CreateEntity("e2", map[string]any{"a": 2}, datatypes.SourceMetadata{})

	res := f.dispatcher.Dispatch(f.senderID, datatypes.Envelope{Type: datatypes.MsgGraphQuery})
	if res.Operation != "query" || res.Applied {
		t.Fatalf("result = %+v", res)
	}

	acks := f.sender.ofType(datatypes.MsgGraphAck)
	if len(acks) != 1 {
		t.Fatalf("sender acks = %d", len(acks))
	}
	rows, ok := acks[0].Payload["entities"].([]map[string]any)
	if !ok || len(rows) != 2 {
		t.Fatalf("entities payload = %v", acks[0].Payload["entities"])
	}
	if rows[0]["entityId"] != "e1" || rows[1]["entityId"] != "e2" {
		t.Errorf("rows = %v", rows)
	}
	if len(f.other.envelopes()) != 0 {
		t.Error("query answer leaked to other transports")
	}
}

func TestDispatchAggregate(t *testing.T) {
	f := newDispatchFixture(t)
	f.store.CreateEntity("t1", map[string]any{"status": "todo"}, datatypes.SourceMetadata{})
	f.store.CreateEntity("t2", map[string]any{"status": "todo"}, datatypes.SourceMetadata{})

	f.dispatcher.Dispatch(f.senderID, datatypes.Envelope{
		Type:    datatypes.MsgGraphAggregate,
		Payload: map[string]any{"operation": "count"},
	})
	results := f.sender.ofType(datatypes.MsgAggregateResult)
	if len(results) != 1 {
		t.Fatalf("aggregate results = %d", len(results))
	}
	inner, _ := results[0].Payload["result"].(map[string]any)
	if inner["count"] != 2 {
		t.Errorf("count = %v", inner["count"])
	}

	f.dispatcher.Dispatch(f.senderID, datatypes.Envelope{
		Type:    datatypes.MsgGraphAggregate,
		Payload: map[string]any{"operation": "nonsense"},
	})
	if len(f.sender.ofType(datatypes.MsgAggregateError)) != 1 {
		t.Error("bad aggregate must answer graph/aggregate:error")
	}
	if len(f.other.envelopes()) != 0 {
		t.Error("aggregate traffic leaked to other transports")
	}
}

func TestDispatchCacheInvalidate(t *testing.T) {
	f := newDispatchFixture(t)

	var evicted []string
	f.dispatcher.Invalidate = func(blockID string) { evicted = append(evicted, blockID) }

	env := datatypes.Envelope{
		Type:    datatypes.MsgCacheInvalidate,
		Payload: map[string]any{"blockId": "task-board"},
	}
	res := f.dispatcher.Dispatch(f.senderID, env)
	if !res.Applied {
		t.Fatalf("result = %+v", res)
	}
	if len(evicted) != 1 || evicted[0] != "task-board" {
		t.Errorf("evicted = %v", evicted)
	}

	relayed := f.other.ofType(datatypes.MsgCacheInvalidate)
	if len(relayed) != 1 || relayed[0].String("blockId") != "task-board" {
		t.Errorf("relay = %v", relayed)
	}
	if len(f.sender.envelopes()) != 0 {
		t.Error("invalidation relayed back to its sender")
	}
}

func TestDispatchUnknownTypeIgnored(t *testing.T) {
	f := newDispatchFixture(t)

	res := f.dispatcher.Dispatch(f.senderID, datatypes.Envelope{Type: "graph/teleport"})
	if res.Applied || res.Operation != "" {
		t.Errorf("result = %+v", res)
	}
	if len(f.sender.envelopes()) != 0 || len(f.other.envelopes()) != 0 {
		t.Error("unknown type produced traffic")
	}
}

func TestDispatchCustomMutator(t *testing.T) {
	f := newDispatchFixture(t)
	f.store.CreateEntity("e1", map[string]any{"a": 1}, datatypes.SourceMetadata{})

	var calls []string
	f.dispatcher.MutatorFor = func(transportID string) Mutator {
		if transportID == f.senderID {
			return mutatorFunc{update: func(id string, props map[string]any) bool {
				calls = append(calls, id)
				return f.store.UpdateEntity(id, props)
			}}
		}
		return nil
	}

	f.dispatcher.Dispatch(f.senderID, datatypes.Envelope{
		Type:    datatypes.MsgGraphUpdate,
		Payload: map[string]any{"entityId": "e1", "properties": map[string]any{"a": 2}},
	})
	if len(calls) != 1 || calls[0] != "e1" {
		t.Errorf("custom mutator calls = %v", calls)
	}

	// A nil return falls back to the plain store mutator.
	f.dispatcher.Dispatch(f.otherID, datatypes.Envelope{
		Type:    datatypes.MsgGraphUpdate,
		Payload: map[string]any{"entityId": "e1", "properties": map[string]any{"a": 3}},
	})
	if f.store.GetAllEntities()[0].Properties["a"] != 3 {
		t.Error("fallback store mutator not applied")
	}
}

type mutatorFunc struct {
	update func(string, map[string]any) bool
}

func (m mutatorFunc) Update(id string, props map[string]any) bool { return m.update(id, props) }
func (m mutatorFunc) Create(string, map[string]any, datatypes.SourceMetadata) bool {
	return false
}
func (m mutatorFunc) Delete(string) bool { return false }
