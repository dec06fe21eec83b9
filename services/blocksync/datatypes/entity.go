// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the entity graph model and the wire
// envelope shared by the transport, store, sidecar, cache and
// scenario packages.
//
// Entities are typed records with a stable id and a property map,
// sourced either from watched files or from language-server
// discovery. An EntityGraph is a value snapshot: it is copied at
// construction time and never mutated after it has been embedded in
// an outgoing message.
package datatypes

// SourceType tags the provenance of an entity.
type SourceType string

const (
	// SourceTabularRow marks an entity ingested from a row of a
	// file-watched tabular file (CSV and friends).
	SourceTabularRow SourceType = "tabular-row"

	// SourceDocument marks an entity ingested from a file-watched
	// text document.
	SourceDocument SourceType = "document"

	// SourceConstructDerived marks an entity discovered by the
	// language-server sidecar from a source construct.
	SourceConstructDerived SourceType = "construct-derived"

	// SourceSynthetic marks demo or internally generated entities.
	SourceSynthetic SourceType = "synthetic"
)

// Entity is a typed record with a stable identifier and a property
// map. EntityID is unique within the store at any instant; revisions
// supersede in place (EditionID changes, no history is retained).
type Entity struct {
	EntityID     string         `json:"entityId"`
	EntityTypeID string         `json:"entityTypeId,omitempty"`
	EditionID    string         `json:"editionId,omitempty"`
	Properties   map[string]any `json:"properties"`
	SourceType   SourceType     `json:"sourceType,omitempty"`
	SourcePath   string         `json:"sourcePath,omitempty"`
}

// Clone returns a copy of the entity with its own property map.
// Property values are shared; callers that mutate nested values must
// copy them first.
func (e Entity) Clone() Entity {
	c := e
	c.Properties = CloneProperties(e.Properties)
	return c
}

// CloneProperties returns a shallow copy of a property map. A nil
// input yields an empty, writable map.
func CloneProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

// LinkEntity is an entity representing a directed relation between
// two other entities. Links are assembled for read-only graph views
// and are never mutated directly.
type LinkEntity struct {
	Entity
	LeftEntityID  string `json:"leftEntityId"`
	RightEntityID string `json:"rightEntityId"`
}

// EntityMetadata is the id-level view of an entity returned by
// metadata lookups.
type EntityMetadata struct {
	EntityID     string     `json:"entityId"`
	EntityTypeID string     `json:"entityTypeId,omitempty"`
	EditionID    string     `json:"editionId,omitempty"`
	SourcePath   string     `json:"sourcePath,omitempty"`
	SourceType   SourceType `json:"sourceType,omitempty"`
}

// SourceMetadata carries the provenance supplied with a create
// request.
type SourceMetadata struct {
	EntityTypeID string     `json:"entityTypeId,omitempty"`
	SourcePath   string     `json:"sourcePath,omitempty"`
	SourceType   SourceType `json:"sourceType,omitempty"`
}

// EntityGraph is an immutable-at-send-time snapshot of entities and
// links, constructed fresh for each outgoing notification.
type EntityGraph struct {
	Entities []Entity     `json:"entities"`
	Links    []LinkEntity `json:"links"`
}

// NewEntityGraph builds a snapshot, cloning every entity and link so
// later store mutations cannot leak into an already-sent graph.
func NewEntityGraph(entities []Entity, links []LinkEntity) EntityGraph {
	g := EntityGraph{
		Entities: make([]Entity, 0, len(entities)),
		Links:    make([]LinkEntity, 0, len(links)),
	}
	for _, e := range entities {
		g.Entities = append(g.Entities, e.Clone())
	}
	for _, l := range links {
		c := l
		c.Entity = l.Entity.Clone()
		g.Links = append(g.Links, c)
	}
	return g
}
