// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"crypto/sha1"
	"encoding/hex"
)

// blockTypeBase is the block-type URI namespace used for all built-in
// block kinds.
const blockTypeBase = "https://blockprotocol.org/@blockprotocol/types/block-type/"

// BlockTypeURI returns the canonical block-type URI for a block kind,
// e.g. BlockTypeURI("task-board").
func BlockTypeURI(kind string) string {
	return blockTypeBase + kind + "/"
}

// DisplayMode values for block notifications.
const (
	DisplayModeMultiLine = "multi-line"
	DisplayModeInline    = "inline"
)

// ResourceDescriptor names one asset a block needs, with the URL it
// is fetched from and a cache-busting tag. Tags are monotonically
// increasing per process, so a re-render always carries a fresher tag
// than the render before it.
type ResourceDescriptor struct {
	LogicalName  string `json:"logicalName"`
	PhysicalPath string `json:"physicalPath"`
	CachingTag   string `json:"cachingTag"`
}

// BlockNotification tells a client which block to render, against
// which entity graph, with which resources. One is produced per
// render; the server retains only the latest value per BlockID.
type BlockNotification struct {
	BlockID           string               `json:"blockId"`
	BlockType         string               `json:"blockType"`
	EntityID          string               `json:"entityId"`
	DisplayMode       string               `json:"displayMode"`
	EntityGraph       EntityGraph          `json:"entityGraph"`
	Resources         []ResourceDescriptor `json:"resources,omitempty"`
	SupportsHotReload bool                 `json:"supportsHotReload"`
	InitialHeight     int                  `json:"initialHeight"`
}

// BlockDiscovery is the block-discovery notification exchanged with
// the language-server sidecar: an indexed entity carrying an embedded
// DSL module, plus its provenance.
type BlockDiscovery struct {
	EntityID   string         `json:"entityId"`
	BlockType  string         `json:"blockType"`
	Properties map[string]any `json:"properties"`
	DSLModule  string         `json:"dslModule"`
	SourcePath string         `json:"sourcePath"`
	SourceType SourceType     `json:"sourceType"`
}

// StableBlockID derives a deterministic block id from a kind and a
// seed (typically the entity id or source location), so repeated
// discovery of the same construct yields the same block identity.
func StableBlockID(kind, seed string) string {
	sum := sha1.Sum([]byte(seed))
	return kind + "-" + hex.EncodeToString(sum[:4])
}
