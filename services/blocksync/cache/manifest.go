// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
)

// OriginKey is the metadata key recording which block-server origin a
// manifest was built against. A manifest whose origin differs from
// the currently active origin is treated as absent: its absolute
// resource URLs would point at a dead server.
const OriginKey = "__origin"

// Manifest is the durable form of one cache entry.
type Manifest struct {
	Metadata  map[string]any                 `json:"metadata"`
	Resources []datatypes.ResourceDescriptor `json:"resources"`
	CachedAt  time.Time                      `json:"cachedAt"`
}

// Origin returns the origin the manifest was built against.
func (m Manifest) Origin() string {
	s, _ := m.Metadata[OriginKey].(string)
	return s
}

// SetOrigin stamps the manifest with its serving origin.
func (m *Manifest) SetOrigin(origin string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any, 1)
	}
	m.Metadata[OriginKey] = origin
}

// Version returns the block version recorded in the manifest
// metadata, defaulting to "latest".
func (m Manifest) Version() string {
	if v, ok := m.Metadata["version"].(string); ok && v != "" {
		return v
	}
	return "latest"
}

func encodeManifest(m Manifest) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

func decodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}
