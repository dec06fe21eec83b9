// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
)

// Files carrying embedded DSL modules are treated as construct
// sources: the watcher only emits file-changed for them and leaves
// entity derivation to the language-server discovery path.
var constructExtensions = map[string]bool{
	".py": true, ".rs": true, ".js": true, ".ts": true, ".nim": true,
}

// ApplyFileChange materializes a file-system change into the entity
// graph and emits the corresponding file-changed event.
//
// Tabular files become one entity per row, documents become a single
// entity, and construct sources pass through as bare file-changed
// events for the sidecar bridge to act on. A delete removes every
// entity previously ingested from the path.
func (s *MemoryStore) ApplyFileChange(path, eventType string) error {
	sourceType := classifySource(path)

	if eventType == FileEventDelete {
		removed := s.RemoveEntitiesBySourcePath(path)
		dropped := s.DropNotificationsBySourcePath(path)
		s.log.Info("file removed from entity graph",
			"path", path, "entities", len(removed), "notifications", len(dropped))
		s.EmitFileChanged(path, eventType, sourceType)
		return nil
	}

	var err error
	switch sourceType {
	case datatypes.SourceTabularRow:
		err = s.ingestTabular(path)
	case datatypes.SourceDocument:
		err = s.ingestDocument(path)
	case datatypes.SourceConstructDerived:
		// Construct sources are derived by the sidecar, not parsed here.
	}
	if err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}

	s.EmitFileChanged(path, eventType, sourceType)
	return nil
}

// ingestTabular reads a CSV file into one entity per data row, keyed
// "<basename>-row-<n>" with the header row as property names. Rows
// that disappeared from the file are removed.
func (s *MemoryStore) ingestTabular(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	header := records[0]
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	seen := make(map[string]bool, len(records)-1)

	for i, row := range records[1:] {
		id := fmt.Sprintf("%s-row-%d", base, i+1)
		seen[id] = true
		props := make(map[string]any, len(header))
		for j, key := range header {
			if j < len(row) {
				props[strings.TrimSpace(key)] = row[j]
			}
		}
		s.upsertFromFile(id, props, datatypes.SourceMetadata{
			EntityTypeID: datatypes.BlockTypeURI("table-row"),
			SourcePath:   path,
			SourceType:   datatypes.SourceTabularRow,
		})
	}

	// Drop rows the file no longer contains.
	for _, e := range s.GetEntitiesBySourcePath(path) {
		if !seen[e.EntityID] {
			s.DeleteEntity(e.EntityID)
		}
	}
	return nil
}

// ingestDocument reads a text document into a single entity keyed by
// its basename.
func (s *MemoryStore) ingestDocument(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	s.upsertFromFile("doc-"+base, map[string]any{
		"title":   base,
		"content": string(content),
	}, datatypes.SourceMetadata{
		EntityTypeID: datatypes.BlockTypeURI("document"),
		SourcePath:   path,
		SourceType:   datatypes.SourceDocument,
	})
	return nil
}

func (s *MemoryStore) upsertFromFile(id string, props map[string]any, meta datatypes.SourceMetadata) {
	if s.CreateEntity(id, props, meta) {
		return
	}
	s.UpdateEntity(id, props)
}

func classifySource(path string) datatypes.SourceType {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".csv" || ext == ".tsv":
		return datatypes.SourceTabularRow
	case constructExtensions[ext]:
		return datatypes.SourceConstructDerived
	default:
		return datatypes.SourceDocument
	}
}
