// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scenario

import (
	"sort"
	"strings"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
	"github.com/AleutianAI/blocksync/services/blocksync/store"
)

const (
	boardEntityID  = "task-board-1"
	boardBlockKind = "task-board"
	pillBlockKind  = "status-pill"
)

// taskEntities returns the store entities that participate in the
// board: anything with a non-empty status property, in store order.
func taskEntities(st store.EntityStore) []datatypes.Entity {
	var tasks []datatypes.Entity
	for _, e := range st.GetAllEntities() {
		if status, _ := e.Properties["status"].(string); status != "" {
			tasks = append(tasks, e)
		}
	}
	return tasks
}

// deriveColumns groups tasks by status into derived column entities
// plus column->task links. Output order is deterministic: statuses
// sorted, tasks in store order.
func deriveColumns(tasks []datatypes.Entity) ([]datatypes.Entity, []datatypes.LinkEntity) {
	byStatus := make(map[string][]string)
	for _, t := range tasks {
		status, _ := t.Properties["status"].(string)
		byStatus[status] = append(byStatus[status], t.EntityID)
	}

	statuses := make([]string, 0, len(byStatus))
	for s := range byStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	var columns []datatypes.Entity
	var links []datatypes.LinkEntity
	for _, status := range statuses {
		columnID := "column-" + slug(status)
		columns = append(columns, datatypes.Entity{
			EntityID:     columnID,
			EntityTypeID: datatypes.BlockTypeURI("status-column"),
			Properties: map[string]any{
				"status":  status,
				"taskIds": byStatus[status],
			},
			SourceType: datatypes.SourceSynthetic,
		})
		for _, taskID := range byStatus[status] {
			links = append(links, datatypes.LinkEntity{
				Entity: datatypes.Entity{
					EntityID:     "link-" + columnID + "-" + taskID,
					EntityTypeID: datatypes.BlockTypeURI("contains-task"),
					SourceType:   datatypes.SourceSynthetic,
				},
				LeftEntityID:  columnID,
				RightEntityID: taskID,
			})
		}
	}
	return columns, links
}

// RecomputeBoardColumns refreshes the derived column entities in a
// connection's graph state from the current task set. The board
// strategy calls this after every merge so a status change moves the
// task between columns without a client round trip.
func RecomputeBoardColumns(state *GraphState, st store.EntityStore) {
	// Drop stale derived columns and links first.
	var kept []datatypes.Entity
	for _, e := range state.Entities {
		if !strings.HasPrefix(e.EntityID, "column-") {
			kept = append(kept, e)
		}
	}
	state.Entities = kept
	var keptLinks []datatypes.LinkEntity
	for _, l := range state.Links {
		if !strings.HasPrefix(l.EntityID, "link-column-") {
			keptLinks = append(keptLinks, l)
		}
	}
	state.Links = keptLinks

	columns, links := deriveColumns(taskEntities(st))
	state.Entities = append(state.Entities, columns...)
	state.Links = append(state.Links, links...)
}

// renderBoard produces the board notification plus one status pill
// per task.
func renderBoard(rc *RenderContext) []datatypes.BlockNotification {
	tasks := taskEntities(rc.Store)
	columns, links := deriveColumns(tasks)

	board := datatypes.Entity{
		EntityID:     boardEntityID,
		EntityTypeID: datatypes.BlockTypeURI(boardBlockKind),
		Properties:   map[string]any{"title": "Task Board"},
		SourceType:   datatypes.SourceSynthetic,
	}

	graphEntities := make([]datatypes.Entity, 0, 1+len(tasks)+len(columns))
	graphEntities = append(graphEntities, board)
	graphEntities = append(graphEntities, tasks...)
	graphEntities = append(graphEntities, columns...)

	notifications := []datatypes.BlockNotification{{
		BlockID:           datatypes.StableBlockID(boardBlockKind, boardEntityID),
		BlockType:         datatypes.BlockTypeURI(boardBlockKind),
		EntityID:          boardEntityID,
		DisplayMode:       datatypes.DisplayModeMultiLine,
		EntityGraph:       datatypes.NewEntityGraph(graphEntities, links),
		Resources:         buildResources(rc, boardBlockKind),
		SupportsHotReload: true,
		InitialHeight:     400,
	}}

	for _, t := range tasks {
		notifications = append(notifications, datatypes.BlockNotification{
			BlockID:           datatypes.StableBlockID(pillBlockKind, t.EntityID),
			BlockType:         datatypes.BlockTypeURI(pillBlockKind),
			EntityID:          t.EntityID,
			DisplayMode:       datatypes.DisplayModeInline,
			EntityGraph:       datatypes.NewEntityGraph([]datatypes.Entity{t}, nil),
			Resources:         buildResources(rc, pillBlockKind),
			SupportsHotReload: true,
			InitialHeight:     32,
		})
	}
	return notifications
}

func buildResources(rc *RenderContext, blockName string) []datatypes.ResourceDescriptor {
	if rc.Resources == nil {
		return nil
	}
	resources, err := rc.Resources.BuildResources(blockName)
	if err != nil {
		rc.Log.Warn("resource build failed", "block", blockName, "error", err)
		return nil
	}
	return resources
}

func slug(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "-")
}
