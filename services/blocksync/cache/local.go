// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"os"
	"path/filepath"
	"strings"
)

// LocalResource is a resource served straight from a developer's
// local block directory. NonCacheable is always true: local
// development must never be shadowed by a stale cached artifact.
type LocalResource struct {
	Path         string
	NonCacheable bool
}

// ResolveLocal matches a resource request against the configured
// local block directories (localDir/blockName/resourcePath). A hit
// bypasses both cache layers entirely.
func (c *Cache) ResolveLocal(blockName, resourcePath string) (LocalResource, bool) {
	if blockName == "" || resourcePath == "" {
		return LocalResource{}, false
	}
	// Reject traversal out of the block directory.
	clean := filepath.Clean(resourcePath)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return LocalResource{}, false
	}

	for _, dir := range c.cfg.LocalDirs {
		candidate := filepath.Join(dir, blockName, clean)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return LocalResource{Path: candidate, NonCacheable: true}, true
		}
	}
	return LocalResource{}, false
}
