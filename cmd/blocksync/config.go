// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/blocksync/services/blocksync/server"
)

// Config is the on-disk configuration file shape.
type Config struct {
	Server struct {
		Port              int      `yaml:"port"`
		BlocksDir         string   `yaml:"blocks_dir"`
		CacheDir          string   `yaml:"cache_dir"`
		LocalBlockDirs    []string `yaml:"local_block_dirs"`
		BlockServerOrigin string   `yaml:"block_server_origin"`
		ControlChannelURL string   `yaml:"control_channel_url"`
		WatchDirs         []string `yaml:"watch_dirs"`
		CacheMaxAge       string   `yaml:"cache_max_age"`
	} `yaml:"server"`

	Sidecar struct {
		Command string   `yaml:"command"`
		Args    []string `yaml:"args"`
	} `yaml:"sidecar"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 4173
	cfg.Server.BlocksDir = "./blocks"
	cfg.Server.CacheDir = "~/.blocksync/cache"
	cfg.Server.BlockServerOrigin = "http://localhost:4173"
	cfg.Logging.Level = "info"
	cfg.Logging.JSON = true
	return cfg
}

// loadConfig reads the optional YAML file, then applies environment
// overrides. A missing file is only an error when the path was given
// explicitly.
func loadConfig(path string, explicit bool) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults plus environment are enough to run.
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides maps BLOCKSYNC_* environment variables over the
// file values. Environment wins, matching how the other services in
// this repo are deployed under compose.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BLOCKSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BLOCKSYNC_BLOCKS_DIR"); v != "" {
		cfg.Server.BlocksDir = v
	}
	if v := os.Getenv("BLOCKSYNC_CACHE_DIR"); v != "" {
		cfg.Server.CacheDir = v
	}
	if v := os.Getenv("BLOCKSYNC_BLOCK_SERVER_ORIGIN"); v != "" {
		cfg.Server.BlockServerOrigin = v
	}
	if v := os.Getenv("BLOCKSYNC_CONTROL_CHANNEL_URL"); v != "" {
		cfg.Server.ControlChannelURL = v
	}
	if v := os.Getenv("BLOCKSYNC_WATCH_DIRS"); v != "" {
		cfg.Server.WatchDirs = splitList(v)
	}
	if v := os.Getenv("BLOCKSYNC_LOCAL_BLOCK_DIRS"); v != "" {
		cfg.Server.LocalBlockDirs = splitList(v)
	}
	if v := os.Getenv("BLOCKSYNC_SIDECAR_COMMAND"); v != "" {
		cfg.Sidecar.Command = v
	}
	if v := os.Getenv("BLOCKSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BLOCKSYNC_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// serverConfig converts the file shape into the server's runtime
// configuration.
func (c Config) serverConfig() (server.Config, error) {
	var maxAge time.Duration
	if c.Server.CacheMaxAge != "" {
		d, err := time.ParseDuration(c.Server.CacheMaxAge)
		if err != nil {
			return server.Config{}, fmt.Errorf("cache_max_age: %w", err)
		}
		maxAge = d
	}
	return server.Config{
		Port:              c.Server.Port,
		BlocksDir:         expandHome(c.Server.BlocksDir),
		CacheDir:          expandHome(c.Server.CacheDir),
		LocalBlockDirs:    c.Server.LocalBlockDirs,
		BlockServerOrigin: c.Server.BlockServerOrigin,
		ControlChannelURL: c.Server.ControlChannelURL,
		WatchDirs:         c.Server.WatchDirs,
		SidecarCommand:    c.Sidecar.Command,
		SidecarArgs:       c.Sidecar.Args,
		CacheMaxAge:       maxAge,
	}, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + strings.TrimPrefix(path, "~")
		}
	}
	return path
}
