// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sidecar bridges the language-server sidecar into the entity
// store's broadcast path.
//
// The sidecar indexes source files and discovers constructs carrying
// embedded DSL modules. The Bridge merges its notification stream
// with the store's own file events so block discovery stays in sync
// regardless of whether an edit arrived as a raw file write or as a
// client mutation.
package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/AleutianAI/blocksync/services/blocksync/datatypes"
)

// Client is the language-server sidecar's capability surface.
type Client interface {
	// ListConstructs enumerates all currently discoverable constructs.
	// It blocks until the sidecar has finished its scan.
	ListConstructs(ctx context.Context) ([]datatypes.BlockDiscovery, error)

	// Notifications is the sidecar's out-of-band discovery stream.
	Notifications() <-chan datatypes.BlockDiscovery

	// SendDiscoveryBatch forwards a block-discovery batch back to the
	// sidecar for re-indexing.
	SendDiscoveryBatch(ctx context.Context, batch []datatypes.BlockDiscovery) error
}

// ProcessClient runs the sidecar as a child process speaking
// JSON-lines: discoveries arrive one JSON object per stdout line, and
// discovery batches are written one JSON object per stdin line.
type ProcessClient struct {
	command string
	args    []string
	log     *slog.Logger

	mu            sync.Mutex
	stdin         io.WriteCloser
	cmd           *exec.Cmd
	notifications chan datatypes.BlockDiscovery
}

// NewProcessClient creates a client for the given sidecar command.
func NewProcessClient(command string, args []string, log *slog.Logger) *ProcessClient {
	if log == nil {
		log = slog.Default()
	}
	return &ProcessClient{
		command:       command,
		args:          args,
		log:           log,
		notifications: make(chan datatypes.BlockDiscovery, 128),
	}
}

// Start launches the long-running sidecar process and begins pumping
// its stdout into the notification channel. The channel is closed
// when the process exits.
func (c *ProcessClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return fmt.Errorf("sidecar already started")
	}

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sidecar stdout: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("sidecar stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start sidecar %s: %w", c.command, err)
	}
	c.cmd = cmd
	c.stdin = stdin

	go func() {
		defer close(c.notifications)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var d datatypes.BlockDiscovery
			if err := json.Unmarshal(line, &d); err != nil {
				c.log.Warn("undecodable sidecar notification", "error", err)
				continue
			}
			c.notifications <- d
		}
		_ = cmd.Wait()
		c.log.Info("sidecar process exited", "command", c.command)
	}()
	return nil
}

// ListConstructs runs the sidecar command once in enumerate mode and
// collects its full output.
func (c *ProcessClient) ListConstructs(ctx context.Context) ([]datatypes.BlockDiscovery, error) {
	args := append(append([]string(nil), c.args...), "--enumerate")
	out, err := exec.CommandContext(ctx, c.command, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("enumerate constructs: %w", err)
	}

	var constructs []datatypes.BlockDiscovery
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var d datatypes.BlockDiscovery
		if err := json.Unmarshal(line, &d); err != nil {
			c.log.Warn("undecodable construct line", "error", err)
			continue
		}
		constructs = append(constructs, d)
	}
	return constructs, nil
}

// Notifications returns the sidecar's discovery stream.
func (c *ProcessClient) Notifications() <-chan datatypes.BlockDiscovery {
	return c.notifications
}

// SendDiscoveryBatch writes the batch to the sidecar's stdin, one
// JSON object per line.
func (c *ProcessClient) SendDiscoveryBatch(ctx context.Context, batch []datatypes.BlockDiscovery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdin == nil {
		return fmt.Errorf("sidecar not started")
	}
	enc := json.NewEncoder(c.stdin)
	for _, d := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("write discovery batch: %w", err)
		}
	}
	return nil
}
