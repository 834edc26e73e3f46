// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

// Package client implements the private-network side of the relay: the
// router opens the configured mappings, each mapping entry maintains its
// tunnels to the server and spawns logical connections and datagram ports
// on demand.
package client

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/liulilittle/frp/internal/config"
)

// Router owns one MappingEntry per configured mapping.
type Router struct {
	cfg      *config.AppConfiguration
	disposed atomic.Bool
	mu       sync.Mutex
	entries  []*MappingEntry
}

func NewRouter(cfg *config.AppConfiguration) *Router {
	return &Router{cfg: cfg}
}

// Open starts every configured mapping. On the first failure everything
// already opened is torn down.
func (r *Router) Open() error {
	if r.disposed.Load() {
		return fmt.Errorf("router disposed")
	}
	if len(r.cfg.Mappings) == 0 {
		return fmt.Errorf("no mappings configured")
	}

	for i := range r.cfg.Mappings {
		entry := newMappingEntry(r.cfg, &r.cfg.Mappings[i])
		if err := entry.Open(); err != nil {
			entry.Close()
			r.Close()
			return fmt.Errorf("mapping %s: %w", r.cfg.Mappings[i].Name, err)
		}
		r.mu.Lock()
		r.entries = append(r.entries, entry)
		r.mu.Unlock()
	}
	return nil
}

// Close cascades to every mapping entry. Idempotent.
func (r *Router) Close() {
	if r.disposed.Swap(true) {
		return
	}
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()
	for _, entry := range entries {
		entry.Close()
	}
}
