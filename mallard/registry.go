// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package mallard

import (
	"sort"
	"sync"
)

// Registry is a thread-safe mapping from exchange command to handler. Each
// server instance owns exactly one Registry; administrative registration and
// in-flight exchange dispatch may race on it.
type Registry struct {
	mu         sync.RWMutex
	exchangers map[string]Exchanger
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{exchangers: make(map[string]Exchanger)}
}

// Register installs ex under its declared command. The last registration for
// a command wins; there is no versioning. A registration is visible to every
// Lookup that starts after Register returns.
func (r *Registry) Register(ex Exchanger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchangers[ex.Command()] = ex
}

// Lookup returns the exchanger registered under command, if any.
func (r *Registry) Lookup(command string) (Exchanger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.exchangers[command]
	return ex, ok
}

// Commands returns a sorted snapshot of the registered command names.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.exchangers))
	for name := range r.exchangers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
