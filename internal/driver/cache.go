package driver

import (
	"context"
	"sync"

	"github.com/greezybacon/mdrived/internal/errcode"
	"github.com/greezybacon/mdrived/internal/handle"
)

// MaxConnections bounds the live connection-string cache (a sibling bound
// to scheduler.MaxWorkers and mdrive.MaxSubscriptions; spec.md §9, "Fixed-
// capacity arrays").
const MaxConnections = 64

type cacheEntry struct {
	inst     Instance
	connStr  string
	refcount int
}

// InstanceCache is the daemon's cached, reference-counted handle table for
// Devices keyed by connection string (spec.md §3, "DriverInstance").
// Calling Acquire twice with the same string returns the same handle,
// bumping its refcount instead of opening the device again.
type InstanceCache struct {
	mu           sync.Mutex
	table        *handle.Table[*cacheEntry]
	byConnString map[string]handle.H
}

// NewInstanceCache constructs an empty cache.
func NewInstanceCache() *InstanceCache {
	return &InstanceCache{
		table:        handle.NewTable[*cacheEntry](MaxConnections),
		byConnString: map[string]handle.H{},
	}
}

// Acquire resolves connStr via registry, aliasing an existing instance if
// one is already cached under the same string (spec.md §8, "Calling
// connect(s) twice with the same string returns the same DriverInstance").
func (c *InstanceCache) Acquire(ctx context.Context, registry *Registry, connStr string) (handle.H, error) {
	c.mu.Lock()
	if h, ok := c.byConnString[connStr]; ok {
		if e, ok := c.table.Get(h); ok {
			e.refcount++
			c.mu.Unlock()
			return h, nil
		}
	}
	c.mu.Unlock()

	class, err := registry.Resolve(connStr)
	if err != nil {
		return handle.H{}, err
	}
	inst, err := class.Initialize(ctx, connStr)
	if err != nil {
		return handle.H{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another concurrent Acquire for the same new connStr may have raced
	// us to this point and already cached an instance; if so, join it and
	// tear down the one we just opened instead of orphaning it.
	if h, ok := c.byConnString[connStr]; ok {
		if e, ok := c.table.Get(h); ok {
			e.refcount++
			inst.Destroy()
			return h, nil
		}
	}

	h, ok := c.table.Alloc(&cacheEntry{inst: inst, connStr: connStr, refcount: 1})
	if !ok {
		inst.Destroy()
		return handle.H{}, errcode.New("acquire_instance", errcode.ERTooMany, "connection cache full")
	}
	c.byConnString[connStr] = h
	return h, nil
}

// Get resolves a handle to its Instance, for clients that already hold one.
func (c *InstanceCache) Get(h handle.H) (Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.table.Get(h)
	if !ok {
		return nil, false
	}
	return e.inst, true
}

// Release drops one reference to h, tearing the Instance down once the
// count reaches zero (spec.md §3, Device lifecycle: "destroyed on
// disconnect when the last client reference is released").
func (c *InstanceCache) Release(h handle.H) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.table.Get(h)
	if !ok {
		return
	}
	e.refcount--
	if e.refcount > 0 {
		return
	}
	delete(c.byConnString, e.connStr)
	c.table.Free(h)
	e.inst.Destroy()
}

// Invalidate drops the connection-string mapping without touching refcount
// or tearing anything down, used after a baud/address change makes the old
// string stale (spec.md §4.2, "Set baud" / "Set address").
func (c *InstanceCache) Invalidate(connStr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byConnString, connStr)
}
