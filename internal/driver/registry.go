// Package driver implements the daemon-side driver class registry and
// reference-counted instance cache of spec.md §2-§3: the "external driver
// registry" that resolves a connection string's scheme to a driver class,
// and the DriverInstance cache that aliases repeat connects to the same
// device instead of opening it twice.
package driver

import (
	"context"
	"strings"
	"sync"

	"github.com/greezybacon/mdrived/internal/errcode"
	"github.com/greezybacon/mdrived/internal/handle"
	"github.com/greezybacon/mdrived/internal/mdrive"
)

// Instance is the stable driver class contract every registered class must
// implement (spec.md §6, "Driver class contract").
type Instance interface {
	Destroy()
	Reset(ctx context.Context) error
	Move(ctx context.Context, instr mdrive.MoveInstruction) error
	Stop(ctx context.Context, kind mdrive.StopKind) error
	Home(ctx context.Context, kind mdrive.HomeKind, dir int) error
	Read(ctx context.Context, q *mdrive.Query) error
	Write(ctx context.Context, q *mdrive.Query) error
	Subscribe(kind mdrive.EventKind, cond string, cb func(mdrive.Event)) (handle.H, error)
	Unsubscribe(handle.H)
	LoadFirmware(ctx context.Context, path string) error
	LoadMicrocode(ctx context.Context, path string) error

	// Group identifies the Bus this instance lives on, for the
	// scheduler's driver_group policy (spec.md §4.7).
	Group() uint64
	ConnString() string
}

// Class resolves connection strings for one scheme into live Instances
// (spec.md §6, "search" / "initialize").
type Class interface {
	Scheme() string
	Search(ctx context.Context) ([]string, error)
	Initialize(ctx context.Context, connStr string) (Instance, error)
}

// Registry maps a connection string's scheme to its Class, expressed as a
// service created at startup and passed by reference rather than a package
// global (spec.md §9, "Global mutable state").
type Registry struct {
	mu      sync.RWMutex
	classes map[string]Class
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{classes: map[string]Class{}}
}

// RegisterClass installs c under its own scheme.
func (r *Registry) RegisterClass(c Class) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[c.Scheme()] = c
}

// Resolve looks up the Class for connStr's scheme (the part before "://").
func (r *Registry) Resolve(connStr string) (Class, error) {
	scheme, _, ok := strings.Cut(connStr, "://")
	if !ok {
		return nil, errcode.New("resolve_driver", errcode.EINVAL, "connection string has no scheme: "+connStr)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[scheme]
	if !ok {
		return nil, errcode.New("resolve_driver", errcode.EINVAL, "unknown driver scheme: "+scheme)
	}
	return c, nil
}

// SearchAll runs every registered class's discovery sweep and concatenates
// the results.
func (r *Registry) SearchAll(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	classes := make([]Class, 0, len(r.classes))
	for _, c := range r.classes {
		classes = append(classes, c)
	}
	r.mu.RUnlock()

	var all []string
	for _, c := range classes {
		found, err := c.Search(ctx)
		if err != nil {
			continue
		}
		all = append(all, found...)
	}
	return all, nil
}
