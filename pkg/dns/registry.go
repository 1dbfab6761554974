// Package dns implements the small in-process resolver of spec section
// 4.3: a name-to-address registry, rebuilt from the store on restart,
// answering queries for "<container-name>.quilt.local" and the bare
// name on the bridge IP.
package dns

import (
	"strings"
	"sync"

	"github.com/cuemby/quilt/pkg/storage"
	"github.com/cuemby/quilt/pkg/types"
)

// Domain is the search domain containers are reachable under.
const Domain = "quilt.local"

// Registry is the process-wide name -> address mapping. It holds no
// store reference of its own; Rebuild is called explicitly at startup
// and Register/Unregister are called by the engine as containers start
// and stop, matching spec section 4.3's "kept in memory" contract.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]entry // container id -> name/address, for Diagnose lookups
	byName map[string]string
}

type entry struct {
	name string
	ip   string
}

// NewRegistry constructs an empty DNS registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]entry),
		byName: make(map[string]string),
	}
}

// Register records a container's name/id to IP mapping, answerable
// under both "<name>.quilt.local" and the bare name.
func (r *Registry) Register(containerID, name, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[containerID] = entry{name: name, ip: ip}
	if name != "" {
		r.byName[name] = ip
		r.byName[name+"."+Domain] = ip
	}
}

// Unregister removes a container's DNS entry.
func (r *Registry) Unregister(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[containerID]
	if !ok {
		return
	}
	delete(r.byID, containerID)
	if e.name != "" {
		delete(r.byName, e.name)
		delete(r.byName, e.name+"."+Domain)
	}
}

// Resolve looks up a query name (with or without trailing dot),
// returning the registered IP address.
func (r *Registry) Resolve(query string) (string, bool) {
	name := strings.TrimSuffix(query, ".")
	r.mu.RLock()
	defer r.mu.RUnlock()
	ip, ok := r.byName[name]
	return ip, ok
}

// Lookup returns the IP address registered for a container id, used by
// pkg/network's ICC diagnostics.
func (r *Registry) Lookup(containerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[containerID]
	return e.ip, ok
}

// Rebuild repopulates the registry from the store's current container
// and allocation records, used after a daemon restart since the
// registry itself is never persisted.
func (r *Registry) Rebuild(store storage.Store) error {
	containers, err := store.ListContainers()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.byID = make(map[string]entry)
	r.byName = make(map[string]string)
	r.mu.Unlock()

	for _, c := range containers {
		if c.State != types.ContainerStateRunning || c.Name == "" {
			continue
		}
		alloc, err := store.GetAllocation(c.ID)
		if err != nil {
			continue
		}
		r.Register(c.ID, c.Name, alloc.IPAddress)
	}
	return nil
}
