package quadpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry owns a set of named pools and the collaborators they share.
// It is safe for concurrent use.
type Registry struct {
	config RegistryConfig
	logger *slog.Logger

	mu     sync.RWMutex
	pools  []*Pool // Indexed by PoolID.
	byName map[string]*Pool
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()
	return &Registry{
		config: config,
		logger: config.Logger,
		byName: make(map[string]*Pool),
	}, nil
}

// Define creates a pool and allocates its buffer.
func (r *Registry) Define(name string, config Config) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrPoolExists, name)
	}
	p, err := newPool(PoolID(len(r.pools)), name, config, r.config)
	if err != nil {
		return nil, fmt.Errorf("defining pool %q: %w", name, err)
	}
	r.pools = append(r.pools, p)
	r.byName[name] = p
	r.logger.Info("Defined pool",
		"pool", name, "id", p.id, "size", p.Size(), "classes", config.NumClasses,
		"policy", config.Policy, "ordering", config.Ordering, "backing", config.Backing)
	return p, nil
}

// DefineHeap creates a pool dedicated to a Heap.
func (r *Registry) DefineHeap(name string, config Config) (*Heap, error) {
	p, err := r.Define(name, config)
	if err != nil {
		return nil, err
	}
	return newHeap(p), nil
}

// Pool returns the pool with the given id.
func (r *Registry) Pool(id PoolID) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.pools) {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownPool, id)
	}
	return r.pools[id], nil
}

// Lookup returns the pool with the given name.
func (r *Registry) Lookup(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Pools returns every pool in definition order.
func (r *Registry) Pools() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pool, len(r.pools))
	copy(out, r.pools)
	return out
}

// Alloc allocates size bytes from pool id. See Pool.Allocate.
func (r *Registry) Alloc(ctx context.Context, id PoolID, size int, timeout Ticks) (Block, error) {
	p, err := r.Pool(id)
	if err != nil {
		return Block{}, err
	}
	return p.Allocate(ctx, size, timeout)
}

// Free releases a block to the pool it was allocated from.
func (r *Registry) Free(b Block) error {
	p, err := r.Pool(b.Pool)
	if err != nil {
		return err
	}
	return p.Release(b)
}

// Defragment fully defragments pool id.
func (r *Registry) Defragment(id PoolID) (int, error) {
	p, err := r.Pool(id)
	if err != nil {
		return 0, err
	}
	return p.Defragment()
}

// Close fails every waiting request with ErrPoolClosed and releases the
// buffers of all pools. Pools remain reachable but reject every operation.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pools := r.pools
	r.mu.Unlock()

	for _, p := range pools {
		p.close()
	}
	r.logger.Info("Closed registry", "pools", len(pools))
	return nil
}
