package ha

import (
	"context"
	"fmt"
	"sync"

	"github.com/neo4j/neo4j-sub063/internal/graphdb"
)

// idBatchSize is how many ids a slave requests from the master at once
const idBatchSize = 16

// idAllocator hands out node and relationship ids on the master. It restarts after the highest committed ids
// whenever the instance becomes master, ids handed out by an earlier master and never committed are not reused by
// anyone since slaves drop their batches on every switch.
type idAllocator struct {
	mu   sync.Mutex
	next map[IDType]uint64
}

func newIDAllocator() *idAllocator {
	return &idAllocator{next: map[IDType]uint64{IDTypeNode: 1, IDTypeRelationship: 1}}
}

func (a *idAllocator) reset(graph *graphdb.Store) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next[IDTypeNode] = graph.HighNodeID() + 1
	a.next[IDTypeRelationship] = graph.HighRelationshipID() + 1
}

func (a *idAllocator) allocate(idType IDType, count uint64) (IDRange, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next, ok := a.next[idType]
	if !ok {
		return IDRange{}, fmt.Errorf("unknown id type %v", idType)
	}
	a.next[idType] = next + count
	return IDRange{Start: next, Count: count}, nil
}

// idPool caches id batches on one instance. On the master it draws from the local allocator, on a slave from the
// master through fetch.
type idPool struct {
	mu     sync.Mutex
	ranges map[IDType]IDRange
}

func newIDPool() *idPool {
	return &idPool{ranges: make(map[IDType]IDRange)}
}

// next returns the next id of idType, calling fetch for a new batch when the cached one is used up
func (p *idPool) next(ctx context.Context, idType IDType,
	fetch func(context.Context, IDType) (IDRange, error)) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.ranges[idType]
	if current.Count == 0 {
		batch, err := fetch(ctx, idType)
		if err != nil {
			return 0, err
		}
		if batch.Count == 0 {
			return 0, fmt.Errorf("master returned an empty %v id batch", idType)
		}
		current = batch
	}

	id := current.Start
	current.Start++
	current.Count--
	p.ranges[idType] = current
	return id, nil
}

// reset drops every cached batch
func (p *idPool) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ranges = make(map[IDType]IDRange)
}
