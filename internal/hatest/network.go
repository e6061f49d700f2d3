// Package hatest runs whole HA clusters inside one process for tests. Instances talk over an in-memory network that
// can drop links between them, and every fault the harness injects comes with a RepairKit that undoes it.
package hatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/election"
	"github.com/neo4j/neo4j-sub063/internal/ha"
	"github.com/neo4j/neo4j-sub063/internal/haerr"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

type link struct {
	from, to cluster.InstanceID
}

// Network routes calls by address to the services of registered instances. Calls to unregistered addresses and
// over blocked links fail the way an unreachable remote instance does.
type Network struct {
	mu      sync.RWMutex
	cluster map[string]ha.ClusterHandler
	ha      map[string]ha.HAHandler
	owners  map[string]cluster.InstanceID
	blocked map[link]bool
}

func NewNetwork() *Network {
	return &Network{
		cluster: make(map[string]ha.ClusterHandler),
		ha:      make(map[string]ha.HAHandler),
		owners:  make(map[string]cluster.InstanceID),
		blocked: make(map[link]bool),
	}
}

// Register makes the services of instance id reachable at its addresses
func (n *Network) Register(id cluster.InstanceID, clusterAddr string, clusterHandler ha.ClusterHandler,
	haAddr string, haHandler ha.HAHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cluster[clusterAddr] = clusterHandler
	n.ha[haAddr] = haHandler
	n.owners[clusterAddr] = id
	n.owners[haAddr] = id
}

// Unregister makes the addresses unreachable
func (n *Network) Unregister(clusterAddr, haAddr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cluster, clusterAddr)
	delete(n.ha, haAddr)
}

// Block drops every call from one instance to the other. Links are one way.
func (n *Network) Block(from, to cluster.InstanceID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[link{from: from, to: to}] = true
}

func (n *Network) Unblock(from, to cluster.InstanceID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, link{from: from, to: to})
}

// For returns the network as seen by instance self
func (n *Network) For(self cluster.InstanceID) ha.Network {
	return &endpoint{network: n, self: self}
}

func unreachable(op, addr string) error {
	return haerr.NewTransient(op, fmt.Errorf("%w: %s is unreachable", haerr.ErrCommunication, addr))
}

// route returns the handler behind addr in services, unless the link from self to its owner is down
func route[H any](ctx context.Context, n *Network, services map[string]H, self cluster.InstanceID, op,
	addr string) (H, error) {
	var zero H
	if err := ctx.Err(); err != nil {
		return zero, haerr.NewTransient(op, fmt.Errorf("%w: %v", haerr.ErrCommunication, err))
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	handler, ok := services[addr]
	if !ok || n.blocked[link{from: self, to: n.owners[addr]}] {
		return zero, unreachable(op, addr)
	}
	return handler, nil
}

// endpoint is the Network of one instance
type endpoint struct {
	network *Network
	self    cluster.InstanceID
}

func (e *endpoint) clusterService(ctx context.Context, op, addr string) (ha.ClusterHandler, error) {
	return route(ctx, e.network, e.network.cluster, e.self, op, addr)
}

func (e *endpoint) haService(ctx context.Context, op, addr string) (ha.HAHandler, error) {
	return route(ctx, e.network, e.network.ha, e.self, op, addr)
}

// afterCall fails calls whose reply would cross a link that went down while the call ran
func (e *endpoint) afterCall(op, addr string) error {
	e.network.mu.RLock()
	defer e.network.mu.RUnlock()
	if e.network.blocked[link{from: e.network.owners[addr], to: e.self}] {
		return unreachable(op, addr)
	}
	return nil
}

func (e *endpoint) SendHeartbeat(ctx context.Context, addr string, hb cluster.Heartbeat) error {
	h, err := e.clusterService(ctx, "heartbeat", addr)
	if err != nil {
		return err
	}
	return h.HandleHeartbeat(ctx, hb)
}

func (e *endpoint) Prepare(ctx context.Context, addr string, req election.PrepareRequest) (election.Promise, error) {
	h, err := e.clusterService(ctx, "prepare", addr)
	if err != nil {
		return election.Promise{}, err
	}
	promise, err := h.HandlePrepare(ctx, req)
	if err != nil {
		return election.Promise{}, err
	}
	return promise, e.afterCall("prepare", addr)
}

func (e *endpoint) Accept(ctx context.Context, addr string, req election.AcceptRequest) (election.Accepted, error) {
	h, err := e.clusterService(ctx, "accept", addr)
	if err != nil {
		return election.Accepted{}, err
	}
	accepted, err := h.HandleAccept(ctx, req)
	if err != nil {
		return election.Accepted{}, err
	}
	return accepted, e.afterCall("accept", addr)
}

func (e *endpoint) Learn(ctx context.Context, addr string, req election.LearnRequest) error {
	h, err := e.clusterService(ctx, "learn", addr)
	if err != nil {
		return err
	}
	return h.HandleLearn(ctx, req)
}

// respond hands the response over the way the wire would: transactions are copied through their encoding
func respond[T any](e *endpoint, op, addr string, resp ha.Response[T], err error) (ha.Response[T], error) {
	if err != nil {
		return ha.Response[T]{}, err
	}
	if err := e.afterCall(op, addr); err != nil {
		return ha.Response[T]{}, err
	}
	copied := ha.Response[T]{Value: resp.Value}
	for _, tx := range resp.Transactions {
		decoded, err := txlog.Decode(txlog.Encode(tx))
		if err != nil {
			return ha.Response[T]{}, haerr.NewFatal(op, err)
		}
		copied.Transactions = append(copied.Transactions, decoded)
	}
	return copied, nil
}

func (e *endpoint) Commit(ctx context.Context, addr string, rc ha.RequestContext,
	commands []txlog.Command) (ha.Response[uint64], error) {
	h, err := e.haService(ctx, "commit", addr)
	if err != nil {
		return ha.Response[uint64]{}, err
	}
	resp, err := h.Commit(ctx, rc, append([]txlog.Command(nil), commands...))
	return respond(e, "commit", addr, resp, err)
}

func (e *endpoint) PullUpdates(ctx context.Context, addr string, rc ha.RequestContext) (ha.Response[struct{}],
	error) {
	h, err := e.haService(ctx, "pull updates", addr)
	if err != nil {
		return ha.Response[struct{}]{}, err
	}
	resp, err := h.PullUpdates(ctx, rc)
	return respond(e, "pull updates", addr, resp, err)
}

func (e *endpoint) AllocateIDs(ctx context.Context, addr string, rc ha.RequestContext,
	idType ha.IDType) (ha.Response[ha.IDRange], error) {
	h, err := e.haService(ctx, "allocate ids", addr)
	if err != nil {
		return ha.Response[ha.IDRange]{}, err
	}
	resp, err := h.AllocateIDs(ctx, rc, idType)
	return respond(e, "allocate ids", addr, resp, err)
}

func (e *endpoint) CreateToken(ctx context.Context, addr string, rc ha.RequestContext, kind txlog.TokenKind,
	name string) (ha.Response[uint64], error) {
	h, err := e.haService(ctx, "create token", addr)
	if err != nil {
		return ha.Response[uint64]{}, err
	}
	resp, err := h.CreateToken(ctx, rc, kind, name)
	return respond(e, "create token", addr, resp, err)
}

func (e *endpoint) PushTransaction(ctx context.Context, addr string, rc ha.RequestContext,
	tx txlog.Transaction) error {
	h, err := e.haService(ctx, "push transaction", addr)
	if err != nil {
		return err
	}
	copied, err := txlog.Decode(txlog.Encode(tx))
	if err != nil {
		return haerr.NewFatal("push transaction", err)
	}
	if err := h.HandlePushTransaction(ctx, rc, copied); err != nil {
		return err
	}
	return e.afterCall("push transaction", addr)
}

func (e *endpoint) CopyTransactions(ctx context.Context, addr string, rc ha.RequestContext) (ha.Response[struct{}],
	error) {
	h, err := e.haService(ctx, "copy transactions", addr)
	if err != nil {
		return ha.Response[struct{}]{}, err
	}
	resp, err := h.CopyTransactions(ctx, rc)
	return respond(e, "copy transactions", addr, resp, err)
}
