package ha

import (
	"context"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/election"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

// MasterClient is the capability the master exposes to slaves. Every call carries a RequestContext and every
// response carries the transactions the caller is missing.
type MasterClient interface {
	// Commit commits commands as the next transaction and returns its id
	Commit(ctx context.Context, rc RequestContext, commands []txlog.Command) (Response[uint64], error)
	// PullUpdates only returns the missing transactions
	PullUpdates(ctx context.Context, rc RequestContext) (Response[struct{}], error)
	AllocateIDs(ctx context.Context, rc RequestContext, idType IDType) (Response[IDRange], error)
	// CreateToken returns the id of the named token, committing it first if it does not exist
	CreateToken(ctx context.Context, rc RequestContext, kind txlog.TokenKind, name string) (Response[uint64], error)
}

// Network reaches other instances: their cluster service by cluster address and their HA service by HA address.
// Implementations translate communication failures into transient errors.
type Network interface {
	cluster.HeartbeatSender
	election.Transport

	Commit(ctx context.Context, addr string, rc RequestContext, commands []txlog.Command) (Response[uint64], error)
	PullUpdates(ctx context.Context, addr string, rc RequestContext) (Response[struct{}], error)
	AllocateIDs(ctx context.Context, addr string, rc RequestContext, idType IDType) (Response[IDRange], error)
	CreateToken(ctx context.Context, addr string, rc RequestContext, kind txlog.TokenKind,
		name string) (Response[uint64], error)
	// PushTransaction hands a committed transaction to the slave at addr. It returns once the slave applied it.
	PushTransaction(ctx context.Context, addr string, rc RequestContext, tx txlog.Transaction) error
	// CopyTransactions fetches the transactions after rc from the instance at addr, whatever its role
	CopyTransactions(ctx context.Context, addr string, rc RequestContext) (Response[struct{}], error)
}

// ClusterHandler serves the cluster service of an instance
type ClusterHandler interface {
	HandleHeartbeat(ctx context.Context, hb cluster.Heartbeat) error
	HandlePrepare(ctx context.Context, req election.PrepareRequest) (election.Promise, error)
	HandleAccept(ctx context.Context, req election.AcceptRequest) (election.Accepted, error)
	HandleLearn(ctx context.Context, req election.LearnRequest) error
}

// HAHandler serves the HA service of an instance: the master capability, transaction pushes to slaves and copies
// for an instance that takes over as master
type HAHandler interface {
	MasterClient
	HandlePushTransaction(ctx context.Context, rc RequestContext, tx txlog.Transaction) error
	CopyTransactions(ctx context.Context, rc RequestContext) (Response[struct{}], error)
}

// remoteMaster is the MasterClient behind an HA address
type remoteMaster struct {
	addr    string
	network Network
}

func newRemoteMaster(addr string, network Network) *remoteMaster {
	return &remoteMaster{addr: addr, network: network}
}

func (m *remoteMaster) Commit(ctx context.Context, rc RequestContext,
	commands []txlog.Command) (Response[uint64], error) {
	return m.network.Commit(ctx, m.addr, rc, commands)
}

func (m *remoteMaster) PullUpdates(ctx context.Context, rc RequestContext) (Response[struct{}], error) {
	return m.network.PullUpdates(ctx, m.addr, rc)
}

func (m *remoteMaster) AllocateIDs(ctx context.Context, rc RequestContext, idType IDType) (Response[IDRange], error) {
	return m.network.AllocateIDs(ctx, m.addr, rc, idType)
}

func (m *remoteMaster) CreateToken(ctx context.Context, rc RequestContext, kind txlog.TokenKind,
	name string) (Response[uint64], error) {
	return m.network.CreateToken(ctx, m.addr, rc, kind, name)
}
