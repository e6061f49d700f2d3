package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/graphdb"
	"github.com/neo4j/neo4j-sub063/internal/haerr"
	"github.com/neo4j/neo4j-sub063/internal/logging"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

var errEmptyTransaction = errors.New("transaction has no commands")

// MasterServer implements MasterClient on the master. It serves slaves through the HA service and the master's own
// transactions directly. Every request is fenced: it is served only while the instance is master and only for the
// epoch the master serves.
type MasterServer struct {
	self       cluster.InstanceID
	state      *stateHolder
	log        txlog.Store
	graph      *graphdb.Store
	applier    *applier
	propagator *Propagator
	ids        *idAllocator

	// commitMu makes fencing, id assignment and apply one step, and token lookups atomic with their creation
	commitMu sync.Mutex
	logger   logging.Logger
}

func newMasterServer(self cluster.InstanceID, state *stateHolder, log txlog.Store, graph *graphdb.Store,
	applier *applier, propagator *Propagator, ids *idAllocator, logger logging.Logger) *MasterServer {
	return &MasterServer{
		self:       self,
		state:      state,
		log:        log,
		graph:      graph,
		applier:    applier,
		propagator: propagator,
		ids:        ids,
		logger:     logger,
	}
}

// checkRequest fences rc and returns the epoch the master serves. It rejects requests while not master, from
// another epoch and from instances whose store branched from the master's.
func (m *MasterServer) checkRequest(op string, rc RequestContext) (uint64, error) {
	state, epoch, _ := m.state.snapshot()
	if state != Master {
		return 0, haerr.NewTransient(op, fmt.Errorf("%w: instance %d is %v", haerr.ErrNotMaster, m.self, state))
	}
	if rc.Epoch != epoch {
		return 0, haerr.NewInvalidEpoch(op, rc.Epoch, epoch)
	}

	last := m.log.LastTxID()
	if rc.TxID > last {
		return 0, haerr.NewFatal(op, fmt.Errorf("%w: instance %d has transaction %d, the master only %d",
			haerr.ErrBranchedData, rc.InstanceID, rc.TxID, last))
	}
	checksum, err := m.log.Checksum(rc.TxID)
	if err != nil {
		return 0, haerr.NewFatal(op, err)
	}
	if checksum != rc.Checksum {
		return 0, haerr.NewFatal(op, fmt.Errorf("%w: transaction %d of instance %d differs from the master's",
			haerr.ErrBranchedData, rc.TxID, rc.InstanceID))
	}
	return epoch, nil
}

// respond packs value with every transaction rc is missing
func respond[T any](m *MasterServer, op string, rc RequestContext, value T) (Response[T], error) {
	txs, err := m.log.Since(rc.TxID)
	if err != nil {
		return Response[T]{}, haerr.NewFatal(op, err)
	}
	return Response[T]{Value: value, Transactions: txs}, nil
}

func (m *MasterServer) Commit(ctx context.Context, rc RequestContext,
	commands []txlog.Command) (Response[uint64], error) {
	if len(commands) == 0 {
		return Response[uint64]{}, haerr.NewFatal("commit", errEmptyTransaction)
	}

	tx, epoch, err := m.commit("commit", rc, func() []txlog.Command { return commands })
	if err != nil {
		return Response[uint64]{}, err
	}
	m.push(ctx, rc, tx, epoch)
	return respond(m, "commit", rc, tx.ID)
}

func (m *MasterServer) PullUpdates(_ context.Context, rc RequestContext) (Response[struct{}], error) {
	if _, err := m.checkRequest("pull updates", rc); err != nil {
		return Response[struct{}]{}, err
	}
	return respond(m, "pull updates", rc, struct{}{})
}

func (m *MasterServer) AllocateIDs(_ context.Context, rc RequestContext, idType IDType) (Response[IDRange], error) {
	if _, err := m.checkRequest("allocate ids", rc); err != nil {
		return Response[IDRange]{}, err
	}

	ids, err := m.ids.allocate(idType, idBatchSize)
	if err != nil {
		return Response[IDRange]{}, haerr.NewFatal("allocate ids", err)
	}
	return respond(m, "allocate ids", rc, ids)
}

func (m *MasterServer) CreateToken(ctx context.Context, rc RequestContext, kind txlog.TokenKind,
	name string) (Response[uint64], error) {
	var id uint64
	tx, epoch, err := m.commit("create token", rc, func() []txlog.Command {
		if existing, ok := m.graph.TokenID(kind, name); ok {
			id = existing
			return nil
		}
		id = m.graph.HighestTokenID(kind) + 1
		return []txlog.Command{{Kind: txlog.CmdCreateToken, TokenKind: kind, TokenID: id, Name: name}}
	})
	if err != nil {
		return Response[uint64]{}, err
	}
	if tx.ID != 0 {
		m.logger.Debugf("[Master] Created %v token %q with id %d", kind, name, id)
		m.push(ctx, rc, tx, epoch)
	}
	return respond(m, "create token", rc, id)
}

// commit fences rc and commits what build returns as the next transaction. Nothing is committed when build returns
// no commands.
func (m *MasterServer) commit(op string, rc RequestContext,
	build func() []txlog.Command) (txlog.Transaction, uint64, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	epoch, err := m.checkRequest(op, rc)
	if err != nil {
		return txlog.Transaction{}, 0, err
	}

	commands := build()
	if len(commands) == 0 {
		return txlog.Transaction{}, epoch, nil
	}
	tx, err := m.applier.commitNext(epoch, int(m.self), commands)
	if err != nil {
		return txlog.Transaction{}, 0, err
	}
	return tx, epoch, nil
}

func (m *MasterServer) push(ctx context.Context, rc RequestContext, tx txlog.Transaction, epoch uint64) {
	pushContext := RequestContext{
		Epoch:           epoch,
		SessionID:       rc.SessionID,
		EventIdentifier: rc.EventIdentifier,
		InstanceID:      m.self,
		TxID:            tx.ID,
		Checksum:        tx.Checksum,
	}
	m.propagator.Push(ctx, pushContext, tx, rc.InstanceID)
}
