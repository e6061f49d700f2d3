package ha

import (
	"context"
	"errors"
	"time"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/config"
	"github.com/neo4j/neo4j-sub063/internal/election"
	"github.com/neo4j/neo4j-sub063/internal/graphdb"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

var ErrTxClosed = errors.New("transaction is already committed or rolled back")

// Tx collects the changes of one write transaction. Nothing is visible before Commit. On a slave, node and
// relationship ids come from the master and Commit goes through the master.
type Tx struct {
	instance *Instance
	commands []txlog.Command
	closed   bool
}

func (i *Instance) BeginTx() *Tx {
	return &Tx{instance: i}
}

// CreateNode creates a node with labels and returns its id
func (tx *Tx) CreateNode(ctx context.Context, labels ...string) (uint64, error) {
	if tx.closed {
		return 0, ErrTxClosed
	}
	id, err := tx.instance.nextID(ctx, IDTypeNode)
	if err != nil {
		return 0, err
	}

	tx.commands = append(tx.commands, txlog.Command{Kind: txlog.CmdCreateNode, NodeID: id})
	for _, label := range labels {
		tx.AddLabel(id, label)
	}
	return id, nil
}

func (tx *Tx) DeleteNode(nodeID uint64) {
	tx.add(txlog.Command{Kind: txlog.CmdDeleteNode, NodeID: nodeID})
}

func (tx *Tx) SetProperty(nodeID uint64, key, value string) {
	tx.add(txlog.Command{Kind: txlog.CmdSetNodeProperty, NodeID: nodeID, Key: key, Value: value})
}

func (tx *Tx) RemoveProperty(nodeID uint64, key string) {
	tx.add(txlog.Command{Kind: txlog.CmdRemoveNodeProperty, NodeID: nodeID, Key: key})
}

func (tx *Tx) AddLabel(nodeID uint64, label string) {
	tx.add(txlog.Command{Kind: txlog.CmdAddLabel, NodeID: nodeID, Name: label})
}

func (tx *Tx) RemoveLabel(nodeID uint64, label string) {
	tx.add(txlog.Command{Kind: txlog.CmdRemoveLabel, NodeID: nodeID, Name: label})
}

// CreateRelationship creates a relationship of relType from start to end and returns its id
func (tx *Tx) CreateRelationship(ctx context.Context, start, end uint64, relType string) (uint64, error) {
	if tx.closed {
		return 0, ErrTxClosed
	}
	id, err := tx.instance.nextID(ctx, IDTypeRelationship)
	if err != nil {
		return 0, err
	}

	tx.commands = append(tx.commands, txlog.Command{
		Kind:      txlog.CmdCreateRelationship,
		RelID:     id,
		StartNode: start,
		EndNode:   end,
		Name:      relType,
	})
	return id, nil
}

func (tx *Tx) DeleteRelationship(relID uint64) {
	tx.add(txlog.Command{Kind: txlog.CmdDeleteRelationship, RelID: relID})
}

// CreateUniqueConstraint makes key unique among the nodes labeled label
func (tx *Tx) CreateUniqueConstraint(label, key string) {
	tx.add(txlog.Command{Kind: txlog.CmdCreateUniqueConstraint, Name: label, Key: key})
}

func (tx *Tx) add(cmd txlog.Command) {
	if !tx.closed {
		tx.commands = append(tx.commands, cmd)
	}
}

// Commit commits the transaction and returns its id. A transaction without changes commits nothing and returns the
// last committed id. Transient errors may be retried with a new transaction.
func (tx *Tx) Commit(ctx context.Context) (uint64, error) {
	if tx.closed {
		return 0, ErrTxClosed
	}
	tx.closed = true

	if len(tx.commands) == 0 {
		return tx.instance.log.LastTxID(), nil
	}

	start := time.Now()
	id, err := tx.instance.commit(ctx, tx.commands)
	tx.instance.metrics.RecordCommit(time.Since(start), err)
	return id, err
}

// Rollback discards the transaction
func (tx *Tx) Rollback() {
	tx.closed = true
	tx.commands = nil
}

func (i *Instance) ID() cluster.InstanceID {
	return i.self
}

func (i *Instance) State() State {
	return i.state.getState()
}

func (i *Instance) Role() cluster.Role {
	return i.state.getState().Role()
}

// Epoch is the epoch the instance serves or last served in
func (i *Instance) Epoch() uint64 {
	return i.state.getEpoch()
}

// Learned is the last election the instance learned of
func (i *Instance) Learned() election.Learned {
	return i.acceptor.Learned()
}

// Master is the master the instance serves under. Zero while it never served.
func (i *Instance) Master() election.Master {
	return i.state.getMaster()
}

func (i *Instance) HasQuorum() bool {
	return i.membership.HasQuorum()
}

// Members is the local view of the other members
func (i *Instance) Members() []cluster.Member {
	return i.membership.Members()
}

func (i *Instance) LastCommittedTxID() uint64 {
	return i.log.LastTxID()
}

// Graph gives read access to the local store. Reads are served in every state.
func (i *Instance) Graph() *graphdb.Store {
	return i.graph
}

func (i *Instance) NodeProperty(nodeID uint64, key string) (string, error) {
	return i.graph.NodeProperty(nodeID, key)
}

func (i *Instance) NodeExists(nodeID uint64) bool {
	return i.graph.NodeExists(nodeID)
}

func (i *Instance) Metrics() Report {
	return i.metrics.Report(int(i.self), i.state.getState())
}

// Config returns the configuration the instance runs with
func (i *Instance) Config() config.Config {
	return i.config
}
