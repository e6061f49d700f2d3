package ha

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/neo4j/neo4j-sub063/internal/graphdb"
	"github.com/neo4j/neo4j-sub063/internal/logging"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

func createTempLog(t *testing.T) *txlog.BboltStore {
	t.Helper()

	store, err := txlog.OpenDir(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestApplier(t *testing.T) (*applier, *txlog.BboltStore, *graphdb.Store) {
	t.Helper()

	log := createTempLog(t)
	graph := graphdb.NewStore()
	return newApplier(log, graph, NewMetrics(), logging.Nop()), log, graph
}

// nodeTx is a sealed transaction creating node id with a name property
func nodeTx(id, epoch uint64, name string) txlog.Transaction {
	tx := txlog.Transaction{
		ID:        id,
		Epoch:     epoch,
		Master:    1,
		Timestamp: time.Unix(1700000000, int64(id)),
		Commands: []txlog.Command{
			{Kind: txlog.CmdCreateNode, NodeID: id},
			{Kind: txlog.CmdSetNodeProperty, NodeID: id, Key: "name", Value: name},
		},
	}
	tx.Seal()
	return tx
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) ScheduleRecurring(name string, interval time.Duration, job func()) JobHandle {
	args := m.Called(name, interval, job)
	return args.Get(0).(JobHandle)
}

type mockJobHandle struct {
	mock.Mock
}

func (m *mockJobHandle) Cancel() {
	m.Called()
}

type mockMasterClient struct {
	mock.Mock
}

func (m *mockMasterClient) Commit(ctx context.Context, rc RequestContext,
	commands []txlog.Command) (Response[uint64], error) {
	args := m.Called(ctx, rc, commands)
	return args.Get(0).(Response[uint64]), args.Error(1)
}

func (m *mockMasterClient) PullUpdates(ctx context.Context, rc RequestContext) (Response[struct{}], error) {
	args := m.Called(ctx, rc)
	return args.Get(0).(Response[struct{}]), args.Error(1)
}

func (m *mockMasterClient) AllocateIDs(ctx context.Context, rc RequestContext,
	idType IDType) (Response[IDRange], error) {
	args := m.Called(ctx, rc, idType)
	return args.Get(0).(Response[IDRange]), args.Error(1)
}

func (m *mockMasterClient) CreateToken(ctx context.Context, rc RequestContext, kind txlog.TokenKind,
	name string) (Response[uint64], error) {
	args := m.Called(ctx, rc, kind, name)
	return args.Get(0).(Response[uint64]), args.Error(1)
}

type mockPusher struct {
	mock.Mock
}

func (m *mockPusher) PushTransaction(ctx context.Context, addr string, rc RequestContext,
	tx txlog.Transaction) error {
	args := m.Called(ctx, addr, rc, tx)
	return args.Error(0)
}
