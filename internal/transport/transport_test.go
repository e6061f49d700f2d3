package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/election"
	"github.com/neo4j/neo4j-sub063/internal/ha"
	"github.com/neo4j/neo4j-sub063/internal/haerr"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

type mockClusterHandler struct {
	mock.Mock
}

func (m *mockClusterHandler) HandleHeartbeat(ctx context.Context, hb cluster.Heartbeat) error {
	return m.Called(ctx, hb).Error(0)
}

func (m *mockClusterHandler) HandlePrepare(ctx context.Context,
	req election.PrepareRequest) (election.Promise, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(election.Promise), args.Error(1)
}

func (m *mockClusterHandler) HandleAccept(ctx context.Context,
	req election.AcceptRequest) (election.Accepted, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(election.Accepted), args.Error(1)
}

func (m *mockClusterHandler) HandleLearn(ctx context.Context, req election.LearnRequest) error {
	return m.Called(ctx, req).Error(0)
}

type mockHAHandler struct {
	mock.Mock
}

func (m *mockHAHandler) Commit(ctx context.Context, rc ha.RequestContext,
	commands []txlog.Command) (ha.Response[uint64], error) {
	args := m.Called(ctx, rc, commands)
	return args.Get(0).(ha.Response[uint64]), args.Error(1)
}

func (m *mockHAHandler) PullUpdates(ctx context.Context, rc ha.RequestContext) (ha.Response[struct{}], error) {
	args := m.Called(ctx, rc)
	return args.Get(0).(ha.Response[struct{}]), args.Error(1)
}

func (m *mockHAHandler) AllocateIDs(ctx context.Context, rc ha.RequestContext,
	idType ha.IDType) (ha.Response[ha.IDRange], error) {
	args := m.Called(ctx, rc, idType)
	return args.Get(0).(ha.Response[ha.IDRange]), args.Error(1)
}

func (m *mockHAHandler) CreateToken(ctx context.Context, rc ha.RequestContext, kind txlog.TokenKind,
	name string) (ha.Response[uint64], error) {
	args := m.Called(ctx, rc, kind, name)
	return args.Get(0).(ha.Response[uint64]), args.Error(1)
}

func (m *mockHAHandler) HandlePushTransaction(ctx context.Context, rc ha.RequestContext,
	tx txlog.Transaction) error {
	return m.Called(ctx, rc, tx).Error(0)
}

func (m *mockHAHandler) CopyTransactions(ctx context.Context, rc ha.RequestContext) (ha.Response[struct{}], error) {
	args := m.Called(ctx, rc)
	return args.Get(0).(ha.Response[struct{}]), args.Error(1)
}

type fixture struct {
	cluster *mockClusterHandler
	ha      *mockHAHandler
	client  *Client
	// resolver of client
	resolver *Resolver
}

const (
	clusterAddr = "instance1:5001"
	haAddr      = "instance1:6001"
)

// newFixture serves mock handlers over in-memory listeners. The client reaches them at clusterAddr and haAddr;
// every other address is unreachable.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{cluster: &mockClusterHandler{}, ha: &mockHAHandler{}, resolver: NewResolver()}
	clusterLis := bufconn.Listen(1 << 20)
	haLis := bufconn.Listen(1 << 20)

	server := NewServer(f.cluster, f.ha, nil)
	served := make(chan error, 1)
	go func() { served <- server.Serve(clusterLis, haLis) }()
	t.Cleanup(func() {
		server.Stop()
		assert.NoError(t, <-served)
	})

	listeners := map[string]*bufconn.Listener{clusterAddr: clusterLis, haAddr: haLis}
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := listeners[addr]
		if !ok {
			return nil, fmt.Errorf("dial %s: connection refused", addr)
		}
		return lis.DialContext(ctx)
	}

	f.client = NewClient(ClientConfig{
		Self:        7,
		Timeout:     2 * time.Second,
		Resolver:    f.resolver,
		DialOptions: []grpc.DialOption{grpc.WithContextDialer(dialer)},
	})
	t.Cleanup(f.client.Close)
	return f
}

func sealedTx(id uint64) txlog.Transaction {
	tx := txlog.Transaction{
		ID:        id,
		Epoch:     3,
		Master:    1,
		Timestamp: time.Unix(1700000000, 0),
		Commands:  []txlog.Command{{Kind: txlog.CmdCreateNode, NodeID: id}},
	}
	tx.Seal()
	return tx
}

func TestClusterService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("heartbeat carries the caller", func(t *testing.T) {
		hb := cluster.Heartbeat{From: 7, ClusterAddr: "instance7:5001", Role: cluster.RoleSlave, Epoch: 3}
		f.cluster.On("HandleHeartbeat", mock.MatchedBy(func(ctx context.Context) bool {
			caller, ok := Caller(ctx)
			return ok && caller == 7
		}), mock.MatchedBy(func(got cluster.Heartbeat) bool {
			return got.From == 7 && got.Role == cluster.RoleSlave && got.Epoch == 3
		})).Return(nil).Once()

		require.NoError(t, f.client.SendHeartbeat(ctx, clusterAddr, hb))
		f.cluster.AssertExpectations(t)
	})

	t.Run("paxos round trip", func(t *testing.T) {
		ballot := election.Ballot{Round: 2, Proposer: 7}
		master := election.Master{ID: 7, ClusterAddr: "instance7:5001", HAAddr: "instance7:6001"}

		f.cluster.On("HandlePrepare", mock.Anything, election.PrepareRequest{Epoch: 4, Ballot: ballot}).
			Return(election.Promise{OK: true, Promised: ballot, Credentials: election.Credentials{ID: 1}}, nil).
			Once()
		f.cluster.On("HandleAccept", mock.Anything, election.AcceptRequest{Epoch: 4, Ballot: ballot, Value: master}).
			Return(election.Accepted{OK: true, Promised: ballot}, nil).Once()
		f.cluster.On("HandleLearn", mock.Anything,
			election.LearnRequest{Learned: election.Learned{Epoch: 4, Master: master}}).Return(nil).Once()

		promise, err := f.client.Prepare(ctx, clusterAddr, election.PrepareRequest{Epoch: 4, Ballot: ballot})
		require.NoError(t, err)
		assert.True(t, promise.OK)
		assert.Equal(t, cluster.InstanceID(1), promise.Credentials.ID)

		accepted, err := f.client.Accept(ctx, clusterAddr,
			election.AcceptRequest{Epoch: 4, Ballot: ballot, Value: master})
		require.NoError(t, err)
		assert.True(t, accepted.OK)

		require.NoError(t, f.client.Learn(ctx, clusterAddr,
			election.LearnRequest{Learned: election.Learned{Epoch: 4, Master: master}}))
		f.cluster.AssertExpectations(t)
	})
}

func TestHAService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rc := ha.RequestContext{Epoch: 3, SessionID: "session", InstanceID: 7, TxID: 1, Checksum: 42}

	t.Run("commit streams transactions", func(t *testing.T) {
		commands := []txlog.Command{{Kind: txlog.CmdCreateNode, NodeID: 3}}
		f.ha.On("Commit", mock.Anything, rc, commands).
			Return(ha.Response[uint64]{Value: 3, Transactions: []txlog.Transaction{sealedTx(2), sealedTx(3)}}, nil).
			Once()

		resp, err := f.client.Commit(ctx, haAddr, rc, commands)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), resp.Value)
		require.Len(t, resp.Transactions, 2)
		for _, tx := range resp.Transactions {
			assert.True(t, tx.Verify(), "transaction %d arrived intact", tx.ID)
		}
	})

	t.Run("allocate ids and create token", func(t *testing.T) {
		f.ha.On("AllocateIDs", mock.Anything, rc, ha.IDTypeRelationship).
			Return(ha.Response[ha.IDRange]{Value: ha.IDRange{Start: 17, Count: 16}}, nil).Once()
		f.ha.On("CreateToken", mock.Anything, rc, txlog.TokenLabel, "User").
			Return(ha.Response[uint64]{Value: 5}, nil).Once()

		ids, err := f.client.AllocateIDs(ctx, haAddr, rc, ha.IDTypeRelationship)
		require.NoError(t, err)
		assert.Equal(t, ha.IDRange{Start: 17, Count: 16}, ids.Value)
		assert.Empty(t, ids.Transactions)

		token, err := f.client.CreateToken(ctx, haAddr, rc, txlog.TokenLabel, "User")
		require.NoError(t, err)
		assert.Equal(t, uint64(5), token.Value)
	})

	t.Run("push transaction", func(t *testing.T) {
		f.ha.On("HandlePushTransaction", mock.Anything, rc, mock.MatchedBy(func(tx txlog.Transaction) bool {
			return tx.ID == 9 && tx.Verify()
		})).Return(nil).Once()

		require.NoError(t, f.client.PushTransaction(ctx, haAddr, rc, sealedTx(9)))
		f.ha.AssertExpectations(t)
	})

	t.Run("copy transactions", func(t *testing.T) {
		f.ha.On("CopyTransactions", mock.Anything, rc).
			Return(ha.Response[struct{}]{Transactions: []txlog.Transaction{sealedTx(2)}}, nil).Once()

		resp, err := f.client.CopyTransactions(ctx, haAddr, rc)
		require.NoError(t, err)
		require.Len(t, resp.Transactions, 1)
		assert.Equal(t, uint64(2), resp.Transactions[0].ID)
		assert.True(t, resp.Transactions[0].Verify())
		f.ha.AssertExpectations(t)
	})
}

func TestErrorKindsSurviveTheWire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		err      error
		kind     haerr.Kind
		sentinel error
	}{
		{"invalid epoch", haerr.NewInvalidEpoch("pull updates", 2, 3), haerr.InvalidEpoch, haerr.ErrInvalidEpoch},
		{"not master", haerr.NewTransient("pull updates", haerr.ErrNotMaster), haerr.Transient, haerr.ErrNotMaster},
		{"branched", haerr.NewFatal("pull updates", fmt.Errorf("%w: tx 4", haerr.ErrBranchedData)), haerr.Fatal,
			haerr.ErrBranchedData},
		{"constraint", haerr.NewConstraintViolation("commit", fmt.Errorf("%w: dup", haerr.ErrConstraintViolation)),
			haerr.ConstraintViolation, haerr.ErrConstraintViolation},
		{"duplicate instance id", haerr.NewConstraintViolation("heartbeat",
			fmt.Errorf("%w: instance 2", haerr.ErrDuplicateInstanceID)), haerr.ConstraintViolation,
			haerr.ErrDuplicateInstanceID},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := ha.RequestContext{Epoch: uint64(i + 1)}
			f.ha.On("PullUpdates", mock.Anything, rc).Return(ha.Response[struct{}]{}, tt.err).Once()

			_, err := f.client.PullUpdates(ctx, haAddr, rc)
			require.Error(t, err)
			assert.Equal(t, tt.kind, haerr.KindOf(err))
			assert.True(t, errors.Is(err, tt.sentinel), "%v should wrap %v", err, tt.sentinel)
		})
	}

	t.Run("plain errors are fatal", func(t *testing.T) {
		rc := ha.RequestContext{Epoch: 99}
		f.ha.On("PullUpdates", mock.Anything, rc).Return(ha.Response[struct{}]{}, errors.New("disk on fire")).Once()

		_, err := f.client.PullUpdates(ctx, haAddr, rc)
		assert.Equal(t, haerr.Fatal, haerr.KindOf(err))
		assert.Contains(t, err.Error(), "disk on fire")
	})
}

func TestClient_Unreachable(t *testing.T) {
	f := newFixture(t)

	err := f.client.SendHeartbeat(context.Background(), "instance9:5001", cluster.Heartbeat{From: 7})
	require.Error(t, err)
	assert.True(t, haerr.IsTransient(err))
	assert.ErrorIs(t, err, haerr.ErrCommunication)
}

func TestResolver_Override(t *testing.T) {
	f := newFixture(t)
	f.resolver.Override("advertised:6001", haAddr)
	f.ha.On("PullUpdates", mock.Anything, mock.Anything).Return(ha.Response[struct{}]{}, nil).Once()

	_, err := f.client.PullUpdates(context.Background(), "advertised:6001", ha.RequestContext{})
	require.NoError(t, err)
	f.ha.AssertExpectations(t)
}
