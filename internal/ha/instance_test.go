package ha

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/config"
	"github.com/neo4j/neo4j-sub063/internal/election"
	"github.com/neo4j/neo4j-sub063/internal/haerr"
)

// isolatedNetwork reaches no other instance. Calls outside the cluster service panic.
type isolatedNetwork struct {
	Network
}

func (isolatedNetwork) SendHeartbeat(context.Context, string, cluster.Heartbeat) error {
	return haerr.NewTransient("heartbeat", haerr.ErrCommunication)
}

func (isolatedNetwork) Prepare(context.Context, string, election.PrepareRequest) (election.Promise, error) {
	return election.Promise{}, haerr.NewTransient("prepare", haerr.ErrCommunication)
}

func (isolatedNetwork) Accept(context.Context, string, election.AcceptRequest) (election.Accepted, error) {
	return election.Accepted{}, haerr.NewTransient("accept", haerr.ErrCommunication)
}

func (isolatedNetwork) Learn(context.Context, string, election.LearnRequest) error {
	return haerr.NewTransient("learn", haerr.ErrCommunication)
}

func newTestInstance(t *testing.T) *Instance {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ServerID = 1
	cfg.ClusterServer = "instance1:5001"
	cfg.HAServer = "instance1:6001"
	cfg.InitialHosts = config.HostList{"instance1:5001", "instance2:5001", "instance3:5001"}
	cfg.HeartbeatInterval = config.Duration(10 * time.Millisecond)
	cfg.HeartbeatTimeout = config.Duration(50 * time.Millisecond)
	cfg.StoreDir = t.TempDir()

	instance, err := NewInstance(*cfg, Options{Network: isolatedNetwork{}})
	require.NoError(t, err)
	return instance
}

func TestInstance_Stop(t *testing.T) {
	instance := newTestInstance(t)
	require.NoError(t, instance.Start(context.Background()))

	// Let the state machine run through a few reconcile ticks
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Pending, instance.State())

	assert.NotPanics(t, func() {
		assert.NoError(t, instance.Stop())
	})
	assert.NoError(t, instance.Stop(), "stopping twice is a no-op")
	assert.Error(t, instance.Start(context.Background()), "a stopped instance does not start again")
}

func TestInstance_CopyTransactions(t *testing.T) {
	instance := newTestInstance(t)
	t.Cleanup(func() { instance.Stop() })

	_, err := instance.applier.Apply(nodeTx(1, 1, "a"), nodeTx(2, 1, "b"), nodeTx(3, 1, "c"))
	require.NoError(t, err)
	service := instance.HAService()
	ctx := context.Background()

	requestAt := func(txID, epoch uint64) RequestContext {
		checksum, err := instance.log.Checksum(txID)
		require.NoError(t, err)
		return RequestContext{Epoch: epoch, InstanceID: 2, TxID: txID, Checksum: checksum}
	}

	t.Run("returns what the caller misses", func(t *testing.T) {
		resp, err := service.CopyTransactions(ctx, requestAt(1, 2))
		require.NoError(t, err)
		require.Len(t, resp.Transactions, 2)
		assert.Equal(t, uint64(2), resp.Transactions[0].ID)
		assert.Equal(t, uint64(3), resp.Transactions[1].ID)
	})

	t.Run("nothing for a caller that is not behind", func(t *testing.T) {
		resp, err := service.CopyTransactions(ctx, RequestContext{Epoch: 2, InstanceID: 2, TxID: 5})
		require.NoError(t, err)
		assert.Empty(t, resp.Transactions)
	})

	t.Run("branched caller", func(t *testing.T) {
		rc := requestAt(1, 2)
		rc.Checksum++
		_, err := service.CopyTransactions(ctx, rc)
		assert.ErrorIs(t, err, haerr.ErrBranchedData)
		assert.Equal(t, haerr.Fatal, haerr.KindOf(err))
	})

	t.Run("caller elected in an older epoch", func(t *testing.T) {
		_, err := instance.acceptor.Learn(election.Learned{Epoch: 4, Master: election.Master{ID: 3}})
		require.NoError(t, err)

		_, err = service.CopyTransactions(ctx, requestAt(1, 3))
		assert.True(t, haerr.IsInvalidEpoch(err), "%v", err)

		resp, err := service.CopyTransactions(ctx, requestAt(1, 5))
		require.NoError(t, err)
		assert.Len(t, resp.Transactions, 2)
	})
}

func TestInstance_WritesFailWhilePending(t *testing.T) {
	instance := newTestInstance(t)
	t.Cleanup(func() { instance.Stop() })

	start := time.Now()
	_, err := instance.BeginTx().CreateNode(context.Background())
	assert.True(t, haerr.IsTransient(err), "%v", err)
	assert.ErrorIs(t, err, haerr.ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second, "pending instances do not wait for a switch")
}
