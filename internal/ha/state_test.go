package ha

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/election"
	"github.com/neo4j/neo4j-sub063/internal/graphdb"
)

func TestState(t *testing.T) {
	tests := []struct {
		state     State
		name      string
		role      cluster.Role
		available bool
	}{
		{Pending, "PENDING", cluster.RolePending, false},
		{ToMaster, "TO_MASTER", cluster.RolePending, false},
		{ToSlave, "TO_SLAVE", cluster.RolePending, false},
		{Master, "MASTER", cluster.RoleMaster, true},
		{Slave, "SLAVE", cluster.RoleSlave, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.state.String())
			assert.Equal(t, tt.role, tt.state.Role())
			assert.Equal(t, tt.available, tt.state.Available())
		})
	}
}

func TestStateHolder(t *testing.T) {
	s := &stateHolder{}

	assert.Equal(t, Pending, s.setState(ToMaster))
	assert.True(t, s.getPendingSince().IsZero())

	s.serve(election.Learned{Epoch: 4, Master: election.Master{ID: 2, HAAddr: "ha2"}})
	assert.Equal(t, ToMaster, s.setState(Master))

	state, epoch, master := s.snapshot()
	assert.Equal(t, Master, state)
	assert.Equal(t, uint64(4), epoch)
	assert.Equal(t, cluster.InstanceID(2), master.ID)

	assert.Equal(t, Master, s.setState(Pending))
	assert.False(t, s.getPendingSince().IsZero())
}

func TestIDAllocator(t *testing.T) {
	graph := graphdb.NewStore()
	a := newIDAllocator()

	first, err := a.allocate(IDTypeNode, 4)
	require.NoError(t, err)
	second, err := a.allocate(IDTypeNode, 4)
	require.NoError(t, err)
	assert.Equal(t, IDRange{Start: 1, Count: 4}, first)
	assert.Equal(t, IDRange{Start: 5, Count: 4}, second)

	_, err = a.allocate(IDType(42), 1)
	assert.Error(t, err)

	a.reset(graph)
	reset, err := a.allocate(IDTypeNode, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reset.Start, "reset restarts after the highest committed id")
}

func TestIDPool(t *testing.T) {
	p := newIDPool()
	ctx := context.Background()

	var fetches int
	fetch := func(_ context.Context, idType IDType) (IDRange, error) {
		fetches++
		return IDRange{Start: uint64(fetches * 100), Count: 2}, nil
	}

	var ids []uint64
	for i := 0; i < 3; i++ {
		id, err := p.next(ctx, IDTypeNode, fetch)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []uint64{100, 101, 200}, ids)
	assert.Equal(t, 2, fetches)

	t.Run("reset drops cached batches", func(t *testing.T) {
		p.reset()
		id, err := p.next(ctx, IDTypeNode, fetch)
		require.NoError(t, err)
		assert.Equal(t, uint64(300), id)
	})

	t.Run("fetch failures and empty batches", func(t *testing.T) {
		p.reset()
		_, err := p.next(ctx, IDTypeRelationship, func(context.Context, IDType) (IDRange, error) {
			return IDRange{}, errors.New("unreachable")
		})
		assert.Error(t, err)

		_, err = p.next(ctx, IDTypeRelationship, func(context.Context, IDType) (IDRange, error) {
			return IDRange{Start: 1}, nil
		})
		assert.Error(t, err)
	})
}
