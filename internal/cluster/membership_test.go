package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/neo4j/neo4j-sub063/internal/events"
	"github.com/neo4j/neo4j-sub063/internal/haerr"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) SendHeartbeat(ctx context.Context, addr string, hb Heartbeat) error {
	args := m.Called(ctx, addr, hb)
	return args.Error(0)
}

func testConfig(hosts ...string) Config {
	if len(hosts) == 0 {
		hosts = []string{"h1", "h2", "h3"}
	}
	return Config{
		Self:              1,
		ClusterAddr:       "h1",
		HAAddr:            "ha1",
		InitialHosts:      hosts,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  100 * time.Millisecond,
	}
}

func newTestMembership(t *testing.T, cfg Config, sender HeartbeatSender) (*Membership, *events.Bus) {
	t.Helper()
	bus := events.NewBus(nil)
	t.Cleanup(bus.GracefulShutdown)

	if sender == nil {
		sender = HeartbeatSenderFunc(func(context.Context, string, Heartbeat) error { return nil })
	}
	m, err := NewMembership(cfg, sender, func() Heartbeat {
		return Heartbeat{Role: RolePending, LastTxID: 7}
	}, bus)
	require.NoError(t, err)
	return m, bus
}

func expectEvent[T any](t *testing.T, ch chan *events.Event[T]) *events.Event[T] {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for event")
		return nil
	}
}

func TestNewMembership_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no self", func(c *Config) { c.Self = NoInstance }},
		{"no hosts", func(c *Config) { c.InitialHosts = nil }},
		{"no interval", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"timeout below interval", func(c *Config) { c.HeartbeatTimeout = c.HeartbeatInterval / 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := NewMembership(cfg, nil, nil, nil)
			assert.Error(t, err)
		})
	}
}

func TestMembership_HeartbeatMakesMemberAlive(t *testing.T) {
	m, bus := newTestMembership(t, testConfig(), nil)
	alive := make(chan *events.Event[events.MemberPayload], 4)
	events.Subscribe(bus, events.MemberAlive, alive, events.SubscriptionOptions{})

	m.Heartbeat(Heartbeat{From: 2, ClusterAddr: "h2", HAAddr: "ha2", Role: RoleSlave, Epoch: 3, LastTxID: 10})

	ev := expectEvent(t, alive)
	assert.Equal(t, 2, ev.Payload.InstanceID)
	assert.Equal(t, "ha2", ev.Payload.HAAddr)

	member, ok := m.Member(2)
	require.True(t, ok)
	assert.True(t, member.Alive)
	assert.Equal(t, RoleSlave, member.Role)
	assert.Equal(t, uint64(3), member.Epoch)
	assert.Equal(t, uint64(10), member.LastTxID)
	assert.True(t, m.IsAlive(2))
	assert.True(t, m.IsAlive(1), "self is always alive")
	assert.False(t, m.IsAlive(3))

	// A second heartbeat updates state without a second MemberAlive
	m.Heartbeat(Heartbeat{From: 2, ClusterAddr: "h2", HAAddr: "ha2", Role: RoleSlave, Epoch: 4})
	member, _ = m.Member(2)
	assert.Equal(t, uint64(4), member.Epoch)
	select {
	case <-alive:
		t.Fatal("unexpected MemberAlive for an already alive member")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMembership_IgnoresOwnHeartbeat(t *testing.T) {
	m, _ := newTestMembership(t, testConfig(), nil)

	m.Heartbeat(Heartbeat{From: 1, ClusterAddr: "h1"})
	m.Heartbeat(Heartbeat{From: NoInstance})

	assert.Empty(t, m.Members())
}

func TestMembership_ConflictingInstanceIDs(t *testing.T) {
	t.Run("another address claiming the local id", func(t *testing.T) {
		m, _ := newTestMembership(t, testConfig(), nil)

		err := m.Heartbeat(Heartbeat{From: 1, ClusterAddr: "h3"})
		assert.ErrorIs(t, err, haerr.ErrDuplicateInstanceID)
		assert.Equal(t, haerr.ConstraintViolation, haerr.KindOf(err))
		assert.Empty(t, m.Members())
	})

	t.Run("another address claiming an alive member's id", func(t *testing.T) {
		m, _ := newTestMembership(t, testConfig(), nil)

		require.NoError(t, m.Heartbeat(Heartbeat{From: 2, ClusterAddr: "h2", HAAddr: "ha2"}))
		err := m.Heartbeat(Heartbeat{From: 2, ClusterAddr: "h3", HAAddr: "ha3"})
		assert.ErrorIs(t, err, haerr.ErrDuplicateInstanceID)

		member, ok := m.Member(2)
		require.True(t, ok)
		assert.Equal(t, "h2", member.ClusterAddr)
		assert.Len(t, m.AliveMembers(), 1, "the impostor is not counted")
	})

	t.Run("a failed member may come back at a new address", func(t *testing.T) {
		m, _ := newTestMembership(t, testConfig(), nil)

		require.NoError(t, m.Heartbeat(Heartbeat{From: 2, ClusterAddr: "h2"}))
		m.MarkFailed(2)
		require.NoError(t, m.Heartbeat(Heartbeat{From: 2, ClusterAddr: "h3"}))

		member, _ := m.Member(2)
		assert.Equal(t, "h3", member.ClusterAddr)
		assert.True(t, member.Alive)
	})
}

func TestMembership_TimeoutFailsAndHeartbeatRejoins(t *testing.T) {
	m, bus := newTestMembership(t, testConfig(), nil)
	failed := make(chan *events.Event[events.MemberPayload], 4)
	alive := make(chan *events.Event[events.MemberPayload], 4)
	events.Subscribe(bus, events.MemberFailed, failed, events.SubscriptionOptions{})
	events.Subscribe(bus, events.MemberAlive, alive, events.SubscriptionOptions{})

	m.Heartbeat(Heartbeat{From: 3, ClusterAddr: "h3", HAAddr: "ha3"})
	expectEvent(t, alive)

	// Not yet expired
	m.CheckTimeouts(time.Now())
	assert.True(t, m.IsAlive(3))

	m.CheckTimeouts(time.Now().Add(time.Second))
	ev := expectEvent(t, failed)
	assert.Equal(t, 3, ev.Payload.InstanceID)
	assert.False(t, m.IsAlive(3))
	assert.Empty(t, m.AliveMembers())
	assert.Len(t, m.Members(), 1, "failed members are kept")

	m.Heartbeat(Heartbeat{From: 3, ClusterAddr: "h3", HAAddr: "ha3"})
	expectEvent(t, alive)
	assert.True(t, m.IsAlive(3))
}

func TestMembership_MarkFailedIsIdempotent(t *testing.T) {
	m, bus := newTestMembership(t, testConfig(), nil)
	failed := make(chan *events.Event[events.MemberPayload], 4)
	events.Subscribe(bus, events.MemberFailed, failed, events.SubscriptionOptions{})

	m.Heartbeat(Heartbeat{From: 2, ClusterAddr: "h2"})
	m.MarkFailed(2)
	m.MarkFailed(2)
	m.MarkFailed(42)

	expectEvent(t, failed)
	select {
	case <-failed:
		t.Fatal("member failed twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMembership_Quorum(t *testing.T) {
	m, bus := newTestMembership(t, testConfig("h1", "h2", "h3", "h4", "h5"), nil)
	joined := make(chan *events.Event[events.QuorumPayload], 4)
	detached := make(chan *events.Event[events.QuorumPayload], 4)
	events.Subscribe(bus, events.InstanceJoined, joined, events.SubscriptionOptions{})
	events.Subscribe(bus, events.InstanceDetached, detached, events.SubscriptionOptions{})

	assert.Equal(t, 5, m.ClusterSize())
	assert.False(t, m.HasQuorum())

	m.Heartbeat(Heartbeat{From: 2, ClusterAddr: "h2"})
	assert.False(t, m.HasQuorum(), "2 of 5 is no quorum")

	m.Heartbeat(Heartbeat{From: 3, ClusterAddr: "h3"})
	assert.True(t, m.HasQuorum(), "3 of 5 is a quorum")
	ev := expectEvent(t, joined)
	assert.Equal(t, 3, ev.Payload.Alive)
	assert.Equal(t, 5, ev.Payload.Configured)

	m.MarkFailed(3)
	assert.False(t, m.HasQuorum())
	ev = expectEvent(t, detached)
	assert.Equal(t, 2, ev.Payload.Alive)
}

func TestMembership_SingleInstanceHasQuorum(t *testing.T) {
	m, _ := newTestMembership(t, testConfig("h1"), nil)
	assert.True(t, m.HasQuorum())
	assert.Empty(t, m.Hosts())
}

func TestMembership_OnHeartbeatObservers(t *testing.T) {
	m, _ := newTestMembership(t, testConfig(), nil)

	var got []Heartbeat
	m.OnHeartbeat(func(hb Heartbeat) { got = append(got, hb) })

	m.Heartbeat(Heartbeat{From: 2, Epoch: 5, MasterID: 2})
	m.Heartbeat(Heartbeat{From: 1, Epoch: 9})

	require.Len(t, got, 1)
	assert.Equal(t, uint64(5), got[0].Epoch)
	assert.Equal(t, InstanceID(2), got[0].MasterID)
}

func TestMembership_Broadcast(t *testing.T) {
	sender := &mockSender{}
	sender.On("SendHeartbeat", mock.Anything, "h2", mock.MatchedBy(func(hb Heartbeat) bool {
		return hb.From == 1 && hb.ClusterAddr == "h1" && hb.HAAddr == "ha1" && hb.LastTxID == 7
	})).Return(nil)
	sender.On("SendHeartbeat", mock.Anything, "h3", mock.Anything).Return(errors.New("connection refused"))

	m, _ := newTestMembership(t, testConfig(), sender)
	m.Broadcast(context.Background())
	m.Broadcast(context.Background())

	sender.AssertNumberOfCalls(t, "SendHeartbeat", 4)
	sender.AssertNotCalled(t, "SendHeartbeat", mock.Anything, "h1", mock.Anything)
	assert.Equal(t, 2, m.sendFailures["h3"].Count())
	assert.Equal(t, 0, m.sendFailures["h2"].Count())
}

func TestMembership_Run(t *testing.T) {
	var mu sync.Mutex
	sent := map[string]int{}
	sender := HeartbeatSenderFunc(func(_ context.Context, addr string, _ Heartbeat) error {
		mu.Lock()
		defer mu.Unlock()
		sent[addr]++
		return nil
	})
	m, bus := newTestMembership(t, testConfig(), sender)
	failed := make(chan *events.Event[events.MemberPayload], 4)
	events.Subscribe(bus, events.MemberFailed, failed, events.SubscriptionOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.Heartbeat(Heartbeat{From: 2, ClusterAddr: "h2"})

	// Member 2 stops heartbeating and is failed by the loop
	ev := expectEvent(t, failed)
	assert.Equal(t, 2, ev.Payload.InstanceID)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sent["h2"] >= 2 && sent["h3"] >= 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestQuorumSize(t *testing.T) {
	assert.Equal(t, 1, QuorumSize(1))
	assert.Equal(t, 2, QuorumSize(2))
	assert.Equal(t, 2, QuorumSize(3))
	assert.Equal(t, 3, QuorumSize(4))
	assert.Equal(t, 3, QuorumSize(5))
}

func TestRole_String(t *testing.T) {
	assert.Equal(t, "MASTER", RoleMaster.String())
	assert.Equal(t, "SLAVE", RoleSlave.String())
	assert.Equal(t, "PENDING", RolePending.String())
	assert.Equal(t, "UNKNOWN", Role(9).String())
}
