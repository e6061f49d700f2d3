package hatest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/config"
	"github.com/neo4j/neo4j-sub063/internal/election"
	"github.com/neo4j/neo4j-sub063/internal/ha"
	"github.com/neo4j/neo4j-sub063/internal/logging"
)

// DefaultTimeout bounds every wait of the harness
const DefaultTimeout = 15 * time.Second

// RepairKit undoes one injected fault
type RepairKit struct {
	repair func() error
}

// Repair undoes the fault. Repairing twice is a no-op.
func (k *RepairKit) Repair() error {
	if k.repair == nil {
		return nil
	}
	repair := k.repair
	k.repair = nil
	return repair()
}

// Cluster is a cluster of instances on one Network. Instances keep their store directory across Kill and Repair.
type Cluster struct {
	t       testing.TB
	network *Network

	mu        sync.Mutex
	configs   map[cluster.InstanceID]config.Config
	instances map[cluster.InstanceID]*ha.Instance
	compare   election.Comparator
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewCluster configures size instances with ids 1..size. Every configure function is applied to every
// configuration. Nothing runs until Start.
func NewCluster(t testing.TB, size int, configure ...func(*config.Config)) *Cluster {
	t.Helper()

	hosts := make(config.HostList, 0, size)
	for id := 1; id <= size; id++ {
		hosts = append(hosts, clusterAddr(cluster.InstanceID(id)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		t:         t,
		network:   NewNetwork(),
		configs:   make(map[cluster.InstanceID]config.Config),
		instances: make(map[cluster.InstanceID]*ha.Instance),
		ctx:       ctx,
		cancel:    cancel,
	}

	for id := 1; id <= size; id++ {
		cfg := config.DefaultConfig()
		cfg.ServerID = id
		cfg.ClusterServer = clusterAddr(cluster.InstanceID(id))
		cfg.HAServer = haAddr(cluster.InstanceID(id))
		cfg.InitialHosts = hosts
		cfg.PullInterval = config.Duration(100 * time.Millisecond)
		cfg.HeartbeatInterval = config.Duration(50 * time.Millisecond)
		cfg.HeartbeatTimeout = config.Duration(500 * time.Millisecond)
		cfg.StateSwitchTimeout = config.Duration(3 * time.Second)
		cfg.StoreDir = t.TempDir()
		for _, fn := range configure {
			fn(cfg)
		}
		c.configs[cluster.InstanceID(id)] = *cfg
	}

	t.Cleanup(c.Stop)
	return c
}

func clusterAddr(id cluster.InstanceID) string {
	return fmt.Sprintf("instance%d:5001", id)
}

func haAddr(id cluster.InstanceID) string {
	return fmt.Sprintf("instance%d:6001", id)
}

// UseComparator makes instances started from now on pick masters with compare instead of the default
func (c *Cluster) UseComparator(compare election.Comparator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compare = compare
}

// Network returns the network the instances talk over
func (c *Cluster) Network() *Network {
	return c.network
}

// Start starts every configured instance
func (c *Cluster) Start() {
	c.t.Helper()

	var g errgroup.Group
	for _, id := range c.IDs() {
		id := id
		g.Go(func() error { return c.start(id) })
	}
	require.NoError(c.t, g.Wait())
}

func (c *Cluster) start(id cluster.InstanceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, running := c.instances[id]; running {
		return nil
	}
	cfg := c.configs[id]

	instance, err := ha.NewInstance(cfg, ha.Options{
		Network:    c.network.For(id),
		Comparator: c.compare,
		Logger:     newLogger(id, cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("instance %d: %w", id, err)
	}
	c.network.Register(id, cfg.ClusterServer, instance.ClusterService(), cfg.HAServer, instance.HAService())
	if err := instance.Start(c.ctx); err != nil {
		c.network.Unregister(cfg.ClusterServer, cfg.HAServer)
		return fmt.Errorf("instance %d: %w", id, err)
	}
	c.instances[id] = instance
	return nil
}

// newLogger keeps test output quiet unless HA_TEST_LOG is set
func newLogger(id cluster.InstanceID, level string) logging.Logger {
	if os.Getenv("HA_TEST_LOG") == "" {
		return logging.Nop()
	}
	return logging.New(fmt.Sprintf("instance-%d", id), level)
}

// Stop stops every running instance
func (c *Cluster) Stop() {
	var g errgroup.Group
	for _, id := range c.IDs() {
		id := id
		g.Go(func() error { return c.stop(id) })
	}
	if err := g.Wait(); err != nil {
		c.t.Errorf("failed to stop the cluster: %v", err)
	}
	c.cancel()
}

func (c *Cluster) stop(id cluster.InstanceID) error {
	c.mu.Lock()
	instance, running := c.instances[id]
	delete(c.instances, id)
	cfg := c.configs[id]
	c.mu.Unlock()

	if !running {
		return nil
	}
	c.network.Unregister(cfg.ClusterServer, cfg.HAServer)
	return instance.Stop()
}

// Kill stops instance id. Repair starts it again on the same store.
func (c *Cluster) Kill(id cluster.InstanceID) *RepairKit {
	c.t.Helper()
	require.NoError(c.t, c.stop(id))
	return &RepairKit{repair: func() error { return c.start(id) }}
}

// Isolate cuts every link between instance id and the rest of the cluster, both ways. Repair restores them.
func (c *Cluster) Isolate(id cluster.InstanceID) *RepairKit {
	for _, other := range c.IDs() {
		if other == id {
			continue
		}
		c.network.Block(id, other)
		c.network.Block(other, id)
	}
	return &RepairKit{repair: func() error {
		for _, other := range c.IDs() {
			c.network.Unblock(id, other)
			c.network.Unblock(other, id)
		}
		return nil
	}}
}

// IDs lists the configured instance ids in ascending order
func (c *Cluster) IDs() []cluster.InstanceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]cluster.InstanceID, 0, len(c.configs))
	for id := range c.configs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Instance returns the running instance id, nil when it is not running
func (c *Cluster) Instance(id cluster.InstanceID) *ha.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instances[id]
}

// Running lists the running instances in ascending id order
func (c *Cluster) Running() []*ha.Instance {
	var running []*ha.Instance
	for _, id := range c.IDs() {
		if instance := c.Instance(id); instance != nil {
			running = append(running, instance)
		}
	}
	return running
}

// Master returns the running instance in state Master, nil when there is none or more than one
func (c *Cluster) Master() *ha.Instance {
	var master *ha.Instance
	for _, instance := range c.Running() {
		if instance.State() == ha.Master {
			if master != nil {
				return nil
			}
			master = instance
		}
	}
	return master
}

// Slaves returns the running instances in state Slave in ascending id order
func (c *Cluster) Slaves() []*ha.Instance {
	var slaves []*ha.Instance
	for _, instance := range c.Running() {
		if instance.State() == ha.Slave {
			slaves = append(slaves, instance)
		}
	}
	return slaves
}

// await fails the test unless cond holds within DefaultTimeout
func (c *Cluster) await(what string, cond func() bool) {
	c.t.Helper()
	require.Eventually(c.t, cond, DefaultTimeout, 10*time.Millisecond, "timed out waiting for %s", what)
}

// AwaitMaster waits until exactly one running instance is master and returns it
func (c *Cluster) AwaitMaster() *ha.Instance {
	c.t.Helper()
	var master *ha.Instance
	c.await("a master", func() bool {
		master = c.Master()
		return master != nil
	})
	return master
}

// AwaitAllAvailable waits until one running instance is master, every other running instance is its slave and
// the master sees all of them as slaves of its epoch. It returns the master.
func (c *Cluster) AwaitAllAvailable() *ha.Instance {
	c.t.Helper()
	var master *ha.Instance
	c.await("every instance to be available", func() bool {
		master = c.Master()
		if master == nil {
			return false
		}
		epoch := master.Epoch()
		for _, instance := range c.Running() {
			if instance == master {
				continue
			}
			if instance.State() != ha.Slave || instance.Epoch() != epoch {
				return false
			}
			member, ok := memberOf(master, instance.ID())
			if !ok || !member.Alive || member.Role != cluster.RoleSlave || member.Epoch != epoch {
				return false
			}
		}
		return true
	})
	return master
}

// AwaitState waits until instance id is in state
func (c *Cluster) AwaitState(id cluster.InstanceID, state ha.State) {
	c.t.Helper()
	c.await(fmt.Sprintf("instance %d to be %v", id, state), func() bool {
		instance := c.Instance(id)
		return instance != nil && instance.State() == state
	})
}

func memberOf(instance *ha.Instance, id cluster.InstanceID) (cluster.Member, bool) {
	for _, member := range instance.Members() {
		if member.ID == id {
			return member, true
		}
	}
	return cluster.Member{}, false
}
