package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/neo4j/neo4j-sub063/internal/events"
	"github.com/neo4j/neo4j-sub063/internal/haerr"
	"github.com/neo4j/neo4j-sub063/internal/logging"
)

// Config configures a Membership
type Config struct {
	Self InstanceID
	// ClusterAddr and HAAddr are the local addresses announced in heartbeats
	ClusterAddr string
	HAAddr      string
	// InitialHosts are the cluster addresses of all configured members. Heartbeats go to every one of them except
	// ClusterAddr.
	InitialHosts      []string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Logger            logging.Logger
}

func validateConfig(cfg Config) error {
	if cfg.Self == NoInstance {
		return fmt.Errorf("self instance id is required")
	}
	if len(cfg.InitialHosts) == 0 {
		return fmt.Errorf("initial hosts are required")
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout must be greater than the heartbeat interval")
	}
	return nil
}

// Membership is the heartbeat based failure detector of one instance. A member is alive while heartbeats from it
// keep arriving within the heartbeat timeout. A failed member that heartbeats again rejoins, members are never
// evicted permanently.
type Membership struct {
	mu      sync.RWMutex
	config  Config
	members map[InstanceID]*Member
	// quorumMu serializes quorum transitions so InstanceJoined and InstanceDetached are published in order
	quorumMu sync.Mutex
	quorum   bool

	bus       *events.Bus
	sender    HeartbeatSender
	local     func() Heartbeat
	observers []func(Heartbeat)

	sendFailures map[string]*logging.CappedLogger
	trigger      chan struct{}
	logger       logging.Logger
}

// NewMembership creates the failure detector. local is asked for the current role, epoch, master and last tx id
// every time a heartbeat is sent.
func NewMembership(cfg Config, sender HeartbeatSender, local func() Heartbeat, bus *events.Bus) (*Membership, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid membership config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	m := &Membership{
		config:       cfg,
		members:      make(map[InstanceID]*Member),
		bus:          bus,
		sender:       sender,
		local:        local,
		sendFailures: make(map[string]*logging.CappedLogger),
		trigger:      make(chan struct{}, 1),
		logger:       cfg.Logger,
	}
	for _, host := range cfg.InitialHosts {
		m.sendFailures[host] = logging.NewCappedLogger(cfg.Logger, "heartbeat failures to "+host, 3)
	}
	return m, nil
}

// OnHeartbeat registers fn to be called, outside of any lock, with every heartbeat received from another member
func (m *Membership) OnHeartbeat(fn func(Heartbeat)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Heartbeat records a heartbeat received from another member. A heartbeat claiming the local id from another address,
// or the id of an alive member from another address, is rejected with ErrDuplicateInstanceID and leaves the member
// list untouched.
func (m *Membership) Heartbeat(hb Heartbeat) error {
	if hb.From == NoInstance {
		return nil
	}
	if hb.From == m.config.Self {
		if hb.ClusterAddr == m.config.ClusterAddr {
			return nil
		}
		return m.conflict(hb, m.config.ClusterAddr)
	}

	m.mu.Lock()
	member, exists := m.members[hb.From]
	if exists && member.Alive && member.ClusterAddr != hb.ClusterAddr {
		owner := member.ClusterAddr
		m.mu.Unlock()
		return m.conflict(hb, owner)
	}
	rejoined := !exists || !member.Alive
	if !exists {
		member = &Member{ID: hb.From}
		m.members[hb.From] = member
	}
	member.ClusterAddr = hb.ClusterAddr
	member.HAAddr = hb.HAAddr
	member.Role = hb.Role
	member.Epoch = hb.Epoch
	member.LastTxID = hb.LastTxID
	member.Alive = true
	member.LastHeartbeat = time.Now()
	observers := append([]func(Heartbeat){}, m.observers...)
	m.mu.Unlock()

	if rejoined {
		m.logger.Infof("[Membership] Instance %d at %s is alive", hb.From, hb.ClusterAddr)
		m.publishMember(events.MemberAlive, hb.From, hb.ClusterAddr, hb.HAAddr)
	}
	for _, observer := range observers {
		observer(hb)
	}
	m.evaluateQuorum()
	return nil
}

func (m *Membership) conflict(hb Heartbeat, owner string) error {
	m.logger.Errorf("[Membership] Instance id %d is configured at both %s and %s, ignoring the heartbeat from %s",
		hb.From, owner, hb.ClusterAddr, hb.ClusterAddr)
	return haerr.NewConstraintViolation("heartbeat", fmt.Errorf("%w: instance %d at %s, heartbeat from %s",
		haerr.ErrDuplicateInstanceID, hb.From, owner, hb.ClusterAddr))
}

// MarkFailed marks an alive member as failed
func (m *Membership) MarkFailed(id InstanceID) {
	m.mu.Lock()
	member, exists := m.members[id]
	if !exists || !member.Alive {
		m.mu.Unlock()
		return
	}
	member.Alive = false
	clusterAddr, haAddr := member.ClusterAddr, member.HAAddr
	m.mu.Unlock()

	m.logger.Warnf("[Membership] Instance %d at %s failed", id, clusterAddr)
	m.publishMember(events.MemberFailed, id, clusterAddr, haAddr)
	m.evaluateQuorum()
}

// CheckTimeouts fails every alive member whose last heartbeat is older than the heartbeat timeout at now
func (m *Membership) CheckTimeouts(now time.Time) {
	m.mu.RLock()
	var expired []InstanceID
	for id, member := range m.members {
		if member.Alive && now.Sub(member.LastHeartbeat) > m.config.HeartbeatTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.MarkFailed(id)
	}
}

// HasQuorum reports whether a majority of the configured members, self included, is alive
func (m *Membership) HasQuorum() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasQuorumLocked()
}

func (m *Membership) hasQuorumLocked() bool {
	return m.aliveCountLocked() >= QuorumSize(len(m.config.InitialHosts))
}

func (m *Membership) aliveCountLocked() int {
	alive := 1 // self
	for _, member := range m.members {
		if member.Alive {
			alive++
		}
	}
	return alive
}

func (m *Membership) evaluateQuorum() {
	m.quorumMu.Lock()
	defer m.quorumMu.Unlock()

	m.mu.Lock()
	had := m.quorum
	has := m.hasQuorumLocked()
	m.quorum = has
	alive := m.aliveCountLocked()
	m.mu.Unlock()

	if had == has {
		return
	}

	payload := events.QuorumPayload{Alive: alive, Configured: len(m.config.InitialHosts)}
	if has {
		m.logger.Infof("[Membership] Quorum reached with %d of %d instances", alive, payload.Configured)
		m.publishQuorum(events.InstanceJoined, payload)
	} else {
		m.logger.Warnf("[Membership] Quorum lost, %d of %d instances alive", alive, payload.Configured)
		m.publishQuorum(events.InstanceDetached, payload)
	}
}

// Member returns a copy of the local view of member id
func (m *Membership) Member(id InstanceID) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	member, exists := m.members[id]
	if !exists {
		return Member{}, false
	}
	return *member, true
}

// IsAlive reports whether id is the local instance or an alive member
func (m *Membership) IsAlive(id InstanceID) bool {
	if id == m.config.Self {
		return true
	}
	member, ok := m.Member(id)
	return ok && member.Alive
}

// Members returns copies of every known member ordered by id
func (m *Membership) Members() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		members = append(members, *member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

// AliveMembers returns copies of every alive member ordered by id
func (m *Membership) AliveMembers() []Member {
	all := m.Members()
	alive := all[:0]
	for _, member := range all {
		if member.Alive {
			alive = append(alive, member)
		}
	}
	return alive
}

func (m *Membership) Self() InstanceID {
	return m.config.Self
}

// ClusterSize is the number of configured members
func (m *Membership) ClusterSize() int {
	return len(m.config.InitialHosts)
}

// Hosts returns the configured cluster addresses of the other members
func (m *Membership) Hosts() []string {
	hosts := make([]string, 0, len(m.config.InitialHosts))
	for _, host := range m.config.InitialHosts {
		if host != m.config.ClusterAddr {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// Trigger asks the heartbeat loop to send heartbeats right away, e.g. after a role change
func (m *Membership) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run sends heartbeats and checks for timed out members every heartbeat interval until ctx is done
func (m *Membership) Run(ctx context.Context) {
	m.logger.Infof("[Membership] Starting heartbeats every %v to %d hosts", m.config.HeartbeatInterval,
		len(m.Hosts()))

	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	m.evaluateQuorum()
	m.Broadcast(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Debugf("[Membership] Heartbeat loop stopped")
			return
		case <-m.trigger:
			m.Broadcast(ctx)
		case now := <-ticker.C:
			m.Broadcast(ctx)
			m.CheckTimeouts(now)
		}
	}
}

// Broadcast sends the local heartbeat to every other configured host in parallel and waits for all sends
func (m *Membership) Broadcast(ctx context.Context) {
	hb := m.local()
	hb.From = m.config.Self
	hb.ClusterAddr = m.config.ClusterAddr
	hb.HAAddr = m.config.HAAddr
	hb.SentAt = time.Now()

	var wg sync.WaitGroup
	for _, host := range m.Hosts() {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, m.config.HeartbeatInterval)
			defer cancel()

			capped := m.sendFailures[host]
			if err := m.sender.SendHeartbeat(sendCtx, host, hb); err != nil {
				if errors.Is(err, haerr.ErrDuplicateInstanceID) {
					m.logger.Errorf("[Membership] %s rejected the heartbeat of instance %d: %v", host, m.config.Self, err)
					return
				}
				if ctx.Err() == nil {
					capped.Warnf("[Membership] Failed to send heartbeat to %s: %v", host, err)
				}
				return
			}
			capped.Reset()
		}(host)
	}
	wg.Wait()
}

func (m *Membership) publishMember(eventType events.Type, id InstanceID, clusterAddr, haAddr string) {
	if m.bus == nil {
		return
	}
	events.Publish(m.bus, events.NewEvent(eventType, events.MemberPayload{
		InstanceID:  int(id),
		ClusterAddr: clusterAddr,
		HAAddr:      haAddr,
	}))
}

func (m *Membership) publishQuorum(eventType events.Type, payload events.QuorumPayload) {
	if m.bus == nil {
		return
	}
	events.Publish(m.bus, events.NewEvent(eventType, payload))
}
