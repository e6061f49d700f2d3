package ha

import (
	"sync"
	"time"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/election"
)

// State is the HA state of an instance. Every instance starts in Pending. From Pending it moves through ToMaster or
// ToSlave into Master or Slave, and drops back to Pending on quorum loss, master failure or an invalid epoch.
type State int

const (
	Pending State = iota
	ToMaster
	ToSlave
	Master
	Slave
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case ToMaster:
		return "TO_MASTER"
	case ToSlave:
		return "TO_SLAVE"
	case Master:
		return "MASTER"
	case Slave:
		return "SLAVE"
	default:
		return "UNKNOWN"
	}
}

// Role is the role announced to the cluster in heartbeats. Transitional states announce Pending.
func (s State) Role() cluster.Role {
	switch s {
	case Master:
		return cluster.RoleMaster
	case Slave:
		return cluster.RoleSlave
	default:
		return cluster.RolePending
	}
}

// Available reports whether writes may be attempted in s
func (s State) Available() bool {
	return s == Master || s == Slave
}

// stateHolder is a container for the state variables shared between the state machine, the request handlers and
// the puller. It provides thread safe getters and setters.
type stateHolder struct {
	// Protects all fields below
	mu sync.RWMutex

	state State
	// The epoch the instance serves in. It is set when a switch to master or slave begins and is what every request
	// context sent to the master carries.
	epoch uint64
	// The master of epoch. Zero while Pending.
	master election.Master
	// When the instance last entered Pending
	pendingSince time.Time
}

func (s *stateHolder) getState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *stateHolder) setState(state State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.state
	s.state = state
	if state == Pending && previous != Pending {
		s.pendingSince = time.Now()
	}
	return previous
}

func (s *stateHolder) getEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func (s *stateHolder) getMaster() election.Master {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.master
}

// serve records the epoch and master the instance is switching to
func (s *stateHolder) serve(learned election.Learned) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch = learned.Epoch
	s.master = learned.Master
}

func (s *stateHolder) getPendingSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingSince
}

// snapshot returns state, epoch and master read atomically
func (s *stateHolder) snapshot() (State, uint64, election.Master) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.epoch, s.master
}
