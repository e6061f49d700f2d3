// Package election decides which instance becomes master for the next epoch. Each epoch is one instance of
// single-decree Paxos: the proposer collects promises from a majority of configured members, proposes the best
// candidate among them and broadcasts the chosen master once a majority accepted it. The learned (epoch, master)
// pair is the only election outcome the rest of the system ever sees.
package election

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
)

var (
	// ErrRejected is returned when a majority was reachable but some acceptors promised a higher ballot
	ErrRejected = errors.New("ballot rejected")
	// ErrMasterAlive is returned when a majority of acceptors still serve under a live master
	ErrMasterAlive = errors.New("acceptors still serve a live master")
)

// Ballot orders competing proposals within one epoch
type Ballot struct {
	Round    uint64             `json:"round"`
	Proposer cluster.InstanceID `json:"proposer"`
}

// Less reports whether b is ordered before other
func (b Ballot) Less(other Ballot) bool {
	if b.Round != other.Round {
		return b.Round < other.Round
	}
	return b.Proposer < other.Proposer
}

func (b Ballot) IsZero() bool {
	return b.Round == 0 && b.Proposer == cluster.NoInstance
}

func (b Ballot) String() string {
	return fmt.Sprintf("%d.%d", b.Round, b.Proposer)
}

// Master identifies the elected master and where to reach it
type Master struct {
	ID          cluster.InstanceID `json:"id"`
	ClusterAddr string             `json:"cluster_addr"`
	HAAddr      string             `json:"ha_addr"`
}

// Learned is a decided election: Master serves Epoch
type Learned struct {
	Epoch  uint64 `json:"epoch"`
	Master Master `json:"master"`
}

// Credentials describe a candidate. Acceptors attach their own credentials to every promise.
type Credentials struct {
	ID          cluster.InstanceID `json:"id"`
	ClusterAddr string             `json:"cluster_addr"`
	HAAddr      string             `json:"ha_addr"`
	LastTxID    uint64             `json:"last_tx_id"`
}

func (c Credentials) master() Master {
	return Master{ID: c.ID, ClusterAddr: c.ClusterAddr, HAAddr: c.HAAddr}
}

// Comparator reports whether candidate a should win over candidate b
type Comparator func(a, b Credentials) bool

// DefaultComparator prefers the candidate with the highest last committed transaction id, then the lowest
// instance id
func DefaultComparator(a, b Credentials) bool {
	if a.LastTxID != b.LastTxID {
		return a.LastTxID > b.LastTxID
	}
	return a.ID < b.ID
}

type PrepareRequest struct {
	Epoch  uint64 `json:"epoch"`
	Ballot Ballot `json:"ballot"`
}

// Promise answers a PrepareRequest. When OK is false, Promised, Learned and MasterAlive tell the proposer why.
type Promise struct {
	OK       bool   `json:"ok"`
	Promised Ballot `json:"promised"`

	// Set when the acceptor already accepted a value in this epoch
	AcceptedBallot Ballot  `json:"accepted_ballot"`
	AcceptedValue  *Master `json:"accepted_value,omitempty"`

	Credentials Credentials `json:"credentials"`
	Learned     Learned     `json:"learned"`
	MasterAlive bool        `json:"master_alive"`
}

type AcceptRequest struct {
	Epoch  uint64 `json:"epoch"`
	Ballot Ballot `json:"ballot"`
	Value  Master `json:"value"`
}

type Accepted struct {
	OK       bool    `json:"ok"`
	Promised Ballot  `json:"promised"`
	Learned  Learned `json:"learned"`
}

type LearnRequest struct {
	Learned Learned `json:"learned"`
}

// Transport carries election messages to the acceptor behind a cluster address
type Transport interface {
	Prepare(ctx context.Context, addr string, req PrepareRequest) (Promise, error)
	Accept(ctx context.Context, addr string, req AcceptRequest) (Accepted, error)
	Learn(ctx context.Context, addr string, req LearnRequest) error
}
