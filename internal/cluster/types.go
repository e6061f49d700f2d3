// Package cluster tracks which instances of the HA cluster are alive, based on periodic heartbeats, and whether
// the local instance can see a quorum of them.
package cluster

import (
	"context"
	"time"
)

// InstanceID is the configured, cluster-unique id of an instance
type InstanceID int

// NoInstance marks the absence of an instance, e.g. no known master
const NoInstance InstanceID = 0

// Role is the cluster-visible role of an instance
type Role int

const (
	RoleUnknown Role = iota
	RolePending
	RoleMaster
	RoleSlave
)

func (r Role) String() string {
	switch r {
	case RolePending:
		return "PENDING"
	case RoleMaster:
		return "MASTER"
	case RoleSlave:
		return "SLAVE"
	default:
		return "UNKNOWN"
	}
}

// Member is the local view of another instance
type Member struct {
	ID          InstanceID
	ClusterAddr string
	HAAddr      string
	Role        Role
	Alive       bool
	// Epoch the member reported it is serving in
	Epoch uint64
	// LastTxID is the last committed transaction id the member reported
	LastTxID      uint64
	LastHeartbeat time.Time
}

// Heartbeat is the liveness message every instance sends to every configured host. Besides liveness it carries
// enough state for the receiver to learn about the current master and epoch.
type Heartbeat struct {
	From        InstanceID `json:"from"`
	ClusterAddr string     `json:"cluster_addr"`
	HAAddr      string     `json:"ha_addr"`
	Role        Role       `json:"role"`
	Epoch       uint64     `json:"epoch"`

	MasterID          InstanceID `json:"master_id"`
	MasterClusterAddr string     `json:"master_cluster_addr,omitempty"`
	MasterHAAddr      string     `json:"master_ha_addr,omitempty"`

	LastTxID uint64    `json:"last_tx_id"`
	SentAt   time.Time `json:"sent_at"`
}

// HeartbeatSender delivers a heartbeat to the cluster service listening on addr
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context, addr string, hb Heartbeat) error
}

// HeartbeatSenderFunc adapts a function to HeartbeatSender
type HeartbeatSenderFunc func(ctx context.Context, addr string, hb Heartbeat) error

func (f HeartbeatSenderFunc) SendHeartbeat(ctx context.Context, addr string, hb Heartbeat) error {
	return f(ctx, addr, hb)
}

// QuorumSize is the number of alive instances, self included, needed out of clusterSize configured ones
func QuorumSize(clusterSize int) int {
	return clusterSize/2 + 1
}
