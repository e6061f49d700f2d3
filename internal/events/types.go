// Package events is the tagged-event bus of an HA instance. Cluster membership, the election and the role state
// machine publish and consume the event types declared here instead of registering listener objects on each other.
package events

// Type identifies a cluster event. Each Type has exactly one payload type, documented next to it.
type Type int

const (
	// Shutdown is published when the instance stops. Payload: struct{}.
	Shutdown Type = iota
	// MemberAlive is published when a member starts heartbeating, or heartbeats again after being failed.
	// Payload: MemberPayload.
	MemberAlive
	// MemberFailed is published when a member missed heartbeats for longer than the heartbeat timeout.
	// Payload: MemberPayload.
	MemberFailed
	// MasterElected is published when an election result for a new epoch is learned. Payload: MasterElectedPayload.
	MasterElected
	// MasterAvailable is published once the local instance finished switching to master.
	// Payload: RoleAvailablePayload.
	MasterAvailable
	// SlaveAvailable is published once the local instance finished switching to slave.
	// Payload: RoleAvailablePayload.
	SlaveAvailable
	// InstanceDetached is published when the instance can no longer see a quorum. Payload: QuorumPayload.
	InstanceDetached
	// InstanceJoined is published when the instance sees a quorum again. Payload: QuorumPayload.
	InstanceJoined
	// RoleChanged is published on every state machine transition. Payload: RoleChangedPayload.
	RoleChanged
	// InvalidEpochDetected is published when a master rejected a request because of its epoch.
	// Payload: InvalidEpochPayload.
	InvalidEpochDetected
)

func (t Type) String() string {
	switch t {
	case Shutdown:
		return "Shutdown"
	case MemberAlive:
		return "MemberAlive"
	case MemberFailed:
		return "MemberFailed"
	case MasterElected:
		return "MasterElected"
	case MasterAvailable:
		return "MasterAvailable"
	case SlaveAvailable:
		return "SlaveAvailable"
	case InstanceDetached:
		return "InstanceDetached"
	case InstanceJoined:
		return "InstanceJoined"
	case RoleChanged:
		return "RoleChanged"
	case InvalidEpochDetected:
		return "InvalidEpochDetected"
	default:
		return "Unknown"
	}
}

// MemberPayload travels with MemberAlive and MemberFailed
type MemberPayload struct {
	InstanceID  int
	ClusterAddr string
	HAAddr      string
}

// MasterElectedPayload travels with MasterElected
type MasterElectedPayload struct {
	Epoch             uint64
	MasterID          int
	MasterClusterAddr string
	MasterHAAddr      string
}

// RoleAvailablePayload travels with MasterAvailable and SlaveAvailable
type RoleAvailablePayload struct {
	InstanceID int
	Epoch      uint64
	HAAddr     string
}

// QuorumPayload travels with InstanceDetached and InstanceJoined
type QuorumPayload struct {
	Alive      int
	Configured int
}

// RoleChangedPayload travels with RoleChanged. States are the string form of the state machine states.
type RoleChangedPayload struct {
	From  string
	To    string
	Epoch uint64
}

// InvalidEpochPayload travels with InvalidEpochDetected
type InvalidEpochPayload struct {
	Epoch uint64
	Err   error
}
