package ha

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

// RequestContext accompanies every request to the master. Epoch fences requests from instances that serve another
// master, TxID and Checksum identify the requester's last committed transaction so the master can detect a branched
// store and knows which transactions to stream back.
type RequestContext struct {
	Epoch           uint64             `json:"epoch"`
	SessionID       string             `json:"session_id"`
	EventIdentifier string             `json:"event_identifier"`
	InstanceID      cluster.InstanceID `json:"instance_id"`
	TxID            uint64             `json:"tx_id"`
	Checksum        uint32             `json:"checksum"`
}

func (rc RequestContext) String() string {
	return fmt.Sprintf("RequestContext{epoch=%d, instance=%d, tx=%d, event=%s}", rc.Epoch, rc.InstanceID, rc.TxID,
		rc.EventIdentifier)
}

// Response is a master response. Transactions are the committed transactions the requester is missing, in commit
// order; the requester applies them before using Value.
type Response[T any] struct {
	Value        T                   `json:"value"`
	Transactions []txlog.Transaction `json:"-"`
}

// requestContextFactory builds request contexts for one instance. The session id lives as long as the instance.
type requestContextFactory struct {
	self      cluster.InstanceID
	sessionID string
	state     *stateHolder
	log       txlog.Store
}

func newRequestContextFactory(self cluster.InstanceID, state *stateHolder, log txlog.Store) *requestContextFactory {
	return &requestContextFactory{
		self:      self,
		sessionID: uuid.NewString(),
		state:     state,
		log:       log,
	}
}

// newRequestContext describes the local store at the epoch currently served
func (f *requestContextFactory) newRequestContext() (RequestContext, error) {
	lastTxID := f.log.LastTxID()
	checksum, err := f.log.Checksum(lastTxID)
	if err != nil {
		return RequestContext{}, fmt.Errorf("failed to read checksum of transaction %d: %w", lastTxID, err)
	}

	return RequestContext{
		Epoch:           f.state.getEpoch(),
		SessionID:       f.sessionID,
		EventIdentifier: uuid.NewString(),
		InstanceID:      f.self,
		TxID:            lastTxID,
		Checksum:        checksum,
	}, nil
}

// IDType names an id space handed out by the master
type IDType int

const (
	IDTypeNode IDType = iota + 1
	IDTypeRelationship
)

func (t IDType) String() string {
	switch t {
	case IDTypeNode:
		return "node"
	case IDTypeRelationship:
		return "relationship"
	default:
		return fmt.Sprintf("IDType(%d)", int(t))
	}
}

// IDRange is a batch of consecutive ids [Start, Start+Count)
type IDRange struct {
	Start uint64 `json:"start"`
	Count uint64 `json:"count"`
}
