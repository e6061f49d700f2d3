// Package transport carries the cluster and HA services of an instance over gRPC. There is no generated code:
// messages are plain Go structs encoded as JSON by a codec registered with gRPC, and the service descriptors are
// written by hand.
package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/election"
	"github.com/neo4j/neo4j-sub063/internal/ha"
	"github.com/neo4j/neo4j-sub063/internal/haerr"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

// codecName is the content subtype every call is made with
const codecName = "ha-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type empty struct{}

type heartbeatRequest struct {
	Heartbeat cluster.Heartbeat `json:"heartbeat"`
}

type prepareRequest struct {
	Request election.PrepareRequest `json:"request"`
}

type prepareResponse struct {
	Promise election.Promise `json:"promise"`
}

type acceptRequest struct {
	Request election.AcceptRequest `json:"request"`
}

type acceptResponse struct {
	Accepted election.Accepted `json:"accepted"`
}

type learnRequest struct {
	Request election.LearnRequest `json:"request"`
}

type commitRequest struct {
	Context  ha.RequestContext `json:"context"`
	Commands []txlog.Command   `json:"commands"`
}

type pullRequest struct {
	Context ha.RequestContext `json:"context"`
}

type allocateIDsRequest struct {
	Context ha.RequestContext `json:"context"`
	IDType  ha.IDType         `json:"id_type"`
}

type createTokenRequest struct {
	Context ha.RequestContext `json:"context"`
	Kind    txlog.TokenKind   `json:"kind"`
	Name    string            `json:"name"`
}

type pushRequest struct {
	Context     ha.RequestContext `json:"context"`
	Transaction []byte            `json:"transaction"`
}

// response is the wire form of ha.Response. Transactions travel in their binary log encoding so that checksums
// survive the trip unchanged.
type response[T any] struct {
	Value        T        `json:"value"`
	Transactions [][]byte `json:"transactions,omitempty"`
}

func toWire[T any](resp ha.Response[T]) *response[T] {
	wire := &response[T]{Value: resp.Value, Transactions: make([][]byte, 0, len(resp.Transactions))}
	for _, tx := range resp.Transactions {
		wire.Transactions = append(wire.Transactions, txlog.Encode(tx))
	}
	return wire
}

func fromWire[T any](op string, wire *response[T]) (ha.Response[T], error) {
	resp := ha.Response[T]{Value: wire.Value}
	for i, raw := range wire.Transactions {
		tx, err := txlog.Decode(raw)
		if err != nil {
			return ha.Response[T]{}, haerr.NewFatal(op, fmt.Errorf("transaction %d of the response: %w", i, err))
		}
		resp.Transactions = append(resp.Transactions, tx)
	}
	return resp, nil
}
