// Package txlog is the committed transaction log of an instance. Transactions are numbered by the master in commit
// order starting at 1, and every instance applies them in exactly that order.
package txlog

import (
	"fmt"
	"hash/crc32"
	"time"
)

// CommandKind identifies a single graph mutation
type CommandKind int

const (
	CmdCreateNode CommandKind = iota + 1
	CmdDeleteNode
	CmdSetNodeProperty
	CmdRemoveNodeProperty
	CmdAddLabel
	CmdRemoveLabel
	CmdCreateRelationship
	CmdDeleteRelationship
	CmdCreateToken
	CmdCreateUniqueConstraint
)

func (k CommandKind) String() string {
	switch k {
	case CmdCreateNode:
		return "CreateNode"
	case CmdDeleteNode:
		return "DeleteNode"
	case CmdSetNodeProperty:
		return "SetNodeProperty"
	case CmdRemoveNodeProperty:
		return "RemoveNodeProperty"
	case CmdAddLabel:
		return "AddLabel"
	case CmdRemoveLabel:
		return "RemoveLabel"
	case CmdCreateRelationship:
		return "CreateRelationship"
	case CmdDeleteRelationship:
		return "DeleteRelationship"
	case CmdCreateToken:
		return "CreateToken"
	case CmdCreateUniqueConstraint:
		return "CreateUniqueConstraint"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// TokenKind is the namespace of a token
type TokenKind int

const (
	TokenLabel TokenKind = iota + 1
	TokenPropertyKey
	TokenRelationshipType
)

func (k TokenKind) String() string {
	switch k {
	case TokenLabel:
		return "label"
	case TokenPropertyKey:
		return "property key"
	case TokenRelationshipType:
		return "relationship type"
	default:
		return "unknown token"
	}
}

// Command is one mutation. Which fields are meaningful depends on Kind:
//
//	CreateNode, DeleteNode            NodeID
//	SetNodeProperty                   NodeID, Key, Value
//	RemoveNodeProperty                NodeID, Key
//	AddLabel, RemoveLabel             NodeID, Name
//	CreateRelationship                RelID, StartNode, EndNode, Name (type)
//	DeleteRelationship                RelID
//	CreateToken                       TokenKind, TokenID, Name
//	CreateUniqueConstraint            Name (label), Key (property key)
type Command struct {
	Kind      CommandKind
	NodeID    uint64
	RelID     uint64
	StartNode uint64
	EndNode   uint64
	Name      string
	Key       string
	Value     string
	TokenKind TokenKind
	TokenID   uint64
}

// Transaction is a committed unit of work as numbered by the master of Epoch
type Transaction struct {
	ID        uint64
	Epoch     uint64
	Master    int
	Timestamp time.Time
	Commands  []Command
	// Checksum covers every other field; two instances holding the same id with different checksums have branched
	Checksum uint32
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Seal computes and sets the checksum
func (tx *Transaction) Seal() {
	tx.Checksum = tx.computeChecksum()
}

// Verify reports whether the stored checksum matches the content
func (tx *Transaction) Verify() bool {
	return tx.Checksum == tx.computeChecksum()
}

func (tx *Transaction) computeChecksum() uint32 {
	return crc32.Checksum(encodeBody(tx), castagnoli)
}

func (tx Transaction) String() string {
	return fmt.Sprintf("tx %d (epoch %d, master %d, %d commands)", tx.ID, tx.Epoch, tx.Master, len(tx.Commands))
}
