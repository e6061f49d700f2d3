package txlog

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the transaction wire format. The layout is protobuf compatible so the log can be inspected with
// standard protobuf tooling.
const (
	txFieldID        protowire.Number = 1
	txFieldEpoch     protowire.Number = 2
	txFieldMaster    protowire.Number = 3
	txFieldTimestamp protowire.Number = 4
	txFieldCommand   protowire.Number = 5
	txFieldChecksum  protowire.Number = 6

	cmdFieldKind      protowire.Number = 1
	cmdFieldNodeID    protowire.Number = 2
	cmdFieldRelID     protowire.Number = 3
	cmdFieldStartNode protowire.Number = 4
	cmdFieldEndNode   protowire.Number = 5
	cmdFieldName      protowire.Number = 6
	cmdFieldKey       protowire.Number = 7
	cmdFieldValue     protowire.Number = 8
	cmdFieldTokenKind protowire.Number = 9
	cmdFieldTokenID   protowire.Number = 10
)

var ErrMalformed = errors.New("malformed transaction")

// Encode serializes a transaction including its checksum
func Encode(tx Transaction) []byte {
	b := encodeBody(&tx)
	b = protowire.AppendTag(b, txFieldChecksum, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, tx.Checksum)
	return b
}

// encodeBody serializes every field but the checksum
func encodeBody(tx *Transaction) []byte {
	var b []byte
	b = appendVarint(b, txFieldID, tx.ID)
	b = appendVarint(b, txFieldEpoch, tx.Epoch)
	b = appendVarint(b, txFieldMaster, uint64(tx.Master))
	if !tx.Timestamp.IsZero() {
		b = appendVarint(b, txFieldTimestamp, uint64(tx.Timestamp.UnixNano()))
	}
	for i := range tx.Commands {
		b = protowire.AppendTag(b, txFieldCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeCommand(&tx.Commands[i]))
	}
	return b
}

func encodeCommand(cmd *Command) []byte {
	var b []byte
	b = appendVarint(b, cmdFieldKind, uint64(cmd.Kind))
	b = appendVarint(b, cmdFieldNodeID, cmd.NodeID)
	b = appendVarint(b, cmdFieldRelID, cmd.RelID)
	b = appendVarint(b, cmdFieldStartNode, cmd.StartNode)
	b = appendVarint(b, cmdFieldEndNode, cmd.EndNode)
	b = appendString(b, cmdFieldName, cmd.Name)
	b = appendString(b, cmdFieldKey, cmd.Key)
	b = appendString(b, cmdFieldValue, cmd.Value)
	b = appendVarint(b, cmdFieldTokenKind, uint64(cmd.TokenKind))
	b = appendVarint(b, cmdFieldTokenID, cmd.TokenID)
	return b
}

// appendVarint omits zero values like proto3 does
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Decode parses a transaction produced by Encode. Unknown fields are skipped.
func Decode(b []byte) (Transaction, error) {
	var tx Transaction
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Transaction{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == txFieldCommand && typ == protowire.BytesType:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Transaction{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			cmd, err := decodeCommand(raw)
			if err != nil {
				return Transaction{}, err
			}
			tx.Commands = append(tx.Commands, cmd)
			n = m
		case num == txFieldChecksum && typ == protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return Transaction{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			tx.Checksum = v
			n = m
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Transaction{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			switch num {
			case txFieldID:
				tx.ID = v
			case txFieldEpoch:
				tx.Epoch = v
			case txFieldMaster:
				tx.Master = int(v)
			case txFieldTimestamp:
				tx.Timestamp = time.Unix(0, int64(v))
			}
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return Transaction{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			n = m
		}
		b = b[n:]
	}
	return tx, nil
}

func decodeCommand(b []byte) (Command, error) {
	var cmd Command
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Command{}, fmt.Errorf("%w: command: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Command{}, fmt.Errorf("%w: command: %v", ErrMalformed, protowire.ParseError(m))
			}
			switch num {
			case cmdFieldKind:
				cmd.Kind = CommandKind(v)
			case cmdFieldNodeID:
				cmd.NodeID = v
			case cmdFieldRelID:
				cmd.RelID = v
			case cmdFieldStartNode:
				cmd.StartNode = v
			case cmdFieldEndNode:
				cmd.EndNode = v
			case cmdFieldTokenKind:
				cmd.TokenKind = TokenKind(v)
			case cmdFieldTokenID:
				cmd.TokenID = v
			}
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return Command{}, fmt.Errorf("%w: command: %v", ErrMalformed, protowire.ParseError(m))
			}
			switch num {
			case cmdFieldName:
				cmd.Name = v
			case cmdFieldKey:
				cmd.Key = v
			case cmdFieldValue:
				cmd.Value = v
			}
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return Command{}, fmt.Errorf("%w: command: %v", ErrMalformed, protowire.ParseError(m))
			}
			n = m
		}
		b = b[n:]
	}
	return cmd, nil
}
