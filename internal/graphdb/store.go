// Package graphdb is the in-memory graph the transaction log is applied to: nodes with labels and string properties,
// typed relationships, token registries and unique constraints. It is rebuilt from the log on startup.
package graphdb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/neo4j/neo4j-sub063/internal/haerr"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

var (
	ErrNodeNotFound         = errors.New("node not found")
	ErrRelationshipNotFound = errors.New("relationship not found")
	ErrAlreadyExists        = errors.New("entity already exists")
	ErrUnknownCommand       = errors.New("unknown command")
)

const btreeDegree = 32

type Node struct {
	ID     uint64
	Labels map[string]struct{}
	Props  map[string]string
}

type Relationship struct {
	ID    uint64
	Start uint64
	End   uint64
	Type  string
}

type constraint struct {
	label string
	key   string
}

// Store is safe for concurrent use. Mutations happen only through Apply.
type Store struct {
	mu sync.RWMutex

	nodes *btree.BTreeG[*Node]
	rels  *btree.BTreeG[*Relationship]

	tokens      map[txlog.TokenKind]map[string]uint64
	constraints map[constraint]struct{}

	highNodeID uint64
	highRelID  uint64
}

func NewStore() *Store {
	return &Store{
		nodes:       btree.NewG[*Node](btreeDegree, func(a, b *Node) bool { return a.ID < b.ID }),
		rels:        btree.NewG[*Relationship](btreeDegree, func(a, b *Relationship) bool { return a.ID < b.ID }),
		tokens:      make(map[txlog.TokenKind]map[string]uint64),
		constraints: make(map[constraint]struct{}),
	}
}

// Apply executes commands atomically: either all of them take effect or, on the first failing command, none does.
// Unique constraint violations are reported as haerr.ConstraintViolation.
func (s *Store) Apply(commands []txlog.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var undo []func()
	for i := range commands {
		if err := s.execute(&commands[i], &undo); err != nil {
			rollback(undo)
			return err
		}
	}
	return nil
}

// Check reports the error Apply would return, without changing the store
func (s *Store) Check(commands []txlog.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var undo []func()
	defer func() { rollback(undo) }()

	for i := range commands {
		if err := s.execute(&commands[i], &undo); err != nil {
			return err
		}
	}
	return nil
}

func rollback(undo []func()) {
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func (s *Store) execute(cmd *txlog.Command, undo *[]func()) error {
	switch cmd.Kind {
	case txlog.CmdCreateNode:
		if _, exists := s.nodes.Get(&Node{ID: cmd.NodeID}); exists {
			return fmt.Errorf("%w: node %d", ErrAlreadyExists, cmd.NodeID)
		}
		node := &Node{ID: cmd.NodeID, Labels: map[string]struct{}{}, Props: map[string]string{}}
		s.nodes.ReplaceOrInsert(node)
		prevHigh := s.highNodeID
		if cmd.NodeID > s.highNodeID {
			s.highNodeID = cmd.NodeID
		}
		*undo = append(*undo, func() {
			s.nodes.Delete(node)
			s.highNodeID = prevHigh
		})

	case txlog.CmdDeleteNode:
		node, err := s.node(cmd.NodeID)
		if err != nil {
			return err
		}
		var attached bool
		s.rels.Ascend(func(rel *Relationship) bool {
			attached = rel.Start == node.ID || rel.End == node.ID
			return !attached
		})
		if attached {
			return fmt.Errorf("node %d still has relationships", node.ID)
		}
		s.nodes.Delete(node)
		*undo = append(*undo, func() { s.nodes.ReplaceOrInsert(node) })

	case txlog.CmdSetNodeProperty:
		node, err := s.node(cmd.NodeID)
		if err != nil {
			return err
		}
		for label := range node.Labels {
			if err := s.checkUnique(node.ID, label, cmd.Key, cmd.Value); err != nil {
				return err
			}
		}
		prev, had := node.Props[cmd.Key]
		node.Props[cmd.Key] = cmd.Value
		*undo = append(*undo, func() { restoreProp(node, cmd.Key, prev, had) })

	case txlog.CmdRemoveNodeProperty:
		node, err := s.node(cmd.NodeID)
		if err != nil {
			return err
		}
		prev, had := node.Props[cmd.Key]
		delete(node.Props, cmd.Key)
		*undo = append(*undo, func() { restoreProp(node, cmd.Key, prev, had) })

	case txlog.CmdAddLabel:
		node, err := s.node(cmd.NodeID)
		if err != nil {
			return err
		}
		if _, has := node.Labels[cmd.Name]; has {
			return nil
		}
		for key, value := range node.Props {
			if err := s.checkUnique(node.ID, cmd.Name, key, value); err != nil {
				return err
			}
		}
		node.Labels[cmd.Name] = struct{}{}
		*undo = append(*undo, func() { delete(node.Labels, cmd.Name) })

	case txlog.CmdRemoveLabel:
		node, err := s.node(cmd.NodeID)
		if err != nil {
			return err
		}
		if _, has := node.Labels[cmd.Name]; !has {
			return nil
		}
		delete(node.Labels, cmd.Name)
		*undo = append(*undo, func() { node.Labels[cmd.Name] = struct{}{} })

	case txlog.CmdCreateRelationship:
		if _, exists := s.rels.Get(&Relationship{ID: cmd.RelID}); exists {
			return fmt.Errorf("%w: relationship %d", ErrAlreadyExists, cmd.RelID)
		}
		if _, err := s.node(cmd.StartNode); err != nil {
			return err
		}
		if _, err := s.node(cmd.EndNode); err != nil {
			return err
		}
		rel := &Relationship{ID: cmd.RelID, Start: cmd.StartNode, End: cmd.EndNode, Type: cmd.Name}
		s.rels.ReplaceOrInsert(rel)
		prevHigh := s.highRelID
		if cmd.RelID > s.highRelID {
			s.highRelID = cmd.RelID
		}
		*undo = append(*undo, func() {
			s.rels.Delete(rel)
			s.highRelID = prevHigh
		})

	case txlog.CmdDeleteRelationship:
		rel, exists := s.rels.Get(&Relationship{ID: cmd.RelID})
		if !exists {
			return fmt.Errorf("%w: %d", ErrRelationshipNotFound, cmd.RelID)
		}
		s.rels.Delete(rel)
		*undo = append(*undo, func() { s.rels.ReplaceOrInsert(rel) })

	case txlog.CmdCreateToken:
		registry, ok := s.tokens[cmd.TokenKind]
		if !ok {
			registry = make(map[string]uint64)
			s.tokens[cmd.TokenKind] = registry
		}
		if id, exists := registry[cmd.Name]; exists {
			if id == cmd.TokenID {
				return nil
			}
			return haerr.NewConstraintViolation("createToken", fmt.Errorf("%w: %s %q already has id %d",
				haerr.ErrConstraintViolation, cmd.TokenKind, cmd.Name, id))
		}
		registry[cmd.Name] = cmd.TokenID
		*undo = append(*undo, func() { delete(registry, cmd.Name) })

	case txlog.CmdCreateUniqueConstraint:
		c := constraint{label: cmd.Name, key: cmd.Key}
		if _, exists := s.constraints[c]; exists {
			return nil
		}
		seen := make(map[string]uint64)
		var violation error
		s.nodes.Ascend(func(node *Node) bool {
			if _, has := node.Labels[c.label]; !has {
				return true
			}
			value, has := node.Props[c.key]
			if !has {
				return true
			}
			if other, dup := seen[value]; dup {
				violation = haerr.NewConstraintViolation("createConstraint", fmt.Errorf(
					"%w: nodes %d and %d share %s.%s = %q", haerr.ErrConstraintViolation, other, node.ID,
					c.label, c.key, value))
				return false
			}
			seen[value] = node.ID
			return true
		})
		if violation != nil {
			return violation
		}
		s.constraints[c] = struct{}{}
		*undo = append(*undo, func() { delete(s.constraints, c) })

	default:
		return fmt.Errorf("%w: %v", ErrUnknownCommand, cmd.Kind)
	}
	return nil
}

func restoreProp(node *Node, key, prev string, had bool) {
	if had {
		node.Props[key] = prev
	} else {
		delete(node.Props, key)
	}
}

// checkUnique fails when a node other than nodeID with label already has key = value under a unique constraint
func (s *Store) checkUnique(nodeID uint64, label, key, value string) error {
	if _, constrained := s.constraints[constraint{label: label, key: key}]; !constrained {
		return nil
	}

	var owner uint64
	var found bool
	s.nodes.Ascend(func(node *Node) bool {
		if node.ID == nodeID {
			return true
		}
		if _, has := node.Labels[label]; !has {
			return true
		}
		if v, has := node.Props[key]; has && v == value {
			owner, found = node.ID, true
			return false
		}
		return true
	})
	if found {
		return haerr.NewConstraintViolation("apply", fmt.Errorf("%w: node %d already has %s.%s = %q",
			haerr.ErrConstraintViolation, owner, label, key, value))
	}
	return nil
}

func (s *Store) node(id uint64) (*Node, error) {
	node, exists := s.nodes.Get(&Node{ID: id})
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return node, nil
}

// NodeExists reports whether node id exists
func (s *Store) NodeExists(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.nodes.Get(&Node{ID: id})
	return exists
}

// NodeProperty returns property key of node id
func (s *Store) NodeProperty(id uint64, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, err := s.node(id)
	if err != nil {
		return "", err
	}
	value, has := node.Props[key]
	if !has {
		return "", fmt.Errorf("node %d has no property %q", id, key)
	}
	return value, nil
}

// NodeLabels returns the sorted labels of node id
func (s *Store) NodeLabels(id uint64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, err := s.node(id)
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(node.Labels))
	for label := range node.Labels {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels, nil
}

// Relationship returns a copy of relationship id
func (s *Store) Relationship(id uint64) (Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rel, exists := s.rels.Get(&Relationship{ID: id})
	if !exists {
		return Relationship{}, fmt.Errorf("%w: %d", ErrRelationshipNotFound, id)
	}
	return *rel, nil
}

// FindNode returns the id of the first node with label whose key equals value
func (s *Store) FindNode(label, key, value string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id uint64
	var found bool
	s.nodes.Ascend(func(node *Node) bool {
		if _, has := node.Labels[label]; !has {
			return true
		}
		if v, set := node.Props[key]; set && v == value {
			id, found = node.ID, true
			return false
		}
		return true
	})
	return id, found
}

// TokenID looks up a token by name
func (s *Store) TokenID(kind txlog.TokenKind, name string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, exists := s.tokens[kind][name]
	return id, exists
}

// HighestTokenID returns the highest id in use for kind
func (s *Store) HighestTokenID(kind txlog.TokenKind) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var high uint64
	for _, id := range s.tokens[kind] {
		if id > high {
			high = id
		}
	}
	return high
}

// HasUniqueConstraint reports whether (label, key) is unique
func (s *Store) HasUniqueConstraint(label, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.constraints[constraint{label: label, key: key}]
	return exists
}

// HighNodeID is the highest node id ever created; deleted ids are not reused
func (s *Store) HighNodeID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highNodeID
}

func (s *Store) HighRelationshipID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highRelID
}

func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes.Len()
}

// Reset drops all data, used before a full store copy
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes.Clear(false)
	s.rels.Clear(false)
	s.tokens = make(map[txlog.TokenKind]map[string]uint64)
	s.constraints = make(map[constraint]struct{})
	s.highNodeID = 0
	s.highRelID = 0
}
