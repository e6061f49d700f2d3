package election

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
)

// EpochStore persists the last learned election so that epochs are never reused, not even across restarts. It also
// keeps what the acceptor promised and accepted for epochs that are not learned yet, which must survive a restart
// as well.
type EpochStore interface {
	LoadLearned() (Learned, error)
	SaveLearned(Learned) error
	LoadPromises() (Promises, error)
	SavePromises(Promises) error
}

// PromiseRecord is the acceptor state of one epoch
type PromiseRecord struct {
	Promised       Ballot  `json:"promised"`
	AcceptedBallot Ballot  `json:"accepted_ballot"`
	AcceptedValue  *Master `json:"accepted_value,omitempty"`
}

// Promises maps open epochs to what the acceptor promised and accepted in them
type Promises map[uint64]PromiseRecord

// MetaStore is a small key/value store for instance metadata
type MetaStore interface {
	GetMeta(key string) ([]byte, error)
	PutMeta(key string, value []byte) error
}

const (
	learnedKey  = "election.learned"
	promisesKey = "election.promises"
)

// metaEpochStore keeps the election state as JSON under two metadata keys
type metaEpochStore struct {
	meta MetaStore
}

// NewMetaEpochStore stores the election state in meta
func NewMetaEpochStore(meta MetaStore) EpochStore {
	return &metaEpochStore{meta: meta}
}

func (s *metaEpochStore) LoadLearned() (Learned, error) {
	var learned Learned
	if err := s.load(learnedKey, &learned); err != nil {
		return Learned{}, fmt.Errorf("failed to load learned epoch: %w", err)
	}
	return learned, nil
}

func (s *metaEpochStore) SaveLearned(learned Learned) error {
	if err := s.save(learnedKey, learned); err != nil {
		return fmt.Errorf("failed to save learned epoch: %w", err)
	}
	return nil
}

func (s *metaEpochStore) LoadPromises() (Promises, error) {
	promises := Promises{}
	if err := s.load(promisesKey, &promises); err != nil {
		return nil, fmt.Errorf("failed to load promises: %w", err)
	}
	return promises, nil
}

func (s *metaEpochStore) SavePromises(promises Promises) error {
	if err := s.save(promisesKey, promises); err != nil {
		return fmt.Errorf("failed to save promises: %w", err)
	}
	return nil
}

func (s *metaEpochStore) load(key string, v any) error {
	data, err := s.meta.GetMeta(key)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (s *metaEpochStore) save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.meta.PutMeta(key, data)
}

// MemoryEpochStore keeps the election state in memory
type MemoryEpochStore struct {
	mu       sync.Mutex
	learned  Learned
	promises Promises
}

func NewMemoryEpochStore() *MemoryEpochStore {
	return &MemoryEpochStore{}
}

func (s *MemoryEpochStore) LoadLearned() (Learned, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.learned, nil
}

func (s *MemoryEpochStore) SaveLearned(learned Learned) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.learned = learned
	return nil
}

func (s *MemoryEpochStore) LoadPromises() (Promises, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	promises := maps.Clone(s.promises)
	if promises == nil {
		promises = Promises{}
	}
	return promises, nil
}

func (s *MemoryEpochStore) SavePromises(promises Promises) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promises = maps.Clone(promises)
	return nil
}
