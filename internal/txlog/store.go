package txlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/neo4j/neo4j-sub063/internal/haerr"
)

var (
	// Bucket names
	txBucket       = []byte("transactions")
	metadataBucket = []byte("metadata")

	ErrNotFound = errors.New("transaction not found")
)

// FileName is the name of the log file inside a store directory
const FileName = "txlog.db"

// Store is the durable log of committed transactions plus a small metadata area
type Store interface {
	// Append adds transactions that must continue the log without gaps
	Append(txs ...Transaction) error
	Get(id uint64) (Transaction, error)
	// Since returns every transaction with an id greater than after, in order
	Since(after uint64) ([]Transaction, error)
	LastTxID() uint64
	// Checksum returns the checksum of transaction id; 0 for id 0
	Checksum(id uint64) (uint32, error)
	// TruncateFrom removes transaction id and everything after it
	TruncateFrom(id uint64) error
	GetMeta(key string) ([]byte, error)
	PutMeta(key string, value []byte) error
	Close() error
}

// BboltStore keeps the log in a bbolt file, keyed by big endian transaction id
type BboltStore struct {
	mu     sync.Mutex
	conn   *bbolt.DB
	lastID uint64
}

// OpenDir opens (or creates) the log inside dir
func OpenDir(dir string) (*BboltStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	return NewBboltStore(filepath.Join(dir, FileName))
}

// NewBboltStore opens (or creates) the log file at path
func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	store := &BboltStore{conn: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(txBucket); err != nil {
			return fmt.Errorf("failed to create transaction bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		if k, _ := tx.Bucket(txBucket).Cursor().Last(); k != nil {
			store.lastID = bytesToUint64(k)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *BboltStore) Append(txs ...Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expected := s.lastID + 1
	for _, tx := range txs {
		if tx.ID != expected {
			return haerr.NewTransient("append", fmt.Errorf("%w: expected transaction %d, got %d",
				haerr.ErrTransactionGap, expected, tx.ID))
		}
		expected++
	}

	err := s.conn.Update(func(btx *bbolt.Tx) error {
		bucket := btx.Bucket(txBucket)
		for _, tx := range txs {
			if err := bucket.Put(uint64ToBytes(tx.ID), Encode(tx)); err != nil {
				return fmt.Errorf("failed to store transaction %d: %w", tx.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.lastID = txs[len(txs)-1].ID
	return nil
}

func (s *BboltStore) Get(id uint64) (Transaction, error) {
	var tx Transaction
	err := s.conn.View(func(btx *bbolt.Tx) error {
		data := btx.Bucket(txBucket).Get(uint64ToBytes(id))
		if data == nil {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}

		var err error
		tx, err = Decode(data)
		return err
	})
	return tx, err
}

func (s *BboltStore) Since(after uint64) ([]Transaction, error) {
	var txs []Transaction
	err := s.conn.View(func(btx *bbolt.Tx) error {
		cursor := btx.Bucket(txBucket).Cursor()

		for k, v := cursor.Seek(uint64ToBytes(after + 1)); k != nil; k, v = cursor.Next() {
			tx, err := Decode(v)
			if err != nil {
				return fmt.Errorf("failed to decode transaction %d: %w", bytesToUint64(k), err)
			}
			txs = append(txs, tx)
		}
		return nil
	})
	return txs, err
}

func (s *BboltStore) LastTxID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

func (s *BboltStore) Checksum(id uint64) (uint32, error) {
	if id == 0 {
		return 0, nil
	}
	tx, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	return tx.Checksum, nil
}

func (s *BboltStore) TruncateFrom(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.conn.Update(func(btx *bbolt.Tx) error {
		bucket := btx.Bucket(txBucket)
		cursor := bucket.Cursor()

		// Deleting through the cursor keeps it positioned on the next key
		for k, _ := cursor.Seek(uint64ToBytes(id)); k != nil; k, _ = cursor.Seek(uint64ToBytes(id)) {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to truncate log from %d: %w", id, err)
	}

	if id <= s.lastID {
		if id == 0 {
			s.lastID = 0
		} else {
			s.lastID = id - 1
		}
	}
	return nil
}

func (s *BboltStore) GetMeta(key string) ([]byte, error) {
	var value []byte
	err := s.conn.View(func(btx *bbolt.Tx) error {
		if data := btx.Bucket(metadataBucket).Get([]byte(key)); data != nil {
			value = append([]byte(nil), data...)
		}
		return nil
	})
	return value, err
}

func (s *BboltStore) PutMeta(key string, value []byte) error {
	return s.conn.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(metadataBucket).Put([]byte(key), value)
	})
}

func (s *BboltStore) Close() error {
	return s.conn.Close()
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
