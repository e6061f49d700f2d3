package txlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neo4j/neo4j-sub063/internal/haerr"
)

func createTempStore(t *testing.T) (*BboltStore, string) {
	t.Helper()
	dir := t.TempDir()

	store, err := OpenDir(dir)
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { store.Close() })

	return store, dir
}

func makeTx(id uint64, value string) Transaction {
	tx := Transaction{
		ID:        id,
		Epoch:     1,
		Master:    1,
		Timestamp: time.Unix(1700000000, int64(id)),
		Commands: []Command{
			{Kind: CmdCreateNode, NodeID: id},
			{Kind: CmdSetNodeProperty, NodeID: id, Key: "name", Value: value},
		},
	}
	tx.Seal()
	return tx
}

func TestOpenDir(t *testing.T) {
	t.Run("creates the log file", func(t *testing.T) {
		_, dir := createTempStore(t)
		_, err := os.Stat(filepath.Join(dir, FileName))
		assert.NoError(t, err)
	})

	t.Run("reopens with the last transaction id", func(t *testing.T) {
		dir := t.TempDir()
		store, err := OpenDir(dir)
		require.NoError(t, err)
		require.NoError(t, store.Append(makeTx(1, "a"), makeTx(2, "b")))
		require.NoError(t, store.Close())

		reopened, err := OpenDir(dir)
		require.NoError(t, err)
		defer reopened.Close()
		assert.Equal(t, uint64(2), reopened.LastTxID())
	})

	t.Run("fails with invalid path", func(t *testing.T) {
		store, err := NewBboltStore("/invalid/path/that/does/not/exist/txlog.db")
		assert.Error(t, err)
		assert.Nil(t, store)
	})
}

func TestBboltStore_Append(t *testing.T) {
	store, _ := createTempStore(t)

	t.Run("appends in order", func(t *testing.T) {
		require.NoError(t, store.Append(makeTx(1, "Hello")))
		require.NoError(t, store.Append(makeTx(2, "World"), makeTx(3, "!")))
		assert.Equal(t, uint64(3), store.LastTxID())

		tx, err := store.Get(2)
		require.NoError(t, err)
		assert.Equal(t, "World", tx.Commands[1].Value)
		assert.True(t, tx.Verify())
	})

	t.Run("rejects gaps", func(t *testing.T) {
		err := store.Append(makeTx(5, "gap"))
		assert.ErrorIs(t, err, haerr.ErrTransactionGap)
		assert.True(t, haerr.IsTransient(err))
		assert.Equal(t, uint64(3), store.LastTxID())
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		assert.ErrorIs(t, store.Append(makeTx(3, "again")), haerr.ErrTransactionGap)
	})

	t.Run("batch with an inner gap stores nothing", func(t *testing.T) {
		assert.Error(t, store.Append(makeTx(4, "x"), makeTx(6, "y")))
		_, err := store.Get(4)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty append is a no-op", func(t *testing.T) {
		assert.NoError(t, store.Append())
	})
}

func TestBboltStore_Since(t *testing.T) {
	store, _ := createTempStore(t)
	require.NoError(t, store.Append(makeTx(1, "a"), makeTx(2, "b"), makeTx(3, "c")))

	txs, err := store.Since(1)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, uint64(2), txs[0].ID)
	assert.Equal(t, uint64(3), txs[1].ID)

	txs, err = store.Since(0)
	require.NoError(t, err)
	assert.Len(t, txs, 3)

	txs, err = store.Since(3)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestBboltStore_Checksum(t *testing.T) {
	store, _ := createTempStore(t)
	tx := makeTx(1, "a")
	require.NoError(t, store.Append(tx))

	sum, err := store.Checksum(1)
	require.NoError(t, err)
	assert.Equal(t, tx.Checksum, sum)

	sum, err = store.Checksum(0)
	require.NoError(t, err)
	assert.Zero(t, sum)

	_, err = store.Checksum(9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBboltStore_TruncateFrom(t *testing.T) {
	store, _ := createTempStore(t)
	require.NoError(t, store.Append(makeTx(1, "a"), makeTx(2, "b"), makeTx(3, "c")))

	require.NoError(t, store.TruncateFrom(2))
	assert.Equal(t, uint64(1), store.LastTxID())
	txs, err := store.Since(0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	// The log continues right after the truncation point
	require.NoError(t, store.Append(makeTx(2, "b2")))

	require.NoError(t, store.TruncateFrom(1))
	assert.Equal(t, uint64(0), store.LastTxID())

	require.NoError(t, store.TruncateFrom(10))
	assert.Equal(t, uint64(0), store.LastTxID())
}

func TestBboltStore_Meta(t *testing.T) {
	store, _ := createTempStore(t)

	value, err := store.GetMeta("missing")
	require.NoError(t, err)
	assert.Nil(t, value)

	require.NoError(t, store.PutMeta("epoch", []byte("7")))
	value, err = store.GetMeta("epoch")
	require.NoError(t, err)
	assert.Equal(t, []byte("7"), value)
}
