package ha

import (
	"fmt"
	"sync"
	"time"

	"github.com/neo4j/neo4j-sub063/internal/graphdb"
	"github.com/neo4j/neo4j-sub063/internal/haerr"
	"github.com/neo4j/neo4j-sub063/internal/logging"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

// applier applies committed transactions to the local store: first the log, then the graph. Transactions are
// applied strictly in id order; ids already applied are skipped and a gap is rejected.
type applier struct {
	mu      sync.Mutex
	log     txlog.Store
	graph   *graphdb.Store
	metrics *Metrics
	logger  logging.Logger
}

func newApplier(log txlog.Store, graph *graphdb.Store, metrics *Metrics, logger logging.Logger) *applier {
	return &applier{log: log, graph: graph, metrics: metrics, logger: logger}
}

// Apply applies txs in order and returns how many were new
func (a *applier) Apply(txs ...txlog.Transaction) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	applied := 0
	for _, tx := range txs {
		last := a.log.LastTxID()
		if tx.ID <= last {
			continue
		}
		if tx.ID != last+1 {
			return applied, haerr.NewTransient("apply", fmt.Errorf("%w: expected transaction %d, got %d",
				haerr.ErrTransactionGap, last+1, tx.ID))
		}
		if err := a.applyNext(tx); err != nil {
			return applied, err
		}
		applied++
	}

	if applied > 0 {
		a.metrics.RecordTransactionsApplied(applied)
	}
	return applied, nil
}

// commitNext builds the next transaction from commands and applies it. Constraint violations leave the store
// untouched and are returned unmodified.
func (a *applier) commitNext(epoch uint64, master int, commands []txlog.Command) (txlog.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tx := txlog.Transaction{
		ID:        a.log.LastTxID() + 1,
		Epoch:     epoch,
		Master:    master,
		Timestamp: time.Now(),
		Commands:  commands,
	}
	tx.Seal()

	if err := a.applyNext(tx); err != nil {
		return txlog.Transaction{}, err
	}
	a.metrics.RecordTransactionsApplied(1)
	return tx, nil
}

func (a *applier) applyNext(tx txlog.Transaction) error {
	if !tx.Verify() {
		return haerr.NewFatal("apply", fmt.Errorf("checksum mismatch in transaction %d", tx.ID))
	}
	if err := a.graph.Check(tx.Commands); err != nil {
		return fmt.Errorf("transaction %d does not apply: %w", tx.ID, err)
	}
	if err := a.log.Append(tx); err != nil {
		return err
	}
	if err := a.graph.Apply(tx.Commands); err != nil {
		// Check passed under the same lock, the graph and the log can only disagree on a bug
		return haerr.NewFatal("apply", fmt.Errorf("transaction %d logged but not applied: %w", tx.ID, err))
	}
	a.logger.Debugf("[Applier] Applied transaction %d from epoch %d", tx.ID, tx.Epoch)
	return nil
}

// reset discards the local store: the log and the graph. It is used before a full copy from a master whose
// history the local store has branched from.
func (a *applier) reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.log.TruncateFrom(1); err != nil {
		return err
	}
	a.graph.Reset()
	return nil
}

// recover rebuilds the graph from the log
func (a *applier) recover() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	txs, err := a.log.Since(0)
	if err != nil {
		return fmt.Errorf("failed to read the transaction log: %w", err)
	}
	a.graph.Reset()
	for _, tx := range txs {
		if err := a.graph.Apply(tx.Commands); err != nil {
			return haerr.NewFatal("recover", fmt.Errorf("transaction %d does not apply: %w", tx.ID, err))
		}
	}
	if len(txs) > 0 {
		a.logger.Infof("[Applier] Recovered %d transactions, last is %d", len(txs), txs[len(txs)-1].ID)
	}
	return nil
}
