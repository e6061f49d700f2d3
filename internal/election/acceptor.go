package election

import (
	"fmt"
	"maps"
	"sync"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/events"
	"github.com/neo4j/neo4j-sub063/internal/logging"
)

// AcceptorConfig configures an Acceptor
type AcceptorConfig struct {
	// Credentials returns the local instance as a candidate. It is called for every prepare so LastTxID is current.
	Credentials func() Credentials
	// Serving reports whether the local instance currently serves as master or slave under a live master. While it
	// does, prepares are rejected so that a healthy master is not replaced.
	Serving func(Learned) bool
	Store   EpochStore
	Bus     *events.Bus
	Logger  logging.Logger
}

// Acceptor is the local Paxos acceptor and learner. Promises and accepted values are kept per epoch, stored before
// they are answered and dropped once the epoch is learned.
type Acceptor struct {
	mu       sync.Mutex
	config   AcceptorConfig
	learned  Learned
	promises Promises
	logger   logging.Logger
}

// NewAcceptor creates an acceptor and restores the last learned election and the open promises from the store
func NewAcceptor(cfg AcceptorConfig) (*Acceptor, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("credentials provider is required")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryEpochStore()
	}
	if cfg.Serving == nil {
		cfg.Serving = func(Learned) bool { return false }
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	learned, err := cfg.Store.LoadLearned()
	if err != nil {
		return nil, err
	}
	if learned.Epoch > 0 {
		cfg.Logger.Infof("[Election] Restored learned epoch %d with master %d", learned.Epoch, learned.Master.ID)
	}

	promises, err := cfg.Store.LoadPromises()
	if err != nil {
		return nil, err
	}
	for epoch := range promises {
		if epoch <= learned.Epoch {
			delete(promises, epoch)
		}
	}
	if len(promises) > 0 {
		cfg.Logger.Infof("[Election] Restored promises for %d open epochs", len(promises))
	}

	return &Acceptor{
		config:   cfg,
		learned:  learned,
		promises: promises,
		logger:   cfg.Logger,
	}, nil
}

// Learned returns the most recent decided election
func (a *Acceptor) Learned() Learned {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.learned
}

// HandlePrepare is phase 1b
func (a *Acceptor) HandlePrepare(req PrepareRequest) Promise {
	learned := a.Learned()
	creds := a.config.Credentials()
	serving := a.config.Serving(learned)

	a.mu.Lock()
	defer a.mu.Unlock()

	resp := Promise{Credentials: creds, Learned: a.learned}

	if req.Epoch <= a.learned.Epoch {
		a.logger.Debugf("[Election] Rejecting prepare %v for epoch %d, epoch %d already learned",
			req.Ballot, req.Epoch, a.learned.Epoch)
		return resp
	}
	if serving && a.learned.Epoch == learned.Epoch {
		a.logger.Debugf("[Election] Rejecting prepare %v for epoch %d, master %d is alive",
			req.Ballot, req.Epoch, a.learned.Master.ID)
		resp.MasterAlive = true
		return resp
	}

	rec := a.promises[req.Epoch]
	if req.Ballot.Less(rec.Promised) {
		resp.Promised = rec.Promised
		return resp
	}

	rec.Promised = req.Ballot
	if err := a.record(req.Epoch, rec); err != nil {
		a.logger.Errorf("[Election] Rejecting prepare %v for epoch %d: %v", req.Ballot, req.Epoch, err)
		return resp
	}
	resp.OK = true
	resp.Promised = req.Ballot
	if rec.AcceptedValue != nil {
		value := *rec.AcceptedValue
		resp.AcceptedBallot = rec.AcceptedBallot
		resp.AcceptedValue = &value
	}
	return resp
}

// HandleAccept is phase 2b
func (a *Acceptor) HandleAccept(req AcceptRequest) Accepted {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp := Accepted{Learned: a.learned}
	if req.Epoch <= a.learned.Epoch {
		return resp
	}

	rec := a.promises[req.Epoch]
	if req.Ballot.Less(rec.Promised) {
		resp.Promised = rec.Promised
		return resp
	}

	value := req.Value
	rec = PromiseRecord{Promised: req.Ballot, AcceptedBallot: req.Ballot, AcceptedValue: &value}
	if err := a.record(req.Epoch, rec); err != nil {
		a.logger.Errorf("[Election] Rejecting accept %v for epoch %d: %v", req.Ballot, req.Epoch, err)
		return resp
	}
	resp.OK = true
	resp.Promised = req.Ballot
	return resp
}

// record stores rec for epoch. The in-memory state only changes once the store has it. Callers hold mu.
func (a *Acceptor) record(epoch uint64, rec PromiseRecord) error {
	next := maps.Clone(a.promises)
	if next == nil {
		next = Promises{}
	}
	next[epoch] = rec
	if err := a.config.Store.SavePromises(next); err != nil {
		return err
	}
	a.promises = next
	return nil
}

// Learn records a decided election. Elections for epochs at or below the last learned one are ignored. It reports
// whether the election was new.
func (a *Acceptor) Learn(learned Learned) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if learned.Epoch <= a.learned.Epoch {
		return false, nil
	}
	if learned.Master.ID == cluster.NoInstance {
		return false, fmt.Errorf("learned epoch %d without a master", learned.Epoch)
	}

	if err := a.config.Store.SaveLearned(learned); err != nil {
		return false, err
	}
	a.learned = learned

	pruned := len(a.promises)
	for epoch := range a.promises {
		if epoch <= learned.Epoch {
			delete(a.promises, epoch)
		}
	}
	if len(a.promises) != pruned {
		// Stale entries are pruned again on restart
		if err := a.config.Store.SavePromises(a.promises); err != nil {
			a.logger.Warnf("[Election] Failed to prune promises up to epoch %d: %v", learned.Epoch, err)
		}
	}

	a.logger.Infof("[Election] Learned epoch %d, master is instance %d (%s)", learned.Epoch, learned.Master.ID,
		learned.Master.HAAddr)

	if a.config.Bus != nil {
		events.Publish(a.config.Bus, events.NewEvent(events.MasterElected, events.MasterElectedPayload{
			Epoch:             learned.Epoch,
			MasterID:          int(learned.Master.ID),
			MasterClusterAddr: learned.Master.ClusterAddr,
			MasterHAAddr:      learned.Master.HAAddr,
		}))
	}
	return true, nil
}

// Observe learns an election seen in a heartbeat from another member
func (a *Acceptor) Observe(hb cluster.Heartbeat) {
	if hb.MasterID == cluster.NoInstance || hb.Epoch == 0 {
		return
	}

	_, err := a.Learn(Learned{
		Epoch: hb.Epoch,
		Master: Master{
			ID:          hb.MasterID,
			ClusterAddr: hb.MasterClusterAddr,
			HAAddr:      hb.MasterHAAddr,
		},
	})
	if err != nil {
		a.logger.Errorf("[Election] Failed to learn epoch %d from heartbeat of %d: %v", hb.Epoch, hb.From, err)
	}
}
