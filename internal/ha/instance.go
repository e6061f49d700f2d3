// Package ha is the replication core of one instance of a master/slave cluster: the role state machine, the master's
// commit and push pipeline, the slave's update puller and the epoch fencing between them.
package ha

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/config"
	"github.com/neo4j/neo4j-sub063/internal/delegate"
	"github.com/neo4j/neo4j-sub063/internal/election"
	"github.com/neo4j/neo4j-sub063/internal/events"
	"github.com/neo4j/neo4j-sub063/internal/graphdb"
	"github.com/neo4j/neo4j-sub063/internal/haerr"
	"github.com/neo4j/neo4j-sub063/internal/logging"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

// Options are the collaborators of an Instance that are not part of its configuration
type Options struct {
	// Network reaches the other instances. Required.
	Network Network
	// Scheduler runs the recurring pull. Defaults to a TickerScheduler.
	Scheduler JobScheduler
	// Comparator picks the master among the candidates of an election. Defaults to election.DefaultComparator.
	Comparator election.Comparator
	Logger     logging.Logger
}

// Instance is one member of the HA cluster. It owns the local store, takes part in membership and elections and
// serves as master or slave.
type Instance struct {
	config config.Config
	self   cluster.InstanceID
	logger logging.Logger

	bus     *events.Bus
	log     *txlog.BboltStore
	graph   *graphdb.Store
	metrics *Metrics
	state   *stateHolder
	rc      *requestContextFactory
	applier *applier
	network Network

	membership *cluster.Membership
	acceptor   *election.Acceptor
	elector    *election.Elector

	master       *delegate.Handle[MasterClient]
	masterServer *MasterServer
	propagator   *Propagator
	puller       *UpdatePuller
	scheduler    JobScheduler
	ids          *idAllocator
	idPool       *idPool
	machine      *StateMachine

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewInstance opens the store in cfg.StoreDir, recovers the graph from the transaction log and wires every component.
// The instance starts in Pending; nothing runs until Start.
func NewInstance(cfg config.Config, opts Options) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Network == nil {
		return nil, fmt.Errorf("network is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewTickerScheduler(opts.Logger)
	}

	if cfg.StoreDir == "" {
		dir, err := os.MkdirTemp("", fmt.Sprintf("ha-instance-%d-", cfg.ServerID))
		if err != nil {
			return nil, fmt.Errorf("failed to create a store dir: %w", err)
		}
		cfg.StoreDir = dir
	}
	log, err := txlog.OpenDir(cfg.StoreDir)
	if err != nil {
		return nil, err
	}

	i := &Instance{
		config:    cfg,
		self:      cluster.InstanceID(cfg.ServerID),
		logger:    opts.Logger,
		bus:       events.NewBus(opts.Logger),
		log:       log,
		graph:     graphdb.NewStore(),
		metrics:   NewMetrics(),
		state:     &stateHolder{state: Pending, pendingSince: time.Now()},
		network:   opts.Network,
		master:    delegate.NewHandle[MasterClient](),
		scheduler: opts.Scheduler,
		ids:       newIDAllocator(),
		idPool:    newIDPool(),
	}
	i.rc = newRequestContextFactory(i.self, i.state, log)
	i.applier = newApplier(log, i.graph, i.metrics, opts.Logger)

	if err := i.wire(opts); err != nil {
		i.bus.ForceShutdown()
		log.Close()
		return nil, err
	}
	return i, nil
}

func (i *Instance) wire(opts Options) error {
	if err := i.applier.recover(); err != nil {
		return err
	}

	acceptor, err := election.NewAcceptor(election.AcceptorConfig{
		Credentials: i.credentials,
		Serving:     i.serving,
		Store:       election.NewMetaEpochStore(i.log),
		Bus:         i.bus,
		Logger:      i.logger,
	})
	if err != nil {
		return err
	}
	i.acceptor = acceptor

	membership, err := cluster.NewMembership(cluster.Config{
		Self:              i.self,
		ClusterAddr:       i.config.ClusterServer,
		HAAddr:            i.config.HAServer,
		InitialHosts:      i.config.InitialHosts,
		HeartbeatInterval: i.config.HeartbeatInterval.Std(),
		HeartbeatTimeout:  i.config.HeartbeatTimeout.Std(),
		Logger:            i.logger,
	}, i.network, i.localHeartbeat, i.bus)
	if err != nil {
		return err
	}
	membership.OnHeartbeat(acceptor.Observe)
	i.membership = membership

	elector, err := election.NewElector(election.ElectorConfig{
		Self:           i.self,
		Hosts:          membership.Hosts(),
		ClusterSize:    membership.ClusterSize(),
		Comparator:     opts.Comparator,
		RequestTimeout: i.config.HeartbeatInterval.Std(),
		Logger:         i.logger,
	}, acceptor, i.network)
	if err != nil {
		return err
	}
	i.elector = elector

	propagator, err := NewPropagator(PropagatorConfig{
		Self:        i.self,
		Factor:      i.config.TxPushFactor,
		Strategy:    i.config.TxPushStrategy,
		Members:     membership.AliveMembers,
		PushTimeout: i.config.HeartbeatTimeout.Std(),
		Metrics:     i.metrics,
		Logger:      i.logger,
	}, i.network)
	if err != nil {
		return err
	}
	i.propagator = propagator
	i.masterServer = newMasterServer(i.self, i.state, i.log, i.graph, i.applier, propagator, i.ids, i.logger)

	puller, err := NewUpdatePuller(UpdatePullerConfig{
		Interval:       i.config.PullInterval.Std(),
		Scheduler:      i.scheduler,
		Master:         i.master,
		RequestContext: i.rc.newRequestContext,
		OnInvalidEpoch: i.invalidEpoch,
		Metrics:        i.metrics,
		Logger:         i.logger,
	}, i.applier)
	if err != nil {
		return err
	}
	i.puller = puller

	i.machine = newStateMachine(i)
	return nil
}

// Start starts heartbeats and the state machine
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.stopped {
		return fmt.Errorf("instance %d is stopped", i.self)
	}
	if i.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel

	i.wg.Add(2)
	go func() {
		defer i.wg.Done()
		i.membership.Run(runCtx)
	}()
	go func() {
		defer i.wg.Done()
		i.machine.Run(runCtx)
	}()

	i.logger.Infof("[Instance] Instance %d started, cluster %s, ha %s, %d transactions", i.self,
		i.config.ClusterServer, i.config.HAServer, i.log.LastTxID())
	return nil
}

// Stop stops every background goroutine and closes the store. A stopped instance cannot be started again.
func (i *Instance) Stop() error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	cancel := i.cancel
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	i.wg.Wait()
	i.puller.Stop()
	if ticker, ok := i.scheduler.(*TickerScheduler); ok {
		ticker.Wait()
	}
	i.bus.GracefulShutdown()

	i.logger.Infof("[Instance] Instance %d stopped", i.self)
	return i.log.Close()
}

func (i *Instance) credentials() election.Credentials {
	return election.Credentials{
		ID:          i.self,
		ClusterAddr: i.config.ClusterServer,
		HAAddr:      i.config.HAServer,
		LastTxID:    i.log.LastTxID(),
	}
}

// serving reports whether the instance serves under a live master, which makes its acceptor turn down elections
func (i *Instance) serving(election.Learned) bool {
	state, _, master := i.state.snapshot()
	if !state.Available() {
		return false
	}
	if master.ID == i.self {
		return true
	}
	member, ok := i.membership.Member(master.ID)
	return ok && member.Alive && member.Role == cluster.RoleMaster
}

func (i *Instance) localHeartbeat() cluster.Heartbeat {
	learned := i.acceptor.Learned()
	return cluster.Heartbeat{
		Role:              i.state.getState().Role(),
		Epoch:             learned.Epoch,
		MasterID:          learned.Master.ID,
		MasterClusterAddr: learned.Master.ClusterAddr,
		MasterHAAddr:      learned.Master.HAAddr,
		LastTxID:          i.log.LastTxID(),
	}
}

// invalidEpoch tells the state machine the master turned down a request of this instance for its epoch or store
func (i *Instance) invalidEpoch(err error) {
	events.Publish(i.bus, events.NewEvent(events.InvalidEpochDetected, events.InvalidEpochPayload{
		Epoch: i.state.getEpoch(),
		Err:   err,
	}))
}

// masterClient returns the master to send writes to. A write that arrives while the instance switches roles waits
// for the switch to complete, at most state_switch_timeout. Pending instances fail at once.
func (i *Instance) masterClient(ctx context.Context, op string) (MasterClient, error) {
	state := i.state.getState()
	if state == Pending {
		return nil, haerr.NewTransient(op, fmt.Errorf("%w: instance %d is %v", haerr.ErrUnavailable, i.self, state))
	}

	waitCtx, cancel := context.WithTimeout(ctx, i.config.StateSwitchTimeout.Std())
	defer cancel()
	client, err := i.master.Get(waitCtx)
	if err != nil {
		return nil, haerr.NewTransient(op, fmt.Errorf("%w: instance %d is %v: %v", haerr.ErrUnavailable, i.self,
			i.state.getState(), err))
	}
	return client, nil
}

// fromMaster applies the transactions of a master response, reporting invalid epochs to the state machine
func fromMaster[T any](i *Instance, response Response[T], err error) (T, error) {
	var zero T
	if err != nil {
		if needsNewMaster(err) {
			i.invalidEpoch(err)
		}
		return zero, err
	}
	if _, err := i.applier.Apply(response.Transactions...); err != nil {
		return zero, err
	}
	return response.Value, nil
}

func (i *Instance) commit(ctx context.Context, commands []txlog.Command) (uint64, error) {
	client, err := i.masterClient(ctx, "commit")
	if err != nil {
		return 0, err
	}
	if err := i.ensureTokens(ctx, client, commands); err != nil {
		return 0, err
	}

	rc, err := i.rc.newRequestContext()
	if err != nil {
		return 0, err
	}
	response, err := client.Commit(ctx, rc, commands)
	return fromMaster(i, response, err)
}

// ensureTokens creates on the master every label, property key and relationship type commands use that the local
// store does not know yet
func (i *Instance) ensureTokens(ctx context.Context, client MasterClient, commands []txlog.Command) error {
	type token struct {
		kind txlog.TokenKind
		name string
	}
	var missing []token
	seen := make(map[token]bool)
	need := func(kind txlog.TokenKind, name string) {
		t := token{kind: kind, name: name}
		if name == "" || seen[t] {
			return
		}
		seen[t] = true
		if _, ok := i.graph.TokenID(kind, name); !ok {
			missing = append(missing, t)
		}
	}

	for _, cmd := range commands {
		switch cmd.Kind {
		case txlog.CmdAddLabel:
			need(txlog.TokenLabel, cmd.Name)
		case txlog.CmdSetNodeProperty:
			need(txlog.TokenPropertyKey, cmd.Key)
		case txlog.CmdCreateRelationship:
			need(txlog.TokenRelationshipType, cmd.Name)
		case txlog.CmdCreateUniqueConstraint:
			need(txlog.TokenLabel, cmd.Name)
			need(txlog.TokenPropertyKey, cmd.Key)
		}
	}

	for _, t := range missing {
		rc, err := i.rc.newRequestContext()
		if err != nil {
			return err
		}
		response, err := client.CreateToken(ctx, rc, t.kind, t.name)
		if _, err := fromMaster(i, response, err); err != nil {
			return fmt.Errorf("failed to create %v token %q: %w", t.kind, t.name, err)
		}
	}
	return nil
}

func (i *Instance) nextID(ctx context.Context, idType IDType) (uint64, error) {
	client, err := i.masterClient(ctx, "allocate ids")
	if err != nil {
		return 0, err
	}
	return i.idPool.next(ctx, idType, func(ctx context.Context, idType IDType) (IDRange, error) {
		rc, err := i.rc.newRequestContext()
		if err != nil {
			return IDRange{}, err
		}
		response, err := client.AllocateIDs(ctx, rc, idType)
		return fromMaster(i, response, err)
	})
}

// PullUpdates brings a slave up to date with the master. On the master it does nothing.
func (i *Instance) PullUpdates(ctx context.Context) error {
	switch i.state.getState() {
	case Master:
		return nil
	case Slave:
		return i.puller.Await(ctx, NextTicket, true)
	default:
		return haerr.NewTransient("pull updates", fmt.Errorf("%w: instance %d is %v", haerr.ErrUnavailable, i.self,
			i.state.getState()))
	}
}

// HandleHeartbeat records a heartbeat from another member
func (i *Instance) HandleHeartbeat(_ context.Context, hb cluster.Heartbeat) error {
	return i.membership.Heartbeat(hb)
}

func (i *Instance) HandlePrepare(_ context.Context, req election.PrepareRequest) (election.Promise, error) {
	return i.acceptor.HandlePrepare(req), nil
}

func (i *Instance) HandleAccept(_ context.Context, req election.AcceptRequest) (election.Accepted, error) {
	return i.acceptor.HandleAccept(req), nil
}

func (i *Instance) HandleLearn(_ context.Context, req election.LearnRequest) error {
	_, err := i.acceptor.Learn(req.Learned)
	return err
}

// ClusterService returns the handler of the cluster service of the instance
func (i *Instance) ClusterService() ClusterHandler {
	return i
}

// HAService returns the handler of the HA service of the instance
func (i *Instance) HAService() HAHandler {
	return haService{MasterServer: i.masterServer, instance: i}
}

type haService struct {
	*MasterServer
	instance *Instance
}

func (s haService) HandlePushTransaction(ctx context.Context, rc RequestContext, tx txlog.Transaction) error {
	return s.instance.applyPushed(ctx, rc, tx)
}

func (s haService) CopyTransactions(_ context.Context, rc RequestContext) (Response[struct{}], error) {
	return s.instance.copyTransactions(rc)
}

// copyTransactions returns the local transactions after rc to an instance that was elected master for an epoch at
// least as recent as the last one learned here. Nothing is returned when the caller is not behind.
func (i *Instance) copyTransactions(rc RequestContext) (Response[struct{}], error) {
	const op = "copy transactions"
	if learned := i.acceptor.Learned().Epoch; rc.Epoch < learned {
		return Response[struct{}]{}, haerr.NewInvalidEpoch(op, rc.Epoch, learned)
	}
	if rc.TxID >= i.log.LastTxID() {
		return Response[struct{}]{}, nil
	}

	checksum, err := i.log.Checksum(rc.TxID)
	if err != nil {
		return Response[struct{}]{}, haerr.NewFatal(op, err)
	}
	if checksum != rc.Checksum {
		return Response[struct{}]{}, haerr.NewFatal(op, fmt.Errorf("%w: transaction %d of instance %d differs from "+
			"instance %d", haerr.ErrBranchedData, rc.TxID, rc.InstanceID, i.self))
	}

	txs, err := i.log.Since(rc.TxID)
	if err != nil {
		return Response[struct{}]{}, haerr.NewFatal(op, err)
	}
	i.logger.Infof("[Instance] Copying %d transactions after %d to instance %d", len(txs), rc.TxID, rc.InstanceID)
	return Response[struct{}]{Transactions: txs}, nil
}

// applyPushed applies a transaction pushed by the master before returning. A transaction that does not follow the
// local store directly makes the slave pull the missing ones first.
func (i *Instance) applyPushed(ctx context.Context, rc RequestContext, tx txlog.Transaction) error {
	state, epoch, _ := i.state.snapshot()
	if state != Slave {
		return haerr.NewTransient("push transaction", fmt.Errorf("%w: instance %d is %v", haerr.ErrUnavailable,
			i.self, state))
	}
	if rc.Epoch != epoch {
		return haerr.NewInvalidEpoch("push transaction", rc.Epoch, epoch)
	}

	_, err := i.applier.Apply(tx)
	if errors.Is(err, haerr.ErrTransactionGap) {
		if err := i.puller.CatchUp(ctx); err != nil {
			return err
		}
		_, err = i.applier.Apply(tx)
	}
	return err
}
