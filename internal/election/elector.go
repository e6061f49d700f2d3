package election

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/haerr"
	"github.com/neo4j/neo4j-sub063/internal/logging"
)

// ElectorConfig configures an Elector
type ElectorConfig struct {
	Self cluster.InstanceID
	// Hosts are the cluster addresses of the other configured members
	Hosts []string
	// ClusterSize is the number of configured members, self included
	ClusterSize int
	Comparator  Comparator
	// RequestTimeout bounds each prepare, accept and learn request
	RequestTimeout time.Duration
	Logger         logging.Logger
}

// Elector is the Paxos proposer of one instance. It runs at most one election at a time.
type Elector struct {
	mu        sync.Mutex
	config    ElectorConfig
	acceptor  *Acceptor
	transport Transport
	round     uint64
	logger    logging.Logger
}

func NewElector(cfg ElectorConfig, acceptor *Acceptor, transport Transport) (*Elector, error) {
	if cfg.Self == cluster.NoInstance {
		return nil, fmt.Errorf("self instance id is required")
	}
	if cfg.ClusterSize < 1 {
		return nil, fmt.Errorf("cluster size must be positive")
	}
	if cfg.Comparator == nil {
		cfg.Comparator = DefaultComparator
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Elector{
		config:    cfg,
		acceptor:  acceptor,
		transport: transport,
		logger:    cfg.Logger,
	}, nil
}

type promiseFrom struct {
	addr    string
	promise Promise
}

// Elect runs one election for the epoch after the last learned one. On success the outcome has been learned
// locally (publishing MasterElected) and broadcast to the other members. If another member already knows a newer
// election, that election is learned and returned instead. Without a majority of promises or accepts it fails with
// a transient error and nothing is learned.
func (e *Elector) Elect(ctx context.Context) (Learned, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	epoch := e.acceptor.Learned().Epoch + 1
	e.round++
	ballot := Ballot{Round: e.round, Proposer: e.config.Self}
	quorum := cluster.QuorumSize(e.config.ClusterSize)

	e.logger.Debugf("[Election] Instance %d proposing ballot %v for epoch %d", e.config.Self, ballot, epoch)

	promises := e.prepare(ctx, PrepareRequest{Epoch: epoch, Ballot: ballot})

	var (
		granted     []Promise
		masterAlive int
		highest     Ballot
		accepted    *Master
		acceptedBal Ballot
	)
	for _, p := range promises {
		if p.promise.Learned.Epoch >= epoch {
			return e.adopt(p.promise.Learned)
		}
		if e.round < p.promise.Promised.Round {
			e.round = p.promise.Promised.Round
		}
		if !p.promise.OK {
			if p.promise.MasterAlive {
				masterAlive++
			}
			if highest.Less(p.promise.Promised) {
				highest = p.promise.Promised
			}
			continue
		}
		granted = append(granted, p.promise)
		if p.promise.AcceptedValue != nil && acceptedBal.Less(p.promise.AcceptedBallot) {
			acceptedBal = p.promise.AcceptedBallot
			accepted = p.promise.AcceptedValue
		}
	}

	if len(granted) < quorum {
		switch {
		case masterAlive >= quorum:
			return Learned{}, haerr.NewTransient("elect", ErrMasterAlive)
		case len(promises) >= quorum:
			return Learned{}, haerr.NewTransient("elect",
				fmt.Errorf("%w: %d of %d promises for epoch %d, highest ballot %v", ErrRejected, len(granted),
					quorum, epoch, highest))
		default:
			return Learned{}, haerr.NewTransient("elect",
				fmt.Errorf("%w: %d of %d members reachable", haerr.ErrNoQuorum, len(promises), quorum))
		}
	}

	var value Master
	if accepted != nil {
		value = *accepted
	} else {
		best := granted[0].Credentials
		for _, p := range granted[1:] {
			if e.config.Comparator(p.Credentials, best) {
				best = p.Credentials
			}
		}
		value = best.master()
	}

	acks, err := e.accept(ctx, AcceptRequest{Epoch: epoch, Ballot: ballot, Value: value})
	if err != nil {
		return Learned{}, err
	}
	if acks < quorum {
		return Learned{}, haerr.NewTransient("elect",
			fmt.Errorf("%w: %d of %d accepts for epoch %d", haerr.ErrNoQuorum, acks, quorum, epoch))
	}

	learned := Learned{Epoch: epoch, Master: value}
	if _, err := e.acceptor.Learn(learned); err != nil {
		return Learned{}, haerr.NewFatal("elect", err)
	}
	e.broadcastLearn(ctx, learned)

	e.logger.Infof("[Election] Instance %d elected instance %d as master for epoch %d", e.config.Self, value.ID,
		epoch)
	return learned, nil
}

func (e *Elector) adopt(learned Learned) (Learned, error) {
	if _, err := e.acceptor.Learn(learned); err != nil {
		return Learned{}, haerr.NewFatal("elect", err)
	}
	return e.acceptor.Learned(), nil
}

// prepare sends the prepare request to the local acceptor and to every host, returning the responses that arrived
func (e *Elector) prepare(ctx context.Context, req PrepareRequest) []promiseFrom {
	var mu sync.Mutex
	promises := []promiseFrom{{addr: "local", promise: e.acceptor.HandlePrepare(req)}}

	g, gctx := errgroup.WithContext(ctx)
	for _, host := range e.config.Hosts {
		host := host
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(gctx, e.config.RequestTimeout)
			defer cancel()

			promise, err := e.transport.Prepare(reqCtx, host, req)
			if err != nil {
				e.logger.Debugf("[Election] Prepare to %s failed: %v", host, err)
				return nil
			}
			mu.Lock()
			promises = append(promises, promiseFrom{addr: host, promise: promise})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return promises
}

// accept sends the accept request to the local acceptor and to every host and counts the acks. If a responder
// already learned this epoch, that election is adopted and reported as an error so the caller stops.
func (e *Elector) accept(ctx context.Context, req AcceptRequest) (int, error) {
	var (
		mu      sync.Mutex
		acks    int
		learned Learned
	)

	if e.acceptor.HandleAccept(req).OK {
		acks++
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, host := range e.config.Hosts {
		host := host
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(gctx, e.config.RequestTimeout)
			defer cancel()

			resp, err := e.transport.Accept(reqCtx, host, req)
			if err != nil {
				e.logger.Debugf("[Election] Accept to %s failed: %v", host, err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if resp.OK {
				acks++
			} else if resp.Learned.Epoch >= req.Epoch && resp.Learned.Epoch > learned.Epoch {
				learned = resp.Learned
			}
			return nil
		})
	}
	_ = g.Wait()

	if learned.Epoch > 0 {
		if _, err := e.adopt(learned); err != nil {
			return 0, err
		}
		return 0, haerr.NewTransient("elect",
			fmt.Errorf("%w: epoch %d was decided concurrently", ErrRejected, learned.Epoch))
	}
	return acks, nil
}

// broadcastLearn tells every host about the decided election. Hosts that miss it learn it from heartbeats.
func (e *Elector) broadcastLearn(ctx context.Context, learned Learned) {
	var wg sync.WaitGroup
	for _, host := range e.config.Hosts {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()

			reqCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
			defer cancel()

			if err := e.transport.Learn(reqCtx, host, LearnRequest{Learned: learned}); err != nil {
				e.logger.Debugf("[Election] Learn to %s failed: %v", host, err)
			}
		}(host)
	}
	wg.Wait()
}
