package ha

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/config"
	"github.com/neo4j/neo4j-sub063/internal/logging"
	"github.com/neo4j/neo4j-sub063/internal/txlog"
)

// Pusher delivers a committed transaction to the slave at addr
type Pusher interface {
	PushTransaction(ctx context.Context, addr string, rc RequestContext, tx txlog.Transaction) error
}

// PropagatorConfig configures a Propagator
type PropagatorConfig struct {
	Self     cluster.InstanceID
	Factor   int
	Strategy config.PushStrategy
	// Members lists the members the master currently knows of
	Members func() []cluster.Member
	// PushTimeout bounds every single push
	PushTimeout time.Duration
	Metrics     *Metrics
	Logger      logging.Logger
}

// Propagator pushes every transaction committed on the master to up to Factor slaves before the commit returns.
// Candidates are tried in the order of the push strategy until Factor of them applied the transaction or none is
// left. Failed pushes are logged and counted; they never fail the commit and are not retried, slaves catch up by
// pulling.
type Propagator struct {
	mu     sync.Mutex
	config PropagatorConfig
	pusher Pusher
	// Rotation of the round robin strategy, advanced once per push
	cursor int

	failures *logging.CappedLogger
	logger   logging.Logger
}

func NewPropagator(cfg PropagatorConfig, pusher Pusher) (*Propagator, error) {
	if cfg.Factor < 0 {
		return nil, fmt.Errorf("push factor must not be negative")
	}
	cfg.Strategy = cfg.Strategy.Normalize()
	switch cfg.Strategy {
	case config.StrategyFixedDescending, config.StrategyFixedAscending, config.StrategyRoundRobin:
	default:
		return nil, fmt.Errorf("unknown push strategy %q", cfg.Strategy)
	}
	if cfg.Members == nil {
		return nil, fmt.Errorf("members provider is required")
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Propagator{
		config:   cfg,
		pusher:   pusher,
		failures: logging.NewCappedLogger(cfg.Logger, "push failures", 10),
		logger:   cfg.Logger,
	}, nil
}

// Push pushes tx to up to Factor slaves serving rc.Epoch, never to origin. It returns the ids of the slaves that
// applied it.
func (p *Propagator) Push(ctx context.Context, rc RequestContext, tx txlog.Transaction,
	origin cluster.InstanceID) []cluster.InstanceID {
	if p.config.Factor == 0 {
		return nil
	}

	var pushed []cluster.InstanceID
	for _, slave := range p.candidates(rc.Epoch, origin) {
		if len(pushed) == p.config.Factor {
			break
		}

		pushCtx, cancel := context.WithTimeout(ctx, p.config.PushTimeout)
		err := p.pusher.PushTransaction(pushCtx, slave.HAAddr, rc, tx)
		cancel()

		p.config.Metrics.RecordPush(err)
		if err != nil {
			p.failures.Warnf("[Propagator] Failed to push transaction %d to instance %d at %s: %v", tx.ID, slave.ID,
				slave.HAAddr, err)
			continue
		}
		pushed = append(pushed, slave.ID)
	}

	if len(pushed) < p.config.Factor {
		p.logger.Debugf("[Propagator] Transaction %d reached %d of %d slaves", tx.ID, len(pushed), p.config.Factor)
	}
	return pushed
}

// candidates orders the alive slaves of epoch, excluding origin and self, by the push strategy
func (p *Propagator) candidates(epoch uint64, origin cluster.InstanceID) []cluster.Member {
	var slaves []cluster.Member
	for _, member := range p.config.Members() {
		if !member.Alive || member.Role != cluster.RoleSlave || member.Epoch != epoch {
			continue
		}
		if member.ID == origin || member.ID == p.config.Self {
			continue
		}
		slaves = append(slaves, member)
	}
	sort.Slice(slaves, func(i, j int) bool { return slaves[i].ID < slaves[j].ID })

	switch p.config.Strategy {
	case config.StrategyFixedDescending:
		sort.Slice(slaves, func(i, j int) bool { return slaves[i].ID > slaves[j].ID })
	case config.StrategyRoundRobin:
		if len(slaves) == 0 {
			return slaves
		}
		p.mu.Lock()
		start := p.cursor % len(slaves)
		p.cursor++
		p.mu.Unlock()
		rotated := make([]cluster.Member, 0, len(slaves))
		rotated = append(rotated, slaves[start:]...)
		slaves = append(rotated, slaves[:start]...)
	}
	return slaves
}
