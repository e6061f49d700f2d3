package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neo4j/neo4j-sub063/internal/delegate"
	"github.com/neo4j/neo4j-sub063/internal/haerr"
	"github.com/neo4j/neo4j-sub063/internal/logging"
)

// Condition decides whether a waiter in UpdatePuller.Await is satisfied. current is the ticket of the last
// successful pull, target the ticket of the first pull started after the wait began.
type Condition func(current, target uint64) bool

// NextTicket is satisfied by the first successful pull that started after the wait began
func NextTicket(current, target uint64) bool {
	return current >= target
}

// InvalidEpochHandler is told when a pull found the local instance serving a stale epoch or a branched store
type InvalidEpochHandler func(err error)

// UpdatePullerConfig configures an UpdatePuller
type UpdatePullerConfig struct {
	// Interval between scheduled pulls. With 0 no job is scheduled and the scheduler is never used.
	Interval  time.Duration
	Scheduler JobScheduler
	// Master is the master pulls go to
	Master *delegate.Handle[MasterClient]
	// RequestContext describes the local store for every pull
	RequestContext func() (RequestContext, error)
	OnInvalidEpoch InvalidEpochHandler
	// RetryInterval is the pause between failed pulls while a waiter is blocked in Await
	RetryInterval time.Duration
	Metrics       *Metrics
	Logger        logging.Logger
}

// UpdatePuller keeps a slave up to date by pulling missing transactions from the master, on a schedule and on
// demand. At most one pull runs at a time.
type UpdatePuller struct {
	config  UpdatePullerConfig
	applier *applier

	// Protects all fields below
	mu      sync.Mutex
	active  bool
	job     JobHandle
	stopped chan struct{}
	// Tickets of the last started and the last successfully completed pull
	started   uint64
	completed uint64

	pullMu   sync.Mutex
	failures *logging.CappedLogger
	logger   logging.Logger
}

func NewUpdatePuller(cfg UpdatePullerConfig, applier *applier) (*UpdatePuller, error) {
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("pull interval must not be negative")
	}
	if cfg.Interval > 0 && cfg.Scheduler == nil {
		return nil, fmt.Errorf("a job scheduler is required with a pull interval")
	}
	if cfg.Master == nil || cfg.RequestContext == nil {
		return nil, fmt.Errorf("master handle and request context factory are required")
	}
	if cfg.OnInvalidEpoch == nil {
		cfg.OnInvalidEpoch = func(error) {}
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	stopped := make(chan struct{})
	close(stopped)
	return &UpdatePuller{
		config:   cfg,
		applier:  applier,
		stopped:  stopped,
		failures: logging.NewCappedLogger(cfg.Logger, "pull failures", 3),
		logger:   cfg.Logger,
	}, nil
}

// Start activates the puller and schedules the recurring pull. Starting an active puller does nothing.
func (p *UpdatePuller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active {
		return
	}
	p.active = true
	p.stopped = make(chan struct{})

	if p.config.Interval > 0 {
		p.job = p.config.Scheduler.ScheduleRecurring("UpdatePuller", p.config.Interval, p.scheduledPull)
		p.logger.Infof("[UpdatePuller] Started, pulling every %v", p.config.Interval)
	} else {
		p.logger.Infof("[UpdatePuller] Started without scheduled pulls")
	}
}

// Stop deactivates the puller. Pulls in flight are cancelled and blocked waiters are released.
func (p *UpdatePuller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return
	}
	p.active = false
	close(p.stopped)
	if p.job != nil {
		p.job.Cancel()
		p.job = nil
	}
	p.logger.Infof("[UpdatePuller] Stopped")
}

func (p *UpdatePuller) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *UpdatePuller) scheduledPull() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("[UpdatePuller] Scheduled pull panicked: %v", r)
		}
	}()

	ctx, cancel := p.withStop(context.Background())
	defer cancel()
	_ = p.PullUpdates(ctx)
}

// PullUpdates pulls once from the master and applies what it returns
func (p *UpdatePuller) PullUpdates(ctx context.Context) error {
	if !p.IsActive() {
		return haerr.NewTransient("pull updates", haerr.ErrPullerInactive)
	}
	return p.pull(ctx, true)
}

// Await blocks until cond holds, pulling as needed. An inactive puller ends the wait: with strict it fails with
// ErrPullerInactive, otherwise it returns nil. Invalid epochs and branched stores end the wait with the error.
func (p *UpdatePuller) Await(ctx context.Context, cond Condition, strict bool) error {
	p.mu.Lock()
	target := p.started + 1
	p.mu.Unlock()

	for {
		p.mu.Lock()
		active, current, stopped := p.active, p.completed, p.stopped
		p.mu.Unlock()

		if !active {
			if strict {
				return haerr.NewFatal("await updates", haerr.ErrPullerInactive)
			}
			return nil
		}
		if cond(current, target) {
			return nil
		}

		pullCtx, cancel := p.withStop(ctx)
		err := p.pull(pullCtx, true)
		cancel()
		if err == nil {
			continue
		}
		if needsNewMaster(err) {
			return err
		}

		select {
		case <-time.After(p.config.RetryInterval):
		case <-stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CatchUp pulls once regardless of whether the puller is active. It is used while switching to slave, so errors
// are only returned and never reported to the invalid epoch handler.
func (p *UpdatePuller) CatchUp(ctx context.Context) error {
	return p.pull(ctx, false)
}

func (p *UpdatePuller) pull(ctx context.Context, report bool) error {
	p.pullMu.Lock()
	defer p.pullMu.Unlock()

	p.mu.Lock()
	p.started++
	ticket := p.started
	p.mu.Unlock()

	err := p.pullOnce(ctx)
	p.config.Metrics.RecordPull(err)
	if err != nil {
		if ctx.Err() == nil && report {
			p.failures.Warnf("[UpdatePuller] Pull failed: %v", err)
		}
		if report && needsNewMaster(err) {
			p.config.OnInvalidEpoch(err)
		}
		return err
	}

	if failed := p.failures.Count(); failed > 0 {
		p.logger.Infof("[UpdatePuller] Pulling again after %d failures", failed)
		p.failures.Reset()
	}

	p.mu.Lock()
	p.completed = ticket
	p.mu.Unlock()
	return nil
}

func (p *UpdatePuller) pullOnce(ctx context.Context) error {
	master, ok := p.config.Master.Current()
	if !ok {
		return haerr.NewTransient("pull updates", fmt.Errorf("%w: no master", haerr.ErrUnavailable))
	}

	rc, err := p.config.RequestContext()
	if err != nil {
		return err
	}
	response, err := master.PullUpdates(ctx, rc)
	if err != nil {
		return err
	}
	if _, err := p.applier.Apply(response.Transactions...); err != nil {
		return err
	}
	return nil
}

// withStop derives a context that is also cancelled when the puller stops
func (p *UpdatePuller) withStop(parent context.Context) (context.Context, context.CancelFunc) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-stopped:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// needsNewMaster reports whether err means the master has to be re-resolved before pulling again
func needsNewMaster(err error) bool {
	return haerr.IsInvalidEpoch(err) || errors.Is(err, haerr.ErrBranchedData)
}
