package ha

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/neo4j/neo4j-sub063/internal/cluster"
	"github.com/neo4j/neo4j-sub063/internal/election"
	"github.com/neo4j/neo4j-sub063/internal/events"
	"github.com/neo4j/neo4j-sub063/internal/haerr"
)

// catchUpRetryInterval is the pause between catch up attempts while switching to slave
const catchUpRetryInterval = 50 * time.Millisecond

// StateMachine drives the HA state of an Instance. It runs in a single goroutine that reacts to membership,
// election and epoch events and reconciles the state with what is known about the cluster, plus once per heartbeat
// interval in case an event was dropped. Every transition happens on that goroutine.
type StateMachine struct {
	instance *Instance

	memberAliveChan  chan *events.Event[events.MemberPayload]
	memberFailedChan chan *events.Event[events.MemberPayload]
	electedChan      chan *events.Event[events.MasterElectedPayload]
	quorumChan       chan *events.Event[events.QuorumPayload]
	invalidEpochChan chan *events.Event[events.InvalidEpochPayload]
	electionDone     chan error
	subscriptions    []subscription

	// Only touched by the Run goroutine
	electing      bool
	nextElection  time.Time
	servedEpoch   uint64
	electionStart time.Time
	slaveSince    time.Time
}

func newStateMachine(instance *Instance) *StateMachine {
	m := &StateMachine{
		instance: instance,
		// A restarted instance never resumes an epoch it restored, it has to find that master alive or elect anew
		servedEpoch:      instance.acceptor.Learned().Epoch,
		memberAliveChan:  make(chan *events.Event[events.MemberPayload], 64),
		memberFailedChan: make(chan *events.Event[events.MemberPayload], 64),
		electedChan:      make(chan *events.Event[events.MasterElectedPayload], 64),
		quorumChan:       make(chan *events.Event[events.QuorumPayload], 64),
		invalidEpochChan: make(chan *events.Event[events.InvalidEpochPayload], 64),
		electionDone:     make(chan error, 1),
	}

	subscribe(m, events.MemberAlive, m.memberAliveChan)
	subscribe(m, events.MemberFailed, m.memberFailedChan)
	subscribe(m, events.MasterElected, m.electedChan)
	subscribe(m, events.InstanceDetached, m.quorumChan)
	subscribe(m, events.InstanceJoined, m.quorumChan)
	subscribe(m, events.InvalidEpochDetected, m.invalidEpochChan)

	return m
}

type subscription struct {
	eventType events.Type
	id        events.SubscriberID
}

func subscribe[T any](m *StateMachine, eventType events.Type, ch chan *events.Event[T]) {
	id := events.Subscribe(m.instance.bus, eventType, ch, events.SubscriptionOptions{IsBlocking: false})
	m.subscriptions = append(m.subscriptions, subscription{eventType: eventType, id: id})
}

// unsubscribe detaches the state machine from the bus and reports the events it missed because it fell behind
func (m *StateMachine) unsubscribe() {
	bus := m.instance.bus
	for _, sub := range m.subscriptions {
		if dropped := bus.Dropped(sub.eventType, sub.id); dropped > 0 {
			m.instance.logger.Warnf("[StateMachine] Missed %d %v events", dropped, sub.eventType)
		}
		bus.Unsubscribe(sub.eventType, sub.id)
	}
	m.subscriptions = nil
}

// Run runs the state machine until ctx is done. It should be executed as a goroutine.
func (m *StateMachine) Run(ctx context.Context) {
	logger := m.instance.logger
	ticker := time.NewTicker(m.instance.config.HeartbeatInterval.Std())
	defer ticker.Stop()
	defer m.unsubscribe()

	logger.Infof("[StateMachine] Instance %d started in %v", m.instance.self, m.instance.state.getState())
	for {
		select {
		case <-ctx.Done():
			if m.electing {
				<-m.electionDone
			}
			m.toPending("shutting down")
			return
		case ev, ok := <-m.memberAliveChan:
			if ok {
				logger.Debugf("[StateMachine] Instance %d is alive", ev.Payload.InstanceID)
				m.reconcile(ctx)
			}
		case ev, ok := <-m.memberFailedChan:
			if ok {
				logger.Debugf("[StateMachine] Instance %d failed", ev.Payload.InstanceID)
				m.reconcile(ctx)
			}
		case ev, ok := <-m.electedChan:
			if ok {
				logger.Debugf("[StateMachine] Master %d elected for epoch %d", ev.Payload.MasterID, ev.Payload.Epoch)
				m.reconcile(ctx)
			}
		case ev, ok := <-m.quorumChan:
			if ok {
				logger.Debugf("[StateMachine] %v with %d of %d instances alive", ev.Type, ev.Payload.Alive,
					ev.Payload.Configured)
				m.reconcile(ctx)
			}
		case ev, ok := <-m.invalidEpochChan:
			if ok {
				m.onInvalidEpoch(ctx, ev.Payload)
			}
		case err := <-m.electionDone:
			m.onElectionDone(err)
			m.reconcile(ctx)
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

// reconcile moves the instance towards the state the cluster view calls for: Pending without quorum, Master or
// Slave under the last learned election, and a new election when no live master is known
func (m *StateMachine) reconcile(ctx context.Context) {
	inst := m.instance
	state, epoch, master := inst.state.snapshot()

	if !inst.membership.HasQuorum() {
		if state != Pending {
			m.toPending("quorum lost")
		}
		return
	}

	learned := inst.acceptor.Learned()
	switch state {
	case Master:
		if learned.Epoch <= epoch {
			return
		}
		m.toPending(fmt.Sprintf("epoch %d superseded by epoch %d", epoch, learned.Epoch))
	case Slave:
		if learned.Epoch > epoch {
			m.toPending(fmt.Sprintf("epoch %d superseded by epoch %d", epoch, learned.Epoch))
		} else if !inst.membership.IsAlive(master.ID) {
			m.toPending(fmt.Sprintf("master %d failed", master.ID))
		} else if m.masterSteppedDown(master.ID) {
			m.toPending(fmt.Sprintf("master %d stepped down", master.ID))
		} else {
			return
		}
	case ToMaster, ToSlave:
		return
	}

	if ctx.Err() != nil || learned.Epoch == 0 {
		m.maybeElect(ctx)
		return
	}

	if learned.Master.ID == inst.self {
		if learned.Epoch > m.servedEpoch {
			m.switchToMaster(ctx, learned)
			return
		}
		// Served this epoch before and dropped out of it, a new election decides who takes over
		m.maybeElect(ctx)
		return
	}

	if m.masterReachable(learned) {
		m.switchToSlave(ctx, learned)
		return
	}
	m.maybeElect(ctx)
}

// masterReachable reports whether the master of learned is alive and either serves learned's epoch or is about to
func (m *StateMachine) masterReachable(learned election.Learned) bool {
	member, ok := m.instance.membership.Member(learned.Master.ID)
	if !ok || !member.Alive {
		return false
	}
	if member.Role == cluster.RoleMaster && member.Epoch == learned.Epoch {
		return true
	}
	return learned.Epoch > m.servedEpoch
}

// masterSteppedDown reports whether the master announced another role since the instance became its slave
func (m *StateMachine) masterSteppedDown(id cluster.InstanceID) bool {
	member, ok := m.instance.membership.Member(id)
	return ok && member.Role != cluster.RoleMaster && member.LastHeartbeat.After(m.slaveSince)
}

func (m *StateMachine) maybeElect(ctx context.Context) {
	inst := m.instance
	if m.electing || ctx.Err() != nil || inst.state.getState() != Pending {
		return
	}

	now := time.Now()
	grace := 2 * inst.config.HeartbeatInterval.Std()
	if now.Sub(inst.state.getPendingSince()) < grace || now.Before(m.nextElection) {
		return
	}

	m.electing = true
	m.electionStart = now
	inst.logger.Infof("[StateMachine] Instance %d starts an election for epoch %d", inst.self,
		inst.acceptor.Learned().Epoch+1)

	go func() {
		_, err := inst.elector.Elect(ctx)
		m.electionDone <- err
	}()
}

func (m *StateMachine) onElectionDone(err error) {
	inst := m.instance
	m.electing = false
	inst.metrics.RecordElection(time.Since(m.electionStart))

	if err == nil {
		return
	}

	// Back off between one and three heartbeat intervals so competing proposers spread out
	interval := inst.config.HeartbeatInterval.Std()
	backoff := interval + time.Duration(rand.Int63n(int64(2*interval)+1))
	m.nextElection = time.Now().Add(backoff)
	inst.logger.Debugf("[StateMachine] Election failed, next attempt in %v: %v", backoff, err)
}

func (m *StateMachine) onInvalidEpoch(ctx context.Context, payload events.InvalidEpochPayload) {
	state, epoch, _ := m.instance.state.snapshot()
	if state.Available() && payload.Epoch == epoch {
		m.instance.logger.Warnf("[StateMachine] Invalid epoch detected: %v", payload.Err)
		m.toPending("invalid epoch")
	}
	m.reconcile(ctx)
}

func (m *StateMachine) switchToMaster(ctx context.Context, learned election.Learned) {
	inst := m.instance
	m.transition(ToMaster, learned.Epoch)
	inst.state.serve(learned)
	m.servedEpoch = learned.Epoch

	inst.puller.Stop()
	inst.idPool.reset()

	switchCtx, cancel := context.WithTimeout(ctx, inst.config.StateSwitchTimeout.Std())
	defer cancel()
	if err := m.copyMissing(switchCtx); err != nil {
		inst.logger.Warnf("[StateMachine] Failed to switch to master for epoch %d: %v", learned.Epoch, err)
		m.toPending("switch to master failed")
		return
	}

	inst.ids.reset(inst.graph)
	inst.master.SetDelegate(inst.masterServer)

	m.transition(Master, learned.Epoch)
	inst.master.Harden()
	inst.logger.Infof("[StateMachine] Instance %d is master for epoch %d at transaction %d", inst.self,
		learned.Epoch, inst.log.LastTxID())
	events.Publish(inst.bus, events.NewEvent(events.MasterAvailable, events.RoleAvailablePayload{
		InstanceID: int(inst.self),
		Epoch:      learned.Epoch,
		HAAddr:     inst.config.HAServer,
	}))
}

// copyMissing copies into the local store the transactions alive members have beyond it. A slave may hold
// transactions the new master never got pushed. Members are asked most recent first. Failing to reach a member
// that reported more transactions than the local store holds fails the switch.
func (m *StateMachine) copyMissing(ctx context.Context) error {
	inst := m.instance
	members := inst.membership.AliveMembers()
	sort.Slice(members, func(a, b int) bool { return members[a].LastTxID > members[b].LastTxID })

	for _, member := range members {
		rc, err := inst.rc.newRequestContext()
		if err != nil {
			return err
		}
		response, err := inst.network.CopyTransactions(ctx, member.HAAddr, rc)
		if err != nil {
			if member.LastTxID > rc.TxID || !haerr.IsTransient(err) {
				return fmt.Errorf("copying transactions from instance %d: %w", member.ID, err)
			}
			inst.logger.Warnf("[StateMachine] Skipping instance %d while copying transactions: %v", member.ID, err)
			continue
		}
		if len(response.Transactions) == 0 {
			continue
		}
		if _, err := inst.applier.Apply(response.Transactions...); err != nil {
			return err
		}
		inst.logger.Infof("[StateMachine] Copied transactions up to %d from instance %d", inst.log.LastTxID(),
			member.ID)
	}
	return nil
}

func (m *StateMachine) switchToSlave(ctx context.Context, learned election.Learned) {
	inst := m.instance
	m.transition(ToSlave, learned.Epoch)
	inst.state.serve(learned)
	m.servedEpoch = learned.Epoch

	inst.puller.Stop()
	inst.idPool.reset()
	inst.master.SetDelegate(newRemoteMaster(learned.Master.HAAddr, inst.network))

	switchCtx, cancel := context.WithTimeout(ctx, inst.config.StateSwitchTimeout.Std())
	defer cancel()
	if err := m.catchUp(switchCtx, learned); err != nil {
		inst.logger.Warnf("[StateMachine] Failed to switch to slave of instance %d for epoch %d: %v",
			learned.Master.ID, learned.Epoch, err)
		m.toPending("switch to slave failed")
		return
	}

	inst.puller.Start()
	m.slaveSince = time.Now()
	m.transition(Slave, learned.Epoch)
	inst.master.Harden()
	inst.logger.Infof("[StateMachine] Instance %d is slave of instance %d for epoch %d at transaction %d",
		inst.self, learned.Master.ID, learned.Epoch, inst.log.LastTxID())
	events.Publish(inst.bus, events.NewEvent(events.SlaveAvailable, events.RoleAvailablePayload{
		InstanceID: int(inst.self),
		Epoch:      learned.Epoch,
		HAAddr:     inst.config.HAServer,
	}))
}

// catchUp brings the local store up to the master's. A store that branched from the master's history is discarded
// and copied from the master.
func (m *StateMachine) catchUp(ctx context.Context, learned election.Learned) error {
	inst := m.instance
	for {
		err := inst.puller.CatchUp(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, haerr.ErrBranchedData):
			inst.logger.Warnf("[StateMachine] Local store branched from the master, copying the store: %v", err)
			if err := inst.applier.reset(); err != nil {
				return err
			}
			continue
		case !haerr.IsTransient(err):
			return err
		}

		select {
		case <-time.After(catchUpRetryInterval):
		case <-ctx.Done():
			return fmt.Errorf("catching up with the master: %w", err)
		}
		if current := inst.acceptor.Learned().Epoch; current != learned.Epoch {
			return fmt.Errorf("epoch %d was superseded by epoch %d", learned.Epoch, current)
		}
	}
}

func (m *StateMachine) toPending(reason string) {
	inst := m.instance
	if inst.state.getState() == Pending {
		return
	}

	inst.puller.Stop()
	inst.master.Clear()
	inst.idPool.reset()

	previous := m.transition(Pending, inst.state.getEpoch())
	inst.logger.Warnf("[StateMachine] Instance %d left %v: %s", inst.self, previous, reason)
}

// transition sets the state, announces it and returns the previous one
func (m *StateMachine) transition(state State, epoch uint64) State {
	inst := m.instance
	previous := inst.state.setState(state)
	inst.metrics.RecordStateSwitch()

	events.Publish(inst.bus, events.NewEvent(events.RoleChanged, events.RoleChangedPayload{
		From:  previous.String(),
		To:    state.String(),
		Epoch: epoch,
	}))
	inst.membership.Trigger()
	return previous
}
