package ha

import (
	"sync"
	"time"

	"github.com/neo4j/neo4j-sub063/internal/logging"
)

// JobHandle cancels a scheduled job
type JobHandle interface {
	Cancel()
}

// JobScheduler runs background jobs
type JobScheduler interface {
	// ScheduleRecurring runs job every interval until the returned handle is cancelled. Runs never overlap.
	ScheduleRecurring(name string, interval time.Duration, job func()) JobHandle
}

// TickerScheduler runs every recurring job in its own goroutine driven by a time.Ticker
type TickerScheduler struct {
	wg     sync.WaitGroup
	logger logging.Logger
}

func NewTickerScheduler(logger logging.Logger) *TickerScheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &TickerScheduler{logger: logger}
}

type tickerJob struct {
	stop chan struct{}
	once sync.Once
}

func (j *tickerJob) Cancel() {
	j.once.Do(func() { close(j.stop) })
}

func (s *TickerScheduler) ScheduleRecurring(name string, interval time.Duration, job func()) JobHandle {
	handle := &tickerJob{stop: make(chan struct{})}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Debugf("[JOB] Started %s every %v", name, interval)
		for {
			select {
			case <-ticker.C:
				job()
			case <-handle.stop:
				s.logger.Debugf("[JOB] Stopped %s", name)
				return
			}
		}
	}()

	return handle
}

// Wait blocks until every cancelled job has exited
func (s *TickerScheduler) Wait() {
	s.wg.Wait()
}
