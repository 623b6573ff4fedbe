package socket

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/driftchat/drift/internal/monitoring"
)

// Task is one unit of fan-out work.
type Task func()

// Pool bounds the goroutines used for broadcast fan-out. A full queue
// drops the task rather than spawning; droppable broadcast work is cheap
// to lose and unbounded goroutine growth is not.
type Pool struct {
	tasks   chan Task
	dropped int64
	stop    chan struct{}
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// NewPool starts workers goroutines draining a queue of queueSize.
func NewPool(workers, queueSize int, logger zerolog.Logger) *Pool {
	p := &Pool{
		tasks:  make(chan Task, queueSize),
		stop:   make(chan struct{}),
		logger: logger.With().Str("component", "socket_pool").Logger(),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			func() {
				defer monitoring.RecoverPanic(p.logger, "poolWorker", nil)
				task()
			}()
		case <-p.stop:
			return
		}
	}
}

// Submit enqueues a task, dropping it when the queue is full.
func (p *Pool) Submit(task Task) {
	select {
	case p.tasks <- task:
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

// Dropped returns the number of tasks discarded on a full queue.
func (p *Pool) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}

// Stop halts the workers. Queued tasks are abandoned.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}
