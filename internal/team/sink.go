package team

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	sinkTimeout  = 10 * time.Second
	sinkAttempts = 3
	// backlogWarn is the queue length at which, and every multiple of
	// which, a slow sink is reported.
	backlogWarn = 1024
)

var sinkRetryDelay = 200 * time.Millisecond

type sinkItem struct {
	seq int
	ev  Event
}

// sinkWorker feeds one Sink from its own goroutine so slow storage never
// stalls the coordinator. The queue is unbounded: every committed event
// reaches the sink, in order, until close.
type sinkWorker struct {
	name   string
	sink   Sink
	logger *zap.Logger

	mu     sync.Mutex
	queue  []sinkItem
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSinkWorker(name string, s Sink, logger *zap.Logger) *sinkWorker {
	w := &sinkWorker{
		name:   name,
		sink:   s,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *sinkWorker) push(seq int, ev Event) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Error("team sink closed, event not recorded",
			zap.String("sink", w.name), zap.Int("seq", seq), zap.String("event", string(ev.Type())))
		return
	}
	w.queue = append(w.queue, sinkItem{seq: seq, ev: ev})
	backlog := len(w.queue)
	w.mu.Unlock()

	if backlog%backlogWarn == 0 {
		w.logger.Warn("team sink falling behind", zap.String("sink", w.name), zap.Int("backlog", backlog))
	}
	w.signal()
}

func (w *sinkWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *sinkWorker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		closed := w.closed
		w.mu.Unlock()

		for _, it := range batch {
			w.record(it)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-w.wake
	}
}

// record writes one event, retrying transient failures. An event that
// still fails is logged as a gap in the sink's sequence.
func (w *sinkWorker) record(it sinkItem) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := w.sink.RecordTeamEvent(ctx, it.seq, it.ev)
		cancel()
		if err == nil {
			return
		}
		if attempt == sinkAttempts {
			w.logger.Error("team sink lost event",
				zap.String("sink", w.name), zap.Int("seq", it.seq),
				zap.String("event", string(it.ev.Type())), zap.Error(err))
			return
		}
		w.logger.Warn("team sink failed, retrying",
			zap.String("sink", w.name), zap.Int("seq", it.seq), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * sinkRetryDelay)
	}
}

// close drains what is queued and stops the worker.
func (w *sinkWorker) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
	<-w.done
}
