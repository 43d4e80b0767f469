package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionObserver is notified about session lifecycle. Calls are made from a
// single background goroutine, in the order the events happened, so an
// observer may do network I/O without holding up removal or fan-out. Each
// call gets its own bounded context.
type SessionObserver interface {
	SessionOpened(ctx context.Context, s *Session)
	SessionClosed(ctx context.Context, s *Session, reason string)
	SessionsAlive(ctx context.Context, sessions []*Session)
}

const (
	observerTimeout = 2 * time.Second
	observerQueue   = 1024
)

// notifier queues observer calls and runs them one at a time. A nil notifier
// (no observer configured) ignores everything.
type notifier struct {
	observer SessionObserver
	queue    chan func(context.Context)
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	log      *zap.Logger
}

func newNotifier(observer SessionObserver, log *zap.Logger) *notifier {
	if observer == nil {
		return nil
	}
	n := &notifier{
		observer: observer,
		queue:    make(chan func(context.Context), observerQueue),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      log,
	}
	go n.loop()
	return n
}

func (n *notifier) loop() {
	defer close(n.done)
	for {
		select {
		case fn := <-n.queue:
			n.call(fn)
		case <-n.stop:
			// run what was queued before the stop
			for {
				select {
				case fn := <-n.queue:
					n.call(fn)
				default:
					return
				}
			}
		}
	}
}

func (n *notifier) call(fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			n.log.Error("session observer panicked", zap.Any("panic", rec))
		}
	}()
	fn(ctx)
}

// enqueue never blocks: when the queue is full the call is dropped and logged.
func (n *notifier) enqueue(what string, fn func(context.Context)) {
	if n == nil {
		return
	}
	select {
	case <-n.stop:
		return
	default:
	}
	select {
	case n.queue <- fn:
	default:
		n.log.Warn("observer queue full, dropping notification", zap.String("notification", what))
	}
}

func (n *notifier) opened(s *Session) {
	n.enqueue("opened", func(ctx context.Context) { n.observer.SessionOpened(ctx, s) })
}

func (n *notifier) closed(s *Session, reason string) {
	n.enqueue("closed", func(ctx context.Context) { n.observer.SessionClosed(ctx, s, reason) })
}

// alive takes the snapshot when the call runs, not when it is queued, so a
// session closed in between is never re-announced after its close.
func (n *notifier) alive(snapshot func() []*Session) {
	n.enqueue("alive", func(ctx context.Context) { n.observer.SessionsAlive(ctx, snapshot()) })
}

// flush blocks until every call queued before it has run.
func (n *notifier) flush() {
	if n == nil {
		return
	}
	ran := make(chan struct{})
	select {
	case n.queue <- func(context.Context) { close(ran) }:
	case <-n.done:
		return
	}
	select {
	case <-ran:
	case <-n.done:
	}
}

// close runs the queued calls and stops the goroutine. Later notifications
// are discarded.
func (n *notifier) close() {
	if n == nil {
		return
	}
	n.stopOnce.Do(func() { close(n.stop) })
	<-n.done
}
