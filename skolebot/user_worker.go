package skolebot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const userWorkerQueueSize = 16

// userMessageWorker processes one member's guild messages, in the order
// they were received. It stops itself after sitting idle.
type userMessageWorker struct {
	userID string

	// messageCh receives messages dispatched to this worker
	messageCh chan *discordgo.MessageCreate

	// pending counts messages dispatched but not yet received. It's only
	// incremented while holding the pool lock, and the worker only
	// retires (also under the pool lock) when it's zero.
	pending atomic.Int64

	// lastMessageAt is the unix millisecond time the last message was
	// handled, or the worker started
	lastMessageAt atomic.Int64

	// signalStop is a channel for sending a stop signal to the worker
	signalStop chan struct{}

	// stopped receives the time the worker stopped
	stopped chan time.Time

	pool *userWorkerPool
}

func newUserWorker(pool *userWorkerPool, userID string) *userMessageWorker {
	return &userMessageWorker{
		userID:     userID,
		messageCh:  make(chan *discordgo.MessageCreate, userWorkerQueueSize),
		signalStop: make(chan struct{}, 1),
		stopped:    make(chan time.Time, 1),
		pool:       pool,
	}
}

// Expired returns the time the worker goes idle, and whether that's passed
func (w *userMessageWorker) Expired() (time.Time, bool) {
	expiresAt := time.UnixMilli(w.lastMessageAt.Load()).Add(w.pool.idleTimeout)
	return expiresAt, time.Now().After(expiresAt)
}

// Run handles messages until the context is canceled, a stop signal
// is received, or the worker has been idle for the pool's idle timeout.
func (w *userMessageWorker) Run(ctx context.Context, startCh chan struct{}) {
	log := contextLoggerOr(ctx, w.pool.logger).With("user_id", w.userID)
	ctx = WithLogger(ctx, log)

	log.DebugContext(ctx, "starting user worker")
	startedAt := time.Now()
	ticker := time.NewTicker(w.pool.checkInterval)

	defer func() {
		ticker.Stop()
		endedAt := time.Now()
		log.DebugContext(
			ctx,
			"stopped user worker",
			"stopped_at", endedAt,
			"runtime", endedAt.Sub(startedAt),
		)
		w.stopped <- endedAt
		close(w.stopped)
	}()

	w.lastMessageAt.Store(startedAt.UnixMilli())
	startCh <- struct{}{}
	close(startCh)

	for {
		select {
		case <-ctx.Done():
			log.DebugContext(ctx, "context canceled")
			w.pool.remove(w)
			return
		case <-w.signalStop:
			log.InfoContext(ctx, "got stop signal")
			w.pool.remove(w)
			return
		case <-ticker.C:
			expiresAt, isExpired := w.Expired()
			if isExpired && w.pool.retire(w) {
				log.DebugContext(
					ctx,
					"worker idle, stopping",
					"worker_expired", expiresAt,
				)
				return
			}
		case m := <-w.messageCh:
			w.pending.Add(-1)
			w.handle(ctx, log, m)
			w.lastMessageAt.Store(time.Now().UnixMilli())
		}
	}
}

func (w *userMessageWorker) handle(
	ctx context.Context,
	log *slog.Logger,
	m *discordgo.MessageCreate,
) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(
				ctx,
				"panic handling message",
				tint.Err(fmt.Errorf("%v", r)),
			)
		}
	}()
	w.pool.handle(ctx, m)
}

// userWorkerPool keeps at most one running worker per member
type userWorkerPool struct {
	mu            sync.Mutex
	workers       map[string]*userMessageWorker
	running       sync.WaitGroup
	idleTimeout   time.Duration
	checkInterval time.Duration
	handle        func(ctx context.Context, m *discordgo.MessageCreate)
	logger        *slog.Logger
}

func newUserWorkerPool(
	idleTimeout time.Duration,
	handle func(ctx context.Context, m *discordgo.MessageCreate),
	logger *slog.Logger,
) *userWorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	checkInterval := time.Minute
	if idleTimeout < checkInterval {
		checkInterval = idleTimeout
	}
	return &userWorkerPool{
		workers:       map[string]*userMessageWorker{},
		idleTimeout:   idleTimeout,
		checkInterval: checkInterval,
		handle:        handle,
		logger:        logger.With(loggerNameKey, "user_worker"),
	}
}

// Dispatch queues a message on the author's worker, starting one if
// needed. Blocks if the worker's queue is full.
func (p *userWorkerPool) Dispatch(ctx context.Context, m *discordgo.MessageCreate) error {
	userID := m.Author.ID

	p.mu.Lock()
	w := p.workers[userID]
	if w == nil {
		w = newUserWorker(p, userID)
		startSignal := make(chan struct{}, 1)
		p.workers[userID] = w
		p.running.Add(1)
		go func() {
			defer p.running.Done()
			w.Run(ctx, startSignal)
		}()
		<-startSignal
	}
	w.pending.Add(1)
	p.mu.Unlock()

	select {
	case w.messageCh <- m:
		return nil
	case <-ctx.Done():
		w.pending.Add(-1)
		return ctx.Err()
	}
}

// retire removes an idle worker, unless a message was dispatched to it
// in the meantime. Returns true if the worker was removed.
func (p *userWorkerPool) retire(w *userMessageWorker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.pending.Load() > 0 || len(w.messageCh) > 0 {
		return false
	}
	if p.workers[w.userID] == w {
		delete(p.workers, w.userID)
	}
	return true
}

func (p *userWorkerPool) remove(w *userMessageWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers[w.userID] == w {
		delete(p.workers, w.userID)
	}
}

// Len returns the number of running workers
func (p *userWorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Stop signals every worker to stop, then waits for them, or for the
// context to be done.
func (p *userWorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	for _, w := range p.workers {
		select {
		case w.signalStop <- struct{}{}:
		default:
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
