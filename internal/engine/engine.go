// Package engine ties the stores, the connection manager and the dispatcher
// together. All store state lives on one goroutine (Run); every public method
// posts a closure to it and waits for the answer.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vedran77/chatsync/internal/connection"
	"github.com/vedran77/chatsync/internal/dispatch"
	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/metrics"
	"github.com/vedran77/chatsync/internal/repository"
	"github.com/vedran77/chatsync/internal/store"
	"github.com/vedran77/chatsync/internal/transport"
)

const (
	DefaultSendTimeout   = 30 * time.Second
	DefaultSweepInterval = time.Second
	DefaultHistoryLimit  = 50
	typingInterval       = 2 * time.Second
	inboxSize            = 1024
)

var (
	ErrNotRunning           = errors.New("engine is not running")
	ErrAlreadyRunning       = errors.New("engine is already running")
	ErrNoActiveConversation = store.ErrNoActiveConversation
	ErrUnknownMessage       = errors.New("unknown message")
	ErrNotPending           = errors.New("message is not pending")
)

type ChangeKind int

const (
	ChangeConnection ChangeKind = iota
	ChangeMessages
	ChangeConversations
	ChangeGroups
	ChangePresence
	ChangeTyping
)

// Change tells observers which part of the mirror moved.
type Change struct {
	Kind  ChangeKind
	Key   string
	State domain.ConnectionState
}

type Options struct {
	Identity     domain.Identity
	NewTransport func(transport.Sink) transport.Transport
	Repository   repository.MirrorRepository

	RequestTimeout time.Duration
	SendTimeout    time.Duration
	SweepInterval  time.Duration
	Backoff        connection.Backoff
	AutoReconnect  bool

	Metrics  *metrics.Metrics
	Clock    store.Clock
	Schedule connection.Scheduler
	// OnChange is called on the engine goroutine; it must not block.
	OnChange func(Change)
}

type Engine struct {
	self    domain.Identity
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     store.Clock

	conn       *connection.Manager
	dispatcher *dispatch.Dispatcher

	messages      *store.MessageStore
	conversations *store.ConversationStore
	presence      *store.PresenceTracker
	groups        *store.GroupDirectory
	typing        map[string]*rate.Limiter

	runCtx  context.Context
	inbox   chan func()
	done    chan struct{}
	running atomic.Bool
	// startMu orders Restore before Run.
	startMu sync.Mutex
}

func New(opts Options, log zerolog.Logger) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}

	e := &Engine{
		self:          opts.Identity,
		opts:          opts,
		log:           log.With().Str("component", "engine").Logger(),
		metrics:       opts.Metrics,
		now:           opts.Clock,
		messages:      store.NewMessageStore(opts.Clock),
		conversations: store.NewConversationStore(opts.Identity),
		presence:      store.NewPresenceTracker(opts.Clock),
		groups:        store.NewGroupDirectory(),
		typing:        make(map[string]*rate.Limiter),
		runCtx:        context.Background(),
		inbox:         make(chan func(), inboxSize),
		done:          make(chan struct{}),
	}

	tr := opts.NewTransport(e.deliver)
	e.conn = connection.NewManager(tr, e, connection.Options{
		Backoff:       opts.Backoff,
		AutoReconnect: opts.AutoReconnect,
		Schedule:      opts.Schedule,
		Post:          func(f func()) { e.post(f) },
		OnState: func(_, to domain.ConnectionState) {
			e.notify(Change{Kind: ChangeConnection, State: to})
		},
		Metrics: opts.Metrics,
	}, log)
	e.dispatcher = dispatch.New(e.conn, opts.RequestTimeout, opts.Metrics, log)
	return e
}

// Run connects and processes events until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.startMu.Lock()
	started := e.running.CompareAndSwap(false, true)
	e.startMu.Unlock()
	if !started {
		return ErrAlreadyRunning
	}
	defer close(e.done)

	e.runCtx = ctx
	e.conn.Connect(ctx)

	sweep := time.NewTicker(e.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case f := <-e.inbox:
			f()
		case <-sweep.C:
			e.expirePending()
		case <-ctx.Done():
			e.conn.Teardown()
			e.log.Info().Msg("Engine stopped")
			return nil
		}
	}
}

// deliver is the transport sink.
func (e *Engine) deliver(evt transport.Event) {
	e.post(func() { e.handle(evt) })
}

func (e *Engine) post(f func()) bool {
	select {
	case e.inbox <- f:
		return true
	case <-e.done:
		return false
	}
}

// do runs f on the engine goroutine and waits for it.
func (e *Engine) do(ctx context.Context, f func() error) error {
	_, err := query(ctx, e, func() (struct{}, error) {
		return struct{}{}, f()
	})
	return err
}

func query[T any](ctx context.Context, e *Engine, f func() (T, error)) (T, error) {
	var zero T
	if !e.running.Load() {
		return zero, ErrNotRunning
	}

	type answer struct {
		val T
		err error
	}
	ch := make(chan answer, 1)
	if !e.post(func() {
		v, err := f()
		ch <- answer{v, err}
	}) {
		return zero, ErrNotRunning
	}

	select {
	case a := <-ch:
		return a.val, a.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-e.done:
		return zero, ErrNotRunning
	}
}

func (e *Engine) notify(c Change) {
	if e.opts.OnChange != nil {
		e.opts.OnChange(c)
	}
}

func (e *Engine) expirePending() {
	for _, ref := range e.messages.ExpirePending(e.opts.SendTimeout) {
		e.metrics.SendFailures.Inc()
		e.log.Warn().Str("key", ref.Key).Str("temp_id", ref.ID).Msg("Send not acknowledged, marking failed")
		e.notify(Change{Kind: ChangeMessages, Key: ref.Key})
	}
}
