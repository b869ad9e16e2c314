// Package connection owns the single logical connection to the messaging
// service: it dials, reconnects with backoff and replays the resync sequence
// every time the connection comes up.
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/metrics"
	"github.com/vedran77/chatsync/internal/transport"
)

var (
	ErrConnection   = errors.New("connection failed")
	ErrRegistration = errors.New("identity registration failed")

	ErrClosedDuringDial = errors.New("connection closed during handshake")
)

type ConnectionError struct {
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection attempt %d: %v", e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

type RegistrationError struct {
	UserID string
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register %s: %s", e.UserID, e.Reason)
}

func (e *RegistrationError) Is(target error) bool { return target == ErrRegistration }

// Room is the conversation or group the user has open.
type Room struct {
	Key   string
	Group bool
}

// Session supplies what the resync sequence needs to know about the user.
type Session interface {
	UserID() string
	Registration() transport.RegisterPayload
	ActiveRoom() (Room, bool)
}

// Scheduler runs f after d and returns a cancel func.
type Scheduler func(d time.Duration, f func()) (cancel func())

func timeScheduler(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

type Options struct {
	Backoff       Backoff
	AutoReconnect bool
	Schedule      Scheduler
	// Post hands dial results and timer callbacks back to the goroutine that
	// owns the manager. Nil runs them inline.
	Post    func(func())
	OnState func(from, to domain.ConnectionState)
	Metrics *metrics.Metrics
	Rand    func() float64
}

// Manager is not safe for concurrent use; every method except Send must be
// called from the owning goroutine.
type Manager struct {
	tr      transport.Transport
	session Session
	opts    Options
	log     zerolog.Logger

	ctx         context.Context
	state       domain.ConnectionState
	attempt     int
	registered  bool
	generation  int
	cancelTimer func()
	lastErr     error

	// dialing is set while a Connect is in flight; dropDuringDial records a
	// disconnect the transport reported before the dial returned.
	dialing        bool
	dropDuringDial bool
}

func NewManager(tr transport.Transport, session Session, opts Options, log zerolog.Logger) *Manager {
	if opts.Schedule == nil {
		opts.Schedule = timeScheduler
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	return &Manager{
		tr:      tr,
		session: session,
		opts:    opts,
		log:     log.With().Str("component", "connection").Logger(),
		ctx:     context.Background(),
		state:   domain.Disconnected,
	}
}

func (m *Manager) State() domain.ConnectionState { return m.state }

func (m *Manager) Registered() bool { return m.registered }

func (m *Manager) Attempt() int { return m.attempt }

// LastError returns the most recent connection failure, if any.
func (m *Manager) LastError() error { return m.lastErr }

// Connect starts the first connection. It is a no-op unless the manager is
// disconnected.
func (m *Manager) Connect(ctx context.Context) {
	if m.state != domain.Disconnected {
		return
	}
	m.ctx = ctx
	m.attempt = 0
	m.setState(domain.Connecting)
	m.dial()
}

// Retry restarts the connection after the manager gave up.
func (m *Manager) Retry(ctx context.Context) {
	if m.state != domain.Failed && m.state != domain.Disconnected {
		return
	}
	m.ctx = ctx
	m.attempt = 0
	m.setState(domain.Connecting)
	m.dial()
}

// Teardown closes the connection and cancels any pending reconnect.
func (m *Manager) Teardown() {
	m.generation++
	m.stopTimer()
	m.registered = false
	m.dialing, m.dropDuringDial = false, false
	if err := m.tr.Close(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to close transport")
	}
	m.setState(domain.Disconnected)
}

// HandleLifecycle consumes connection lifecycle events from the transport.
func (m *Manager) HandleLifecycle(evt transport.Event) {
	switch evt.Type {
	case transport.EventConnect, transport.EventReconnect:
		if m.dialing {
			// The dial result decides.
			return
		}
		m.onConnected()

	case transport.EventConnectError, transport.EventReconnectError:
		var p transport.ErrorPayload
		_ = evt.Decode(&p)
		if m.dialing {
			m.dropDuringDial = true
			return
		}
		m.onConnectFailed(errors.New(p.Message))

	case transport.EventDisconnect:
		var p transport.ErrorPayload
		_ = evt.Decode(&p)
		m.onDropped(p.Message)

	case transport.EventReconnectAttempt:
		m.log.Debug().Msg("Transport reconnect attempt")

	case transport.EventReconnectFailed:
		m.fail()
	}
}

// HandleRegistered consumes the server's answer to identity.register. A
// refusal is logged and messaging carries on.
func (m *Manager) HandleRegistered(p transport.RegisteredPayload) error {
	if !p.OK {
		err := &RegistrationError{UserID: p.UserID, Reason: p.Error}
		m.log.Warn().Err(err).Msg("Identity registration rejected")
		return err
	}
	m.registered = true
	m.log.Info().Str("user_id", p.UserID).Msg("Identity registered")
	return nil
}

// Send writes one event to the transport. Safe for concurrent use.
func (m *Manager) Send(ctx context.Context, evt *transport.Event) error {
	err := m.tr.Emit(ctx, evt)
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.opts.Metrics.OutboundEvents.WithLabelValues(evt.Type, result).Inc()
	if err != nil {
		return fmt.Errorf("emit %s: %w", evt.Type, err)
	}
	m.log.Debug().Str("type", evt.Type).Msg("Emitted event")
	return nil
}

// Emit builds and sends an event.
func (m *Manager) Emit(ctx context.Context, eventType string, payload any) error {
	evt, err := transport.NewEvent(eventType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	return m.Send(ctx, evt)
}

func (m *Manager) dial() {
	gen := m.generation
	ctx := m.ctx
	m.dialing, m.dropDuringDial = true, false
	if m.opts.Post == nil {
		m.dialDone(gen, m.tr.Connect(ctx))
		return
	}
	go func() {
		err := m.tr.Connect(ctx)
		m.opts.Post(func() { m.dialDone(gen, err) })
	}()
}

func (m *Manager) dialDone(gen int, err error) {
	if gen != m.generation {
		// Torn down while dialing.
		if err == nil {
			_ = m.tr.Close()
		}
		return
	}
	dropped := m.dropDuringDial
	m.dialing, m.dropDuringDial = false, false
	if err == nil && dropped {
		// The socket came up and went straight down again, as when the
		// server rejects the session after the handshake.
		_ = m.tr.Close()
		err = ErrClosedDuringDial
	}
	if err != nil {
		m.onConnectFailed(err)
		return
	}
	m.onConnected()
}

func (m *Manager) onConnected() {
	if m.state == domain.Connected || m.state == domain.Disconnected {
		return
	}
	m.stopTimer()
	m.attempt = 0
	m.registered = false
	m.lastErr = nil
	m.setState(domain.Connected)
	if err := m.resync(m.ctx); err != nil {
		m.log.Error().Err(err).Msg("Resync incomplete")
	}
}

func (m *Manager) onConnectFailed(cause error) {
	if m.state != domain.Connecting && m.state != domain.Reconnecting {
		return
	}
	err := &ConnectionError{Attempt: m.attempt, Err: cause}
	m.lastErr = err
	m.log.Warn().Err(err).Msg("Connection attempt failed")
	if !m.opts.AutoReconnect {
		m.setState(domain.Disconnected)
		return
	}
	m.setState(domain.Reconnecting)
	m.scheduleRetry()
}

func (m *Manager) onDropped(reason string) {
	if m.dialing {
		m.log.Debug().Str("reason", reason).Msg("Connection lost while dialing")
		m.dropDuringDial = true
		return
	}
	if m.state != domain.Connected {
		return
	}
	m.registered = false
	m.log.Warn().Str("reason", reason).Msg("Connection lost")
	if !m.opts.AutoReconnect {
		m.setState(domain.Disconnected)
		return
	}
	m.setState(domain.Reconnecting)
	m.scheduleRetry()
}

func (m *Manager) scheduleRetry() {
	m.attempt++
	if m.opts.Backoff.Exhausted(m.attempt) {
		m.fail()
		return
	}
	delay := m.opts.Backoff.Delay(m.attempt, m.opts.Rand)
	m.opts.Metrics.ReconnectAttempts.Inc()
	m.log.Info().Int("attempt", m.attempt).Dur("delay", delay).Msg("Scheduling reconnect")

	gen := m.generation
	m.stopTimer()
	m.cancelTimer = m.opts.Schedule(delay, func() {
		if m.opts.Post == nil {
			m.retryFired(gen)
			return
		}
		m.opts.Post(func() { m.retryFired(gen) })
	})
}

func (m *Manager) retryFired(gen int) {
	if gen != m.generation || m.state != domain.Reconnecting {
		return
	}
	m.cancelTimer = nil
	m.dial()
}

func (m *Manager) fail() {
	m.stopTimer()
	m.log.Error().Int("attempts", m.attempt-1).Msg("Giving up on connection")
	m.setState(domain.Failed)
}

type step struct {
	event   string
	payload any
}

// resync replays the subscription and snapshot requests in a fixed order:
// identity and presence first, then unread and conversations, then groups,
// then the open room.
func (m *Manager) resync(ctx context.Context) error {
	userID := m.session.UserID()
	user := transport.UserPayload{UserID: userID}

	steps := []step{
		{transport.EventIdentityRegister, m.session.Registration()},
		{transport.EventPresenceOnline, user},
		{transport.EventJoinPersonalRoom, user},
		{transport.EventUnreadFetch, user},
		{transport.EventConversationList, user},
		{transport.EventGroupList, user},
	}
	if room, ok := m.session.ActiveRoom(); ok {
		if room.Group {
			steps = append(steps,
				step{transport.EventGroupJoin, transport.GroupMembersRequest{GroupID: room.Key, UserID: userID}},
				step{transport.EventMessageHistory, transport.HistoryRequest{GroupID: room.Key, UserID: userID}},
			)
		} else {
			steps = append(steps,
				step{transport.EventConversationJoin, transport.ConversationRoomPayload{ConversationKey: room.Key, UserID: userID}},
				step{transport.EventMessageHistory, transport.HistoryRequest{ConversationKey: room.Key, UserID: userID}},
			)
		}
	}

	var errs []error
	for _, st := range steps {
		if err := m.Emit(ctx, st.event, st.payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) setState(to domain.ConnectionState) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.opts.Metrics.ConnectionState.Set(float64(to))
	m.log.Info().Stringer("from", from).Stringer("to", to).Msg("Connection state changed")
	if m.opts.OnState != nil {
		m.opts.OnState(from, to)
	}
}

func (m *Manager) stopTimer() {
	if m.cancelTimer != nil {
		m.cancelTimer()
		m.cancelTimer = nil
	}
}
