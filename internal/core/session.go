package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/roomchat-server/internal/proto"
)

// Conn is a framed, bidirectional connection to one chat client.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, body []byte) error
	Close() error
	RemoteAddr() string
}

// SessionState is the lifecycle stage of a session.
type SessionState int32

const (
	StateAwaitingAuth SessionState = iota
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const reasonUndeliverable = "response dropped: it does not fit in one frame"

type outbound struct {
	env        *proto.Envelope
	closeAfter bool
}

// Session is one client connection. A single reader goroutine decodes and
// dispatches frames in arrival order; a writer goroutine drains the outbound
// queue so a slow socket never blocks a broadcaster.
type Session struct {
	id   string
	conn Conn
	hub  *Hub
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state        atomic.Int32
	client       atomic.Pointer[Client]
	lastActivity atomic.Int64
	kicked       atomic.Bool

	out     chan outbound
	closing chan struct{}
	closed  chan struct{}
	once    sync.Once

	// Reader goroutine only.
	badAttempts int
	afterReply  []func()
}

func newSession(h *Hub, conn Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		hub:     h,
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan outbound, h.opts.OutboundQueue),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	s.log = h.log.With().Str("session_id", s.id).Str("remote", conn.RemoteAddr()).Logger()
	s.touch()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Authenticated reports whether a client is bound.
func (s *Session) Authenticated() bool { return s.State() == StateAuthenticated }

// Client returns the bound client, nil before AUTH.
func (s *Session) Client() *Client { return s.client.Load() }

// LastActivity returns when the last frame was read.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// Done is closed once the session has released its connection and persisted its client.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) touch() {
	s.lastActivity.Store(s.hub.clock.Now().UnixNano())
}

func (s *Session) bind(c *Client) {
	s.client.Store(c)
	s.state.CompareAndSwap(int32(StateAwaitingAuth), int32(StateAuthenticated))
}

// Enqueue queues env for delivery without blocking. A full queue marks the
// session as a slow consumer and closes it.
func (s *Session) Enqueue(env *proto.Envelope) bool {
	return s.enqueue(outbound{env: env})
}

func (s *Session) enqueue(item outbound) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case s.out <- item:
		return true
	default:
		s.log.Warn().Str("kind", string(item.env.Kind)).Msg("outbound queue full, closing slow consumer")
		go s.Close()
		return false
	}
}

// Kick sends a KICK with reason and closes the session once it has been
// written, or after the write timeout if the writer is stuck.
func (s *Session) Kick(reason string) {
	s.kick(proto.Kick(reason))
}

func (s *Session) kick(env *proto.Envelope) {
	s.kicked.Store(true)
	if !s.enqueue(outbound{env: env, closeAfter: true}) {
		s.Close()
		return
	}
	s.hub.clock.AfterFunc(s.hub.opts.WriteTimeout, s.Close)
}

// Close releases the connection, persists the bound client and unbinds it.
// It is safe to call from any goroutine, any number of times.
func (s *Session) Close() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closing)
		s.cancel()
		_ = s.conn.Close()

		if c := s.client.Load(); c != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.hub.opts.WriteTimeout)
			if err := s.hub.registry.SaveClient(ctx, c); err != nil {
				s.log.Error().Err(err).Msg("persist client on close")
			}
			cancel()
			s.hub.registry.Unbind(c.ID(), s)
		}
		s.hub.forget(s)
		s.log.Debug().Msg("session closed")
		close(s.closed)
	})
}

func (s *Session) run() {
	go s.writeLoop()

	for {
		body, err := s.conn.ReadFrame(s.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.State() != StateClosed {
				s.log.Debug().Err(err).Msg("read failed")
			}
			s.Close()
			return
		}
		if s.State() == StateClosed {
			return
		}
		s.touch()

		if !s.handleFrame(body) {
			// A KICK is on its way out; the writer closes the session.
			<-s.closed
			return
		}
	}
}

// handleFrame decodes and dispatches one frame and reports whether the
// session should keep reading.
func (s *Session) handleFrame(body []byte) bool {
	awaiting := s.State() == StateAwaitingAuth

	env, err := proto.Decode(body)
	if err != nil {
		s.Enqueue(proto.Fail(err.Error()))
		return !awaiting || s.strike()
	}

	if awaiting && !allowedBeforeAuth(env.Kind) {
		s.Enqueue(proto.Denied(reasonAuthFirst))
		return s.strike()
	}

	reply := s.hub.dispatcher.Handle(s.ctx, s, env)
	if reply != nil {
		s.Enqueue(reply)
	}
	hooks := s.afterReply
	s.afterReply = nil
	for _, fn := range hooks {
		fn()
	}

	if s.kicked.Load() || s.State() == StateClosed {
		return false
	}
	if awaiting && s.State() == StateAwaitingAuth && (reply == nil || reply.Kind != proto.KindAccepted) {
		return s.strike()
	}
	return true
}

// strike counts a failed pre-auth attempt and kicks the session once the
// limit is reached.
func (s *Session) strike() bool {
	s.badAttempts++
	if s.badAttempts < s.hub.opts.MaxAuthAttempts {
		return true
	}
	s.log.Info().Int("attempts", s.badAttempts).Msg("too many failed authentication attempts")
	s.Kick("too many failed authentication attempts")
	return false
}

// onReplied schedules fn to run on the reader goroutine right after the
// current reply has been queued.
func (s *Session) onReplied(fn func()) {
	s.afterReply = append(s.afterReply, fn)
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closing:
			return
		case item := <-s.out:
			if body, ok := s.frameBody(item.env); ok {
				ctx, cancel := context.WithTimeout(s.ctx, s.hub.opts.WriteTimeout)
				err := s.conn.WriteFrame(ctx, body)
				cancel()
				switch {
				case errors.Is(err, proto.ErrFrameTooLarge):
					// Rejected before anything reached the socket.
					s.log.Error().Str("kind", string(item.env.Kind)).Int("size", len(body)).Msg("outbound frame rejected by transport")
				case err != nil:
					s.log.Debug().Err(err).Msg("write failed")
					s.Close()
					return
				}
			}
			if item.closeAfter {
				s.Close()
				return
			}
		}
	}
}

// frameBody encodes env for the wire. An envelope that cannot be encoded or
// does not fit one frame is replaced by an ERROR; only socket failures end
// the session.
func (s *Session) frameBody(env *proto.Envelope) ([]byte, bool) {
	body, err := proto.Encode(env)
	if err == nil && len(body) <= proto.MaxFrameSize {
		return body, true
	}
	ev := s.log.Error().Str("kind", string(env.Kind))
	if err != nil {
		ev.Err(err).Msg("encode outbound envelope")
	} else {
		ev.Int("size", len(body)).Msg("outbound envelope exceeds frame size, dropped")
	}
	if env.Kind == proto.KindError {
		return nil, false
	}
	notice, err := proto.Encode(proto.Fail(reasonUndeliverable))
	if err != nil {
		return nil, false
	}
	return notice, true
}

func allowedBeforeAuth(kind proto.Kind) bool {
	switch kind {
	case proto.KindAuth, proto.KindRegistration, proto.KindStopServer, proto.KindRestartServer:
		return true
	default:
		return false
	}
}
