package core

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/roomchat-server/internal/auth"
	"github.com/vovakirdan/roomchat-server/internal/proto"
	"github.com/vovakirdan/roomchat-server/internal/store"
)

// Controller stops or restarts the whole server process.
type Controller interface {
	Stop()
	Restart()
}

// HandlerFunc serves one request kind. A nil reply with a nil error sends nothing.
type HandlerFunc func(ctx context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error)

// Dispatcher routes decoded envelopes to handlers and turns handler errors
// into DENIED or ERROR replies.
type Dispatcher struct {
	registry *Registry
	store    store.Store
	clock    clock.Clock
	hasher   auth.Hasher
	tokens   *auth.Tokens
	control  Controller
	log      zerolog.Logger

	superLogin    string
	superPassword string

	handlers map[proto.Kind]HandlerFunc
}

// DispatcherDeps collects what the handlers need.
type DispatcherDeps struct {
	Registry      *Registry
	Store         store.Store
	Clock         clock.Clock
	Hasher        auth.Hasher
	Tokens        *auth.Tokens
	Control       Controller
	SuperLogin    string
	SuperPassword string
	Logger        *zerolog.Logger
}

// NewDispatcher wires the handler table.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	d := &Dispatcher{
		registry:      deps.Registry,
		store:         deps.Store,
		clock:         deps.Clock,
		hasher:        deps.Hasher,
		tokens:        deps.Tokens,
		control:       deps.Control,
		superLogin:    deps.SuperLogin,
		superPassword: deps.SuperPassword,
		log:           deps.Logger.With().Str("component", "dispatcher").Logger(),
	}
	d.handlers = map[proto.Kind]HandlerFunc{
		proto.KindAuth:           d.handleAuth,
		proto.KindRegistration:   d.handleRegistration,
		proto.KindMessage:        d.handleMessage,
		proto.KindCreateRoom:     d.handleCreateRoom,
		proto.KindInviteUser:     d.handleInvite,
		proto.KindUninviteUser:   d.handleUninvite,
		proto.KindClientBan:      d.handleBan,
		proto.KindClientUnban:    d.handleUnban,
		proto.KindRoomList:       d.handleRoomList,
		proto.KindRoomMembers:    d.handleRoomMembers,
		proto.KindMessageHistory: d.handleMessageHistory,
		proto.KindGetClientName:  d.handleGetClientName,
		proto.KindAddFriend:      d.handleAddFriend,
		proto.KindStopServer:     d.handleStop,
		proto.KindRestartServer:  d.handleRestart,
	}
	return d
}

// Handle serves env for s and returns the reply to queue, if any. A panicking
// handler yields an ERROR and leaves the session usable.
func (d *Dispatcher) Handle(ctx context.Context, s *Session, env *proto.Envelope) (reply *proto.Envelope) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error().Interface("panic", p).Str("kind", string(env.Kind)).Msg("handler panicked")
			reply = proto.Fail("internal error")
		}
	}()

	h, ok := d.handlers[env.Kind]
	if !ok {
		return proto.Fail(fmt.Sprintf("unsupported kind %q", env.Kind))
	}
	resp, err := h(ctx, s, env)
	if err != nil {
		return d.errorReply(env, err)
	}
	return resp
}

func (d *Dispatcher) errorReply(env *proto.Envelope, err error) *proto.Envelope {
	ce := AsCoreError(err)
	switch ce.Kind {
	case KindAuth, KindState:
		reply := proto.Denied(ce.Message)
		if !ce.Until.IsZero() {
			reply.WithUntil(ce.Until)
		}
		return reply
	case KindProtocol, KindNotFound:
		return proto.Fail(ce.Message)
	default:
		d.log.Error().Err(err).Str("kind", string(env.Kind)).Msg("request failed")
		return proto.Fail("internal error")
	}
}

// actor returns the client bound to s, which must be the envelope's fromId.
func (d *Dispatcher) actor(s *Session, env *proto.Envelope) (*Client, error) {
	c, err := d.self(s)
	if err != nil {
		return nil, err
	}
	if env.FromID != c.ID() {
		return nil, authError(ErrCodeWrongActor, "fromId does not match the authenticated client")
	}
	return c, nil
}

// self returns the client bound to s.
func (d *Dispatcher) self(s *Session) (*Client, error) {
	c := s.Client()
	if c == nil || !s.Authenticated() {
		return nil, authError(ErrCodeUnauthorized, reasonAuthFirst)
	}
	return c, nil
}

// withRoom is Registry.WithRoom with missing rooms reported by id.
func (d *Dispatcher) withRoom(ctx context.Context, id int64, fn func(*Room) error) error {
	err := d.registry.WithRoom(ctx, id, fn)
	if errors.Is(err, store.ErrNotFound) {
		return roomNotFound(id)
	}
	return err
}

// withClient is Registry.WithClient with missing clients reported by id.
func (d *Dispatcher) withClient(ctx context.Context, id int64, fn func(*Client) error) error {
	err := d.registry.WithClient(ctx, id, fn)
	if errors.Is(err, store.ErrNotFound) {
		return clientNotFound(id)
	}
	return err
}

// client returns the resident client, reporting a missing one by id.
func (d *Dispatcher) client(ctx context.Context, id int64) (*Client, error) {
	c, err := d.registry.Client(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, clientNotFound(id)
	}
	return c, err
}

// updateClient applies fn to the resident client and returns it for saving.
func (d *Dispatcher) updateClient(ctx context.Context, id int64, fn func(rec *store.Client) error) (*Client, error) {
	var updated *Client
	err := d.withClient(ctx, id, func(c *Client) error {
		updated = c
		return c.Update(fn)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// saveClient persists c. A failure leaves the resident copy authoritative;
// it is written again on close or eviction.
func (d *Dispatcher) saveClient(ctx context.Context, c *Client) error {
	if err := d.registry.SaveClient(ctx, c); err != nil {
		return internalError("persist client", err)
	}
	return nil
}

func (d *Dispatcher) isSuperuser(env *proto.Envelope) bool {
	if !env.Has(proto.FieldLogin|proto.FieldPassword) || d.superLogin == "" {
		return false
	}
	loginOK := subtle.ConstantTimeCompare([]byte(env.Login), []byte(d.superLogin)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(env.Password), []byte(d.superPassword)) == 1
	return loginOK && passOK
}
