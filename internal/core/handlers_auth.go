package core

import (
	"context"
	"errors"
	"strings"

	"github.com/vovakirdan/roomchat-server/internal/proto"
	"github.com/vovakirdan/roomchat-server/internal/store"
)

const (
	reasonRelogin   = "registration complete, log in with your new credentials"
	reasonReplaced  = "logged in from another connection"
	reasonBadLogin  = "invalid login or password"
	reasonBadToken  = "invalid or expired token"
	reasonAuthFirst = "authenticate first"
)

func (d *Dispatcher) handleAuth(ctx context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	if s.Authenticated() {
		return nil, stateError(ErrCodeForbidden, "session is already authenticated")
	}
	id, err := d.authenticate(ctx, env)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	var (
		bound   *Client
		prev    *Session
		cleared bool
		token   string
		name    string
	)
	err = d.withClient(ctx, id, func(c *Client) error {
		return c.Update(func(rec *store.Client) error {
			if st := CheckBan(rec, now); st.Banned {
				return &CoreError{Kind: KindAuth, Code: ErrCodeBanned, Message: banMessage(st.Until), Until: st.Until}
			}
			tok, err := d.tokens.Issue(rec.ID, rec.Login)
			if err != nil {
				return internalError("issue token", err)
			}
			cleared = ClearLapsedBan(rec, now)
			token, name, bound = tok, rec.DisplayName, c
			// Binding under the client lock orders it against CLIENTBAN.
			prev = d.registry.bindLocked(c, s)
			return nil
		})
	})
	if errors.Is(err, errEvicted) {
		return nil, internalError("bind session", err)
	}
	if err != nil {
		var ce *CoreError
		if errors.As(err, &ce) && ce.Kind == KindNotFound {
			return nil, authError(ErrCodeUnauthorized, reasonBadToken)
		}
		return nil, err
	}

	s.bind(bound)
	if s.State() == StateClosed {
		// Close ran before the client was attached and could not unbind it.
		d.registry.Unbind(id, s)
	}
	if prev != nil {
		d.log.Info().Int64("client_id", id).Str("session_id", prev.ID()).Msg("replacing older session")
		prev.Kick(reasonReplaced)
	}
	if cleared {
		d.log.Info().Int64("client_id", id).Msg("lapsed ban cleared")
		if err := d.saveClient(ctx, bound); err != nil {
			return nil, err
		}
	}

	d.log.Info().Int64("client_id", id).Str("session_id", s.ID()).Msg("client authenticated")
	return proto.Accepted().WithToID(id).WithText(name).WithToken(token), nil
}

// authenticate resolves the credentials in env to a client id.
func (d *Dispatcher) authenticate(ctx context.Context, env *proto.Envelope) (int64, error) {
	if env.Has(proto.FieldToken) {
		claims, err := d.tokens.Validate(env.Token)
		if err != nil {
			return 0, authError(ErrCodeUnauthorized, reasonBadToken)
		}
		return claims.ClientID, nil
	}

	rec, err := d.store.LoadClientByLogin(ctx, env.Login)
	if errors.Is(err, store.ErrNotFound) {
		return 0, authError(ErrCodeUnauthorized, reasonBadLogin)
	}
	if err != nil {
		return 0, internalError("load client", err)
	}
	if err := d.hasher.Compare(rec.PasswordHash, env.Password); err != nil {
		return 0, authError(ErrCodeUnauthorized, reasonBadLogin)
	}
	return rec.ID, nil
}

func (d *Dispatcher) handleRegistration(ctx context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	if s.Authenticated() {
		return nil, stateError(ErrCodeForbidden, "session is already authenticated")
	}
	login := strings.TrimSpace(env.Login)
	if login == "" || env.Password == "" {
		return nil, protocolError("login and password must not be empty")
	}
	name := strings.TrimSpace(env.Name)
	if name == "" {
		name = login
	}

	hash, err := d.hasher.Hash(env.Password)
	if err != nil {
		return nil, internalError("hash password", err)
	}
	rec := &store.Client{
		Login:        login,
		PasswordHash: hash,
		DisplayName:  name,
		Rooms:        store.NewIDSet(store.GlobalRoomID),
		Friends:      store.NewIDSet(),
		CreatedAt:    d.clock.Now(),
	}
	if err := d.store.CreateClient(ctx, rec); err != nil {
		if errors.Is(err, store.ErrLoginTaken) {
			return nil, stateError(ErrCodeLoginTaken, "login is already taken")
		}
		return nil, internalError("create client", err)
	}

	err = d.withRoom(ctx, store.GlobalRoomID, func(r *Room) error {
		if err := r.Join(rec.ID); err != nil {
			return err
		}
		return d.registry.SaveRoom(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	d.log.Info().Int64("client_id", rec.ID).Str("login", login).Msg("client registered")
	s.onReplied(func() { s.Kick(reasonRelogin) })
	return proto.Accepted().WithToID(rec.ID).WithText(name), nil
}
