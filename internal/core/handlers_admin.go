package core

import (
	"context"
	"errors"

	"github.com/vovakirdan/roomchat-server/internal/proto"
	"github.com/vovakirdan/roomchat-server/internal/store"
)

func (d *Dispatcher) handleBan(ctx context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	actor, err := d.actor(s, env)
	if err != nil {
		return nil, err
	}
	actorRec := actor.View()
	now := d.clock.Now()

	var live *Session
	target, err := d.updateClient(ctx, env.ToID, func(rec *store.Client) error {
		if err := ApplyBan(actorRec, rec, env.Until, now); err != nil {
			return err
		}
		// Looked up under the target's lock so a concurrent AUTH is either
		// seen here or sees the ban.
		live, _ = d.registry.Session(rec.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	until := env.Until.UTC()
	d.log.Info().Int64("client_id", env.ToID).Int64("admin_id", actor.ID()).Time("until", until).Msg("client banned")
	if live != nil {
		live.kick(proto.Kick(banMessage(until)).WithUntil(until))
	}
	if err := d.saveClient(ctx, target); err != nil {
		return nil, err
	}
	return proto.Accepted().WithToID(env.ToID).WithUntil(until), nil
}

func (d *Dispatcher) handleUnban(ctx context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	actor, err := d.actor(s, env)
	if err != nil {
		return nil, err
	}
	actorRec := actor.View()

	target, err := d.updateClient(ctx, env.ToID, func(rec *store.Client) error {
		return ApplyUnban(actorRec, rec)
	})
	if err != nil {
		return nil, err
	}

	d.log.Info().Int64("client_id", env.ToID).Int64("admin_id", actor.ID()).Msg("client unbanned")
	if err := d.saveClient(ctx, target); err != nil {
		return nil, err
	}
	return proto.Accepted().WithToID(env.ToID), nil
}

func (d *Dispatcher) handleStop(_ context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	return d.serverControl(s, env, "stop", Controller.Stop)
}

func (d *Dispatcher) handleRestart(_ context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	return d.serverControl(s, env, "restart", Controller.Restart)
}

func (d *Dispatcher) serverControl(s *Session, env *proto.Envelope, action string, fn func(Controller)) (*proto.Envelope, error) {
	if !d.mayControl(s, env) {
		return nil, authError(ErrCodeForbidden, "admin rights or superuser credentials required")
	}
	if d.control == nil {
		return nil, internalError(action, errors.New("no server controller configured"))
	}

	d.log.Warn().Str("action", action).Str("session_id", s.ID()).Msg("server control requested")
	// Run after ACCEPTED is queued so the shutdown KICK lands behind it.
	s.onReplied(func() { go fn(d.control) })
	return proto.Accepted(), nil
}

func (d *Dispatcher) mayControl(s *Session, env *proto.Envelope) bool {
	if d.isSuperuser(env) {
		return true
	}
	if c := s.Client(); c != nil && s.Authenticated() {
		return c.View().IsAdmin
	}
	return false
}
