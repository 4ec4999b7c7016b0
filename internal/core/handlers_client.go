package core

import (
	"context"
	"fmt"

	"github.com/vovakirdan/roomchat-server/internal/proto"
	"github.com/vovakirdan/roomchat-server/internal/store"
)

func (d *Dispatcher) handleRoomList(_ context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	c, err := d.actor(s, env)
	if err != nil {
		return nil, err
	}
	return proto.Accepted().WithFromID(c.ID()).WithIDs(c.View().Rooms.Sorted()), nil
}

func (d *Dispatcher) handleGetClientName(ctx context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	if _, err := d.self(s); err != nil {
		return nil, err
	}
	target, err := d.client(ctx, env.ToID)
	if err != nil {
		return nil, err
	}
	return proto.Accepted().WithToID(env.ToID).WithText(target.View().DisplayName), nil
}

func (d *Dispatcher) handleAddFriend(ctx context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	c, err := d.actor(s, env)
	if err != nil {
		return nil, err
	}
	if env.ToID == c.ID() {
		return nil, stateError(ErrCodeForbidden, "cannot add yourself as a friend")
	}
	if _, err := d.client(ctx, env.ToID); err != nil {
		return nil, err
	}

	self, err := d.updateClient(ctx, c.ID(), func(rec *store.Client) error {
		if rec.Friends.Has(env.ToID) {
			return stateError(ErrCodeAlreadyFriends, fmt.Sprintf("client %d is already a friend", env.ToID))
		}
		rec.Friends.Add(env.ToID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := d.saveClient(ctx, self); err != nil {
		return nil, err
	}
	return proto.Accepted().WithToID(env.ToID), nil
}
