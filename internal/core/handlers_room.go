package core

import (
	"context"

	"github.com/vovakirdan/roomchat-server/internal/proto"
	"github.com/vovakirdan/roomchat-server/internal/store"
)

func (d *Dispatcher) handleMessage(ctx context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	c, err := d.actor(s, env)
	if err != nil {
		return nil, err
	}
	if env.Text == "" {
		return nil, protocolError("message text must not be empty")
	}

	msg := store.Message{
		RoomID:    env.RoomID,
		FromID:    c.ID(),
		Text:      env.Text,
		CreatedAt: d.clock.Now(),
	}
	err = d.withRoom(ctx, env.RoomID, func(r *Room) error {
		return r.AppendMessage(msg)
	})
	if err != nil {
		return nil, err
	}
	return proto.Accepted().WithRoomID(env.RoomID).WithCreationTime(msg.CreatedAt), nil
}

func (d *Dispatcher) handleCreateRoom(ctx context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	c, err := d.actor(s, env)
	if err != nil {
		return nil, err
	}

	rec := &store.Room{
		AdminID:   c.ID(),
		Members:   store.NewIDSet(c.ID()),
		CreatedAt: d.clock.Now(),
	}
	if err := d.store.CreateRoom(ctx, rec); err != nil {
		return nil, internalError("create room", err)
	}

	owner, err := d.updateClient(ctx, c.ID(), func(cr *store.Client) error {
		cr.Rooms.Add(rec.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := d.saveClient(ctx, owner); err != nil {
		return nil, err
	}

	d.log.Info().Int64("client_id", c.ID()).Int64("room_id", rec.ID).Msg("room created")
	return proto.Accepted().WithRoomID(rec.ID), nil
}

func (d *Dispatcher) handleInvite(ctx context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	c, err := d.actor(s, env)
	if err != nil {
		return nil, err
	}
	if _, err := d.client(ctx, env.ToID); err != nil {
		return nil, err
	}

	err = d.withRoom(ctx, env.RoomID, func(r *Room) error {
		if err := r.Invite(c.ID(), env.ToID); err != nil {
			return err
		}
		return d.registry.SaveRoom(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	target, err := d.updateClient(ctx, env.ToID, func(rec *store.Client) error {
		rec.Rooms.Add(env.RoomID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := d.saveClient(ctx, target); err != nil {
		return nil, err
	}
	return proto.Accepted().WithRoomID(env.RoomID).WithToID(env.ToID), nil
}

func (d *Dispatcher) handleUninvite(ctx context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	c, err := d.actor(s, env)
	if err != nil {
		return nil, err
	}
	if _, err := d.client(ctx, env.ToID); err != nil {
		return nil, err
	}

	err = d.withRoom(ctx, env.RoomID, func(r *Room) error {
		if err := r.Remove(c.ID(), env.ToID); err != nil {
			return err
		}
		return d.registry.SaveRoom(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	target, err := d.updateClient(ctx, env.ToID, func(rec *store.Client) error {
		rec.Rooms.Remove(env.RoomID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := d.saveClient(ctx, target); err != nil {
		return nil, err
	}
	return proto.Accepted().WithRoomID(env.RoomID).WithToID(env.ToID), nil
}

func (d *Dispatcher) handleRoomMembers(ctx context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	c, err := d.self(s)
	if err != nil {
		return nil, err
	}

	var ids []int64
	err = d.withRoom(ctx, env.RoomID, func(r *Room) error {
		var err error
		ids, err = r.Members(c.ID())
		return err
	})
	if err != nil {
		return nil, err
	}
	return proto.Accepted().WithRoomID(env.RoomID).WithIDs(ids), nil
}

func (d *Dispatcher) handleMessageHistory(ctx context.Context, s *Session, env *proto.Envelope) (*proto.Envelope, error) {
	c, err := d.self(s)
	if err != nil {
		return nil, err
	}

	var msgs []store.Message
	err = d.withRoom(ctx, env.RoomID, func(r *Room) error {
		var err error
		msgs, err = r.History(c.ID())
		return err
	})
	if err != nil {
		return nil, err
	}

	entries := make([]proto.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, proto.HistoryEntry{
			FromID:       m.FromID,
			Text:         m.Text,
			CreationTime: m.CreatedAt.UnixMilli(),
		})
	}
	reply := proto.Accepted().WithRoomID(env.RoomID)
	fitted, err := proto.FitHistory(reply, entries)
	if err != nil {
		return nil, internalError("encode history", err)
	}
	if dropped := len(entries) - len(fitted); dropped > 0 {
		d.log.Debug().Int64("room_id", env.RoomID).Int("dropped", dropped).Msg("history reply trimmed to frame size")
	}
	return reply.WithHistory(fitted), nil
}
