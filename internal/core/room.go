package core

import (
	"context"
	"sync"
	"time"

	"github.com/vovakirdan/roomchat-server/internal/proto"
	"github.com/vovakirdan/roomchat-server/internal/store"
)

// Deliverer pushes an envelope to the live session of a client, if any.
type Deliverer interface {
	Deliver(clientID int64, env *proto.Envelope)
}

// Room is the resident state of one room. Every mutation and the broadcast
// it triggers happen under mu, so all members observe one order of events.
type Room struct {
	id        int64
	createdAt time.Time

	mu      sync.Mutex
	adminID int64
	members store.IDSet
	history *history
	evicted bool

	out Deliverer
}

func newRoom(rec *store.Room, capacity int, out Deliverer) *Room {
	members := rec.Members
	if members == nil {
		members = store.NewIDSet()
	}
	return &Room{
		id:        rec.ID,
		createdAt: rec.CreatedAt,
		adminID:   rec.AdminID,
		members:   members,
		history:   newHistory(capacity, rec.History),
		out:       out,
	}
}

// ID returns the room id.
func (r *Room) ID() int64 {
	return r.id
}

// AppendMessage stores msg in the history and pushes it to every online member.
func (r *Room) AppendMessage(msg store.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return errEvicted
	}
	if !r.members.Has(msg.FromID) {
		return stateError(ErrCodeNotInRoom, "sender is not a member of this room")
	}

	msg.RoomID = r.id
	env := proto.New(proto.KindMessage).
		WithFromID(msg.FromID).
		WithRoomID(r.id).
		WithText(msg.Text).
		WithCreationTime(msg.CreatedAt)

	// The broadcast escapes text differently than the sender may have, and it
	// adds creationTime, so it is measured rather than the inbound frame.
	size, err := proto.EncodedSize(env)
	if err != nil {
		return internalError("encode message", err)
	}
	if size > proto.MaxFrameSize {
		return protocolError("message text too long: broadcast would be %d bytes, limit is %d", size, proto.MaxFrameSize)
	}

	r.history.push(msg)
	r.broadcastLocked(env)
	return nil
}

// Invite adds memberID on behalf of actorID, who must already be a member.
func (r *Room) Invite(actorID, memberID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return errEvicted
	}
	if !r.members.Has(actorID) {
		return stateError(ErrCodeNotInRoom, "only room members can invite")
	}
	return r.addLocked(actorID, memberID)
}

// Join adds memberID without an inviter, as done for the global room on registration.
func (r *Room) Join(memberID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return errEvicted
	}
	return r.addLocked(memberID, memberID)
}

func (r *Room) addLocked(actorID, memberID int64) error {
	if r.members.Has(memberID) {
		return stateError(ErrCodeAlreadyJoined, "client is already a member of this room")
	}
	r.members.Add(memberID)

	// The new member is included so its client learns about the room.
	r.broadcastLocked(proto.New(proto.KindNewRoomMember).
		WithFromID(actorID).
		WithToID(memberID).
		WithRoomID(r.id))
	return nil
}

// Remove takes memberID out of the room on behalf of actorID, who must be a
// member. Nobody leaves the global room.
func (r *Room) Remove(actorID, memberID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return errEvicted
	}
	if r.id == store.GlobalRoomID {
		return stateError(ErrCodeForbidden, "members cannot be removed from the global room")
	}
	if !r.members.Has(actorID) {
		return stateError(ErrCodeNotInRoom, "only room members can uninvite")
	}
	if !r.members.Has(memberID) {
		return stateError(ErrCodeNotInRoom, "client is not a member of this room")
	}

	r.members.Remove(memberID)
	env := proto.New(proto.KindMemberLeftRoom).
		WithFromID(actorID).
		WithToID(memberID).
		WithRoomID(r.id)
	r.broadcastLocked(env)
	r.out.Deliver(memberID, env)
	return nil
}

// Members returns the sorted member ids. The viewer must be a member.
func (r *Room) Members(viewerID int64) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return nil, errEvicted
	}
	if !r.members.Has(viewerID) {
		return nil, stateError(ErrCodeNotInRoom, "you are not a member of this room")
	}
	return r.members.Sorted(), nil
}

// History returns the stored messages oldest first. The viewer must be a member.
func (r *Room) History(viewerID int64) ([]store.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return nil, errEvicted
	}
	if !r.members.Has(viewerID) {
		return nil, stateError(ErrCodeNotInRoom, "you are not a member of this room")
	}
	return r.history.slice(), nil
}

// IsMember reports whether id belongs to the room.
func (r *Room) IsMember(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members.Has(id)
}

// Snapshot returns the persistable form of the room.
func (r *Room) Snapshot() *store.Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() *store.Room {
	return &store.Room{
		ID:        r.id,
		AdminID:   r.adminID,
		Members:   r.members.Clone(),
		History:   r.history.slice(),
		CreatedAt: r.createdAt,
	}
}

// save persists the room while holding its lock so no mutation lands between
// snapshot and write.
func (r *Room) save(ctx context.Context, rs store.RoomStore) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rs.SaveRoom(ctx, r.snapshotLocked())
}

// evictIf persists and retires the room when no member is online. remove
// runs under the room lock so no caller can reach the retired value unnoticed.
func (r *Room) evictIf(ctx context.Context, rs store.RoomStore, online func(int64) bool, remove func()) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return false, nil
	}
	for id := range r.members {
		if online(id) {
			return false, nil
		}
	}
	if err := rs.SaveRoom(ctx, r.snapshotLocked()); err != nil {
		return false, err
	}
	r.evicted = true
	remove()
	return true, nil
}

func (r *Room) broadcastLocked(env *proto.Envelope) {
	for id := range r.members {
		r.out.Deliver(id, env)
	}
}
