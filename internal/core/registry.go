package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vovakirdan/roomchat-server/internal/proto"
	"github.com/vovakirdan/roomchat-server/internal/store"
)

// maxEvictionRetries bounds how often an operation is retried after racing
// with the reaper; each retry reloads the entity from the store.
const maxEvictionRetries = 3

// resident is a concurrent id-keyed cache with at most one load in flight per key.
type resident[T comparable] struct {
	m     *xsync.MapOf[int64, T]
	loads singleflight.Group
	load  func(ctx context.Context, id int64) (T, error)
}

func newResident[T comparable](load func(ctx context.Context, id int64) (T, error)) *resident[T] {
	return &resident[T]{m: xsync.NewMapOf[int64, T](), load: load}
}

func (c *resident[T]) get(ctx context.Context, id int64) (T, error) {
	if v, ok := c.m.Load(id); ok {
		return v, nil
	}
	v, err, _ := c.loads.Do(strconv.FormatInt(id, 10), func() (any, error) {
		if v, ok := c.m.Load(id); ok {
			return v, nil
		}
		loaded, err := c.load(ctx, id)
		if err != nil {
			return nil, err
		}
		actual, _ := c.m.LoadOrStore(id, loaded)
		return actual, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// remove drops id only while it still maps to v.
func (c *resident[T]) remove(id int64, v T) {
	c.m.Compute(id, func(old T, loaded bool) (T, bool) {
		// Deleting an absent key keeps Compute from storing the zero value.
		return old, !loaded || old == v
	})
}

func (c *resident[T]) values() []T {
	out := make([]T, 0, c.m.Size())
	c.m.Range(func(_ int64, v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Registry is the process-wide index of online sessions and resident rooms
// and clients. Room and client lookups populate from the store on a miss.
type Registry struct {
	store    store.Store
	log      zerolog.Logger
	sessions *xsync.MapOf[int64, *Session]
	rooms    *resident[*Room]
	clients  *resident[*Client]
}

// NewRegistry builds a registry over st. Rooms keep at most historyCap messages.
func NewRegistry(st store.Store, historyCap int, logger *zerolog.Logger) *Registry {
	r := &Registry{
		store:    st,
		log:      logger.With().Str("component", "registry").Logger(),
		sessions: xsync.NewMapOf[int64, *Session](),
	}
	r.rooms = newResident(func(ctx context.Context, id int64) (*Room, error) {
		rec, err := st.LoadRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		r.log.Debug().Int64("room_id", id).Msg("room loaded")
		return newRoom(rec, historyCap, r), nil
	})
	r.clients = newResident(func(ctx context.Context, id int64) (*Client, error) {
		rec, err := st.LoadClient(ctx, id)
		if err != nil {
			return nil, err
		}
		r.log.Debug().Int64("client_id", id).Msg("client loaded")
		return newClient(rec), nil
	})
	return r
}

// Deliver enqueues env on the online session of clientID. Offline clients miss it.
func (r *Registry) Deliver(clientID int64, env *proto.Envelope) {
	if s, ok := r.sessions.Load(clientID); ok {
		s.Enqueue(env)
	}
}

// Session returns the online session bound to clientID.
func (r *Registry) Session(clientID int64) (*Session, bool) {
	return r.sessions.Load(clientID)
}

// Online reports whether clientID has a bound session.
func (r *Registry) Online(clientID int64) bool {
	_, ok := r.sessions.Load(clientID)
	return ok
}

// Sessions returns the online sessions.
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, 0, r.sessions.Size())
	r.sessions.Range(func(_ int64, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Room returns the resident room, loading it on a miss.
func (r *Registry) Room(ctx context.Context, id int64) (*Room, error) {
	return r.rooms.get(ctx, id)
}

// Client returns the resident client, loading it on a miss.
func (r *Registry) Client(ctx context.Context, id int64) (*Client, error) {
	return r.clients.get(ctx, id)
}

// Rooms returns the resident rooms.
func (r *Registry) Rooms() []*Room {
	return r.rooms.values()
}

// Clients returns the resident clients.
func (r *Registry) Clients() []*Client {
	return r.clients.values()
}

// Counts reports online sessions, resident rooms and resident clients.
func (r *Registry) Counts() (sessions, rooms, clients int) {
	return r.sessions.Size(), r.rooms.m.Size(), r.clients.m.Size()
}

// WithRoom runs fn against the resident room, reloading and retrying when
// fn lost a race with eviction.
func (r *Registry) WithRoom(ctx context.Context, id int64, fn func(*Room) error) error {
	for attempt := 0; ; attempt++ {
		room, err := r.Room(ctx, id)
		if err != nil {
			return err
		}
		err = fn(room)
		if !errors.Is(err, errEvicted) || attempt >= maxEvictionRetries {
			return err
		}
	}
}

// WithClient is the client counterpart of WithRoom.
func (r *Registry) WithClient(ctx context.Context, id int64, fn func(*Client) error) error {
	for attempt := 0; ; attempt++ {
		c, err := r.Client(ctx, id)
		if err != nil {
			return err
		}
		err = fn(c)
		if !errors.Is(err, errEvicted) || attempt >= maxEvictionRetries {
			return err
		}
	}
}

// bindLocked records s as the online session of c and returns the session it
// replaced. The caller holds c's lock, which is what orders binds against
// bans and eviction.
func (r *Registry) bindLocked(c *Client, s *Session) *Session {
	prev, loaded := r.sessions.LoadAndStore(c.id, s)
	if loaded && prev != s {
		return prev
	}
	return nil
}

// Unbind removes clientID's entry only if it still points at s.
func (r *Registry) Unbind(clientID int64, s *Session) {
	r.sessions.Compute(clientID, func(old *Session, loaded bool) (*Session, bool) {
		return old, !loaded || old == s
	})
}

// SaveRoom persists the resident room.
func (r *Registry) SaveRoom(ctx context.Context, room *Room) error {
	if err := room.save(ctx, r.store); err != nil {
		return fmt.Errorf("save room %d: %w", room.id, err)
	}
	return nil
}

// SaveClient persists the resident client.
func (r *Registry) SaveClient(ctx context.Context, c *Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := r.store.SaveClient(ctx, c.rec.Clone()); err != nil {
		return fmt.Errorf("save client %d: %w", c.id, err)
	}
	return nil
}

// EvictRoom unloads room when none of its members is online.
func (r *Registry) EvictRoom(ctx context.Context, room *Room) (bool, error) {
	evicted, err := room.evictIf(ctx, r.store, r.Online, func() {
		r.rooms.remove(room.id, room)
	})
	if err != nil {
		return false, fmt.Errorf("evict room %d: %w", room.id, err)
	}
	return evicted, nil
}

// EvictClient unloads c when it has no online session.
func (r *Registry) EvictClient(ctx context.Context, c *Client) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted || r.Online(c.id) {
		return false, nil
	}
	if err := r.store.SaveClient(ctx, c.rec.Clone()); err != nil {
		return false, fmt.Errorf("evict client %d: %w", c.id, err)
	}
	c.evicted = true
	r.clients.remove(c.id, c)
	return true, nil
}

// Flush persists every resident room and client.
func (r *Registry) Flush(ctx context.Context) error {
	var errs []error
	for _, room := range r.Rooms() {
		if err := r.SaveRoom(ctx, room); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range r.Clients() {
		if err := r.SaveClient(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
