// Package memory is a map-backed store.Store used by tests and ephemeral runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vovakirdan/roomchat-server/internal/store"
)

// Store keeps every record in process memory. Records are cloned on the way
// in and out so callers never share state with the store.
type Store struct {
	mu         sync.RWMutex
	clients    map[int64]*store.Client
	logins     map[string]int64
	rooms      map[int64]*store.Room
	nextClient int64
	nextRoom   int64
	failSaves  bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		clients:    make(map[int64]*store.Client),
		logins:     make(map[string]int64),
		rooms:      make(map[int64]*store.Room),
		nextClient: 1,
		nextRoom:   1,
	}
}

func (s *Store) CreateClient(_ context.Context, c *store.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.logins[c.Login]; taken {
		return store.ErrLoginTaken
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.ID = s.nextClient
	s.nextClient++

	s.clients[c.ID] = c.Clone()
	s.logins[c.Login] = c.ID
	return nil
}

func (s *Store) LoadClient(_ context.Context, id int64) (*store.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %d: %w", id, store.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *Store) LoadClientByLogin(ctx context.Context, login string) (*store.Client, error) {
	s.mu.RLock()
	id, ok := s.logins[login]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("client %q: %w", login, store.ErrNotFound)
	}
	return s.LoadClient(ctx, id)
}

func (s *Store) SaveClient(_ context.Context, c *store.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSaves {
		return fmt.Errorf("save client %d: injected failure", c.ID)
	}
	if _, ok := s.clients[c.ID]; !ok {
		return fmt.Errorf("client %d: %w", c.ID, store.ErrNotFound)
	}
	s.clients[c.ID] = c.Clone()
	return nil
}

func (s *Store) ClientExists(_ context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[id]
	return ok, nil
}

func (s *Store) LoginTaken(_ context.Context, login string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.logins[login]
	return ok, nil
}

func (s *Store) CreateRoom(_ context.Context, r *store.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.ID = s.nextRoom
	s.nextRoom++
	s.rooms[r.ID] = r.Clone()
	return nil
}

func (s *Store) LoadRoom(_ context.Context, id int64) (*store.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %d: %w", id, store.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) SaveRoom(_ context.Context, r *store.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSaves {
		return fmt.Errorf("save room %d: injected failure", r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.rooms[r.ID] = r.Clone()
	if r.ID >= s.nextRoom {
		s.nextRoom = r.ID + 1
	}
	return nil
}

// FailSaves makes every Save* call fail until reset; tests use it to exercise error paths.
func (s *Store) FailSaves(fail bool) {
	s.mu.Lock()
	s.failSaves = fail
	s.mu.Unlock()
}

func (s *Store) Close() error {
	return nil
}
