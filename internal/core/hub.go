package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/roomchat-server/internal/auth"
	"github.com/vovakirdan/roomchat-server/internal/store"
)

const reasonShutdown = "server shutting down"

// Options tune the hub. Zero values fall back to the defaults in withDefaults.
type Options struct {
	HistoryCapacity int
	OutboundQueue   int
	MaxAuthAttempts int
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ReapInterval    time.Duration

	// AdminLogin and AdminPassword are the superuser credentials, also
	// bootstrapped as an admin client.
	AdminLogin    string
	AdminPassword string

	Clock   clock.Clock
	Hasher  auth.Hasher
	Tokens  *auth.Tokens
	Control Controller
}

func (o Options) withDefaults() Options {
	if o.HistoryCapacity <= 0 {
		o.HistoryCapacity = 100
	}
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = 64
	}
	if o.MaxAuthAttempts <= 0 {
		o.MaxAuthAttempts = 3
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Tokens == nil {
		o.Tokens = auth.NewTokens(auth.TokenConfig{}, o.Clock.Now)
	}
	return o
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	LiveSessions    int `json:"live_sessions"`
	OnlineClients   int `json:"online_clients"`
	ResidentRooms   int `json:"resident_rooms"`
	ResidentClients int `json:"resident_clients"`
}

// Hub owns the registry, dispatcher and reaper and runs one session per connection.
type Hub struct {
	opts       Options
	store      store.Store
	clock      clock.Clock
	log        zerolog.Logger
	registry   *Registry
	dispatcher *Dispatcher
	reaper     *Reaper

	live *xsync.MapOf[string, *Session]

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// NewHub wires a hub over st.
func NewHub(st store.Store, opts Options, logger *zerolog.Logger) *Hub {
	opts = opts.withDefaults()
	reg := NewRegistry(st, opts.HistoryCapacity, logger)
	h := &Hub{
		opts:     opts,
		store:    st,
		clock:    opts.Clock,
		log:      logger.With().Str("component", "hub").Logger(),
		registry: reg,
		live:     xsync.NewMapOf[string, *Session](),
	}
	h.dispatcher = NewDispatcher(DispatcherDeps{
		Registry:      reg,
		Store:         st,
		Clock:         opts.Clock,
		Hasher:        opts.Hasher,
		Tokens:        opts.Tokens,
		Control:       opts.Control,
		SuperLogin:    opts.AdminLogin,
		SuperPassword: opts.AdminPassword,
		Logger:        logger,
	})
	h.reaper = NewReaper(reg, opts.Clock, opts.ReapInterval, opts.IdleTimeout, opts.WriteTimeout, logger)
	return h
}

// Registry exposes the hub's registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Reaper exposes the hub's reaper.
func (h *Hub) Reaper() *Reaper { return h.reaper }

// Bootstrap makes sure the admin client and the global room exist.
func (h *Hub) Bootstrap(ctx context.Context) error {
	var adminID int64
	createdAdmin := false

	if h.opts.AdminLogin != "" {
		admin, err := h.store.LoadClientByLogin(ctx, h.opts.AdminLogin)
		switch {
		case err == nil:
			adminID = admin.ID
		case errors.Is(err, store.ErrNotFound):
			hash, err := h.opts.Hasher.Hash(h.opts.AdminPassword)
			if err != nil {
				return fmt.Errorf("hash admin password: %w", err)
			}
			rec := &store.Client{
				Login:        h.opts.AdminLogin,
				PasswordHash: hash,
				DisplayName:  h.opts.AdminLogin,
				IsAdmin:      true,
				Rooms:        store.NewIDSet(store.GlobalRoomID),
				Friends:      store.NewIDSet(),
				CreatedAt:    h.clock.Now(),
			}
			if err := h.store.CreateClient(ctx, rec); err != nil {
				return fmt.Errorf("create admin client: %w", err)
			}
			adminID, createdAdmin = rec.ID, true
			h.log.Info().Int64("client_id", adminID).Str("login", rec.Login).Msg("admin client created")
		default:
			return fmt.Errorf("load admin client: %w", err)
		}
	}

	_, err := h.store.LoadRoom(ctx, store.GlobalRoomID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		global := &store.Room{
			ID:        store.GlobalRoomID,
			AdminID:   adminID,
			Members:   store.NewIDSet(),
			CreatedAt: h.clock.Now(),
		}
		if adminID != 0 {
			global.Members.Add(adminID)
		}
		if err := h.store.SaveRoom(ctx, global); err != nil {
			return fmt.Errorf("create global room: %w", err)
		}
		h.log.Info().Msg("global room created")
		return nil
	case err != nil:
		return fmt.Errorf("load global room: %w", err)
	}

	if !createdAdmin {
		return nil
	}
	return h.registry.WithRoom(ctx, store.GlobalRoomID, func(r *Room) error {
		if r.IsMember(adminID) {
			return nil
		}
		if err := r.Join(adminID); err != nil {
			return err
		}
		return h.registry.SaveRoom(ctx, r)
	})
}

// Run drives the reaper until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.reaper.Run(ctx)
}

// Serve runs a session on conn and blocks until it closes.
func (h *Hub) Serve(conn Conn) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.sessions.Add(1)
	h.mu.Unlock()
	defer h.sessions.Done()

	s := newSession(h, conn)
	h.live.Store(s.id, s)
	s.log.Debug().Msg("session opened")
	s.run()
}

func (h *Hub) forget(s *Session) {
	h.live.Delete(s.id)
}

// Stats reports current session and residency counts.
func (h *Hub) Stats() Stats {
	online, rooms, clients := h.registry.Counts()
	return Stats{
		LiveSessions:    h.live.Size(),
		OnlineClients:   online,
		ResidentRooms:   rooms,
		ResidentClients: clients,
	}
}

// Shutdown kicks every session, waits for them until ctx is done, force
// closes the rest and persists everything still resident.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.live.Range(func(_ string, s *Session) bool {
		s.Kick(reasonShutdown)
		return true
	})

	drained := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		h.log.Warn().Int("sessions", h.live.Size()).Msg("shutdown grace expired, force closing sessions")
		h.live.Range(func(_ string, s *Session) bool {
			s.Close()
			return true
		})
		<-drained
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	defer cancel()
	if err := h.registry.Flush(flushCtx); err != nil {
		return fmt.Errorf("flush registry: %w", err)
	}
	h.log.Info().Msg("hub stopped")
	return nil
}
