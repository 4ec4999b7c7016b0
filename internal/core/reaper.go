package core

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const reasonIdle = "idle timeout"

// SweepResult summarizes one reaper pass.
type SweepResult struct {
	Kicked         int
	RoomsEvicted   int
	ClientsEvicted int
	Failures       int
}

// Reaper periodically kicks idle sessions and unloads rooms and clients
// nobody online is using.
type Reaper struct {
	registry    *Registry
	clock       clock.Clock
	interval    time.Duration
	idleTimeout time.Duration
	grace       time.Duration
	log         zerolog.Logger

	running sync.Mutex
}

// NewReaper builds a reaper. grace bounds how long a sweep waits for a kicked
// session to finish closing before forcing it.
func NewReaper(reg *Registry, clk clock.Clock, interval, idleTimeout, grace time.Duration, logger *zerolog.Logger) *Reaper {
	return &Reaper{
		registry:    reg,
		clock:       clk,
		interval:    interval,
		idleTimeout: idleTimeout,
		grace:       grace,
		log:         logger.With().Str("component", "reaper").Logger(),
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := r.Sweep(ctx)
			if res != (SweepResult{}) {
				r.log.Info().
					Int("kicked", res.Kicked).
					Int("rooms_evicted", res.RoomsEvicted).
					Int("clients_evicted", res.ClientsEvicted).
					Int("failures", res.Failures).
					Msg("sweep finished")
			}
		}
	}
}

// Sweep runs one pass. Overlapping calls return immediately with an empty result.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	if !r.running.TryLock() {
		return res
	}
	defer r.running.Unlock()

	now := r.clock.Now()
	var kicked []*Session
	for _, s := range r.registry.Sessions() {
		if now.Sub(s.LastActivity()) <= r.idleTimeout {
			continue
		}
		s.Kick(reasonIdle)
		kicked = append(kicked, s)
	}
	res.Kicked = len(kicked)

	// Kicked sessions unbind on close; wait so their rooms can go this pass.
	for _, s := range kicked {
		select {
		case <-s.Done():
		case <-r.clock.After(r.grace):
			r.log.Warn().Str("session_id", s.ID()).Msg("kicked session did not close in time, forcing")
			s.Close()
		case <-ctx.Done():
			return res
		}
	}

	for _, room := range r.registry.Rooms() {
		evicted, err := r.registry.EvictRoom(ctx, room)
		if err != nil {
			res.Failures++
			r.log.Error().Err(err).Int64("room_id", room.ID()).Msg("room eviction failed")
			continue
		}
		if evicted {
			res.RoomsEvicted++
		}
	}

	for _, c := range r.registry.Clients() {
		evicted, err := r.registry.EvictClient(ctx, c)
		if err != nil {
			res.Failures++
			r.log.Error().Err(err).Int64("client_id", c.ID()).Msg("client eviction failed")
			continue
		}
		if evicted {
			res.ClientsEvicted++
		}
	}
	return res
}
