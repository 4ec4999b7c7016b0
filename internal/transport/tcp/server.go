// Package tcp serves chat sessions over raw TCP with length-prefixed frames.
package tcp

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/roomchat-server/internal/core"
)

// Hub runs one session per accepted connection.
type Hub interface {
	Serve(conn core.Conn)
}

// Server is the accept loop.
type Server struct {
	hub         Hub
	readTimeout time.Duration
	log         zerolog.Logger
}

// NewServer builds an accept loop that hands connections to hub.
func NewServer(hub Hub, readTimeout time.Duration, logger *zerolog.Logger) *Server {
	return &Server{
		hub:         hub,
		readTimeout: readTimeout,
		log:         logger.With().Str("component", "tcp").Logger(),
	}
}

// Listen binds addr. Binding separately from Serve lets startup fail fast.
func Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Serve accepts connections until ctx is done. It closes ln on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("accepting connections")
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Resource exhaustion and similar faults are retried.
			backoff = nextBackoff(backoff)
			s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		go s.hub.Serve(newFrameConn(conn, s.readTimeout))
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
