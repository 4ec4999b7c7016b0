package http

import (
	"context"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/roomchat-server/internal/proto"
)

// WSHandler upgrades HTTP connections and hands them to the hub. Each
// WebSocket message carries one envelope body.
type WSHandler struct {
	hub         Hub
	readTimeout time.Duration
	log         *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler. readTimeout bounds the wait
// for each inbound message; zero disables it.
func NewWSHandler(hub Hub, readTimeout time.Duration, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{hub: hub, readTimeout: readTimeout, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	conn.SetReadLimit(proto.MaxFrameSize)

	h.hub.Serve(&wsConn{conn: conn, remote: r.RemoteAddr, readTimeout: h.readTimeout})
}

// wsConn adapts a WebSocket connection to core.Conn.
type wsConn struct {
	conn        *websocket.Conn
	remote      string
	readTimeout time.Duration
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteFrame(ctx context.Context, body []byte) error {
	if len(body) > proto.MaxFrameSize {
		return proto.ErrFrameTooLarge
	}
	return c.conn.Write(ctx, websocket.MessageText, body)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}
