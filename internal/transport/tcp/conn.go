package tcp

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/vovakirdan/roomchat-server/internal/proto"
)

// frameConn adapts a stream socket to core.Conn using the 2-byte length prefix.
type frameConn struct {
	conn        net.Conn
	r           *bufio.Reader
	readTimeout time.Duration
}

func newFrameConn(conn net.Conn, readTimeout time.Duration) *frameConn {
	return &frameConn{conn: conn, r: bufio.NewReader(conn), readTimeout: readTimeout}
}

// ReadFrame blocks for the next frame. The read deadline is the idle bound
// for abandoned connections; closing the socket unblocks it.
func (c *frameConn) ReadFrame(_ context.Context) ([]byte, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return nil, err
		}
	}
	return proto.ReadFrame(c.r)
}

func (c *frameConn) WriteFrame(ctx context.Context, body []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return proto.WriteFrame(c.conn, body)
}

func (c *frameConn) Close() error {
	return c.conn.Close()
}

func (c *frameConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
