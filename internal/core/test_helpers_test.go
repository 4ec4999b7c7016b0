package core

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/crypto/bcrypt"

	"github.com/vovakirdan/roomchat-server/internal/auth"
	"github.com/vovakirdan/roomchat-server/internal/log"
	"github.com/vovakirdan/roomchat-server/internal/proto"
	"github.com/vovakirdan/roomchat-server/internal/store/memory"
)

const (
	superLogin    = "root"
	superPassword = "root-pass"
	waitTimeout   = 2 * time.Second
)

var testEpoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

// pipeConn is an in-memory Conn. Tests push frames into in and read the
// server's frames from out.
type pipeConn struct {
	in      chan []byte
	out     chan []byte
	closed  chan struct{}
	once    sync.Once
	stalled atomic.Bool
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) WriteFrame(ctx context.Context, body []byte) error {
	if len(body) > proto.MaxFrameSize {
		return proto.ErrFrameTooLarge
	}
	if c.stalled.Load() {
		// Simulates a peer that stopped reading.
		select {
		case <-c.closed:
			return net.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	frame := append([]byte(nil), body...)
	select {
	case c.out <- frame:
		return nil
	case <-c.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) RemoteAddr() string { return "pipe" }

type fakeControl struct {
	stops    atomic.Int32
	restarts atomic.Int32
}

func (f *fakeControl) Stop()    { f.stops.Add(1) }
func (f *fakeControl) Restart() { f.restarts.Add(1) }

type harness struct {
	hub     *Hub
	store   *memory.Store
	clock   *clock.Mock
	control *fakeControl
	adminID int64
}

func newHarness(t *testing.T, tune ...func(*Options)) *harness {
	t.Helper()

	st := memory.New()
	mock := clock.NewMock()
	mock.Set(testEpoch)
	ctrl := &fakeControl{}

	opts := Options{
		HistoryCapacity: 10,
		WriteTimeout:    time.Second,
		IdleTimeout:     time.Minute,
		ReapInterval:    time.Minute,
		AdminLogin:      superLogin,
		AdminPassword:   superPassword,
		Clock:           mock,
		Hasher:          auth.NewHasher(bcrypt.MinCost),
		Tokens:          auth.NewTokens(auth.TokenConfig{Secret: []byte("test-secret"), TTL: time.Hour}, mock.Now),
		Control:         ctrl,
	}
	for _, fn := range tune {
		fn(&opts)
	}

	hub := NewHub(st, opts, log.Nop())
	if err := hub.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	admin, err := st.LoadClientByLogin(context.Background(), superLogin)
	if err != nil {
		t.Fatalf("load admin: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})
	return &harness{hub: hub, store: st, clock: mock, control: ctrl, adminID: admin.ID}
}

type testClient struct {
	t    *testing.T
	conn *pipeConn
	done chan struct{}
}

func (h *harness) connect(t *testing.T) *testClient {
	t.Helper()

	c := &testClient{t: t, conn: newPipeConn(), done: make(chan struct{})}
	go func() {
		h.hub.Serve(c.conn)
		close(c.done)
	}()
	return c
}

func (c *testClient) send(env *proto.Envelope) {
	c.t.Helper()

	body, err := proto.Encode(env)
	if err != nil {
		c.t.Fatalf("encode %s: %v", env.Kind, err)
	}
	c.sendRaw(body)
}

func (c *testClient) sendRaw(body []byte) {
	c.t.Helper()

	select {
	case c.conn.in <- body:
	case <-time.After(waitTimeout):
		c.t.Fatalf("send timed out")
	}
}

// next returns the next envelope the server wrote.
func (c *testClient) next() *proto.Envelope {
	c.t.Helper()

	select {
	case body := <-c.conn.out:
		env, err := proto.Decode(body)
		if err != nil {
			c.t.Fatalf("decode server frame %s: %v", body, err)
		}
		return env
	case <-time.After(waitTimeout):
		c.t.Fatalf("no frame from server")
		return nil
	}
}

// expect returns the next envelope and fails unless it has the given kind.
func (c *testClient) expect(kind proto.Kind) *proto.Envelope {
	c.t.Helper()

	env := c.next()
	if env.Kind != kind {
		c.t.Fatalf("expected %s, got %s (text=%q)", kind, env.Kind, env.Text)
	}
	return env
}

// waitFor skips envelopes until one of the given kind arrives.
func (c *testClient) waitFor(kind proto.Kind) *proto.Envelope {
	c.t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if env := c.next(); env.Kind == kind {
			return env
		}
	}
	c.t.Fatalf("expected %s not received", kind)
	return nil
}

func (c *testClient) waitClosed() {
	c.t.Helper()

	select {
	case <-c.done:
	case <-time.After(waitTimeout):
		c.t.Fatalf("session did not close")
	}
}

// register signs up login through the protocol and returns the new id.
func (h *harness) register(t *testing.T, login, password string) int64 {
	t.Helper()

	c := h.connect(t)
	c.send(proto.New(proto.KindRegistration).WithCredentials(login, password))
	acc := c.expect(proto.KindAccepted)
	c.expect(proto.KindKick)
	c.waitClosed()
	return acc.ToID
}

// login authenticates a fresh connection and drains the ACCEPTED reply.
func (h *harness) login(t *testing.T, login, password string) (*testClient, int64) {
	t.Helper()

	c := h.connect(t)
	c.send(proto.New(proto.KindAuth).WithCredentials(login, password))
	acc := c.expect(proto.KindAccepted)
	return c, acc.ToID
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
