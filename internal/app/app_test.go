package app

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/vovakirdan/roomchat-server/internal/config"
	"github.com/vovakirdan/roomchat-server/internal/log"
	"github.com/vovakirdan/roomchat-server/internal/proto"
	"github.com/vovakirdan/roomchat-server/internal/store/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Addr = freeAddr(t)
	cfg.HTTPAddr = ""
	cfg.DatabasePath = MemoryDatabase
	cfg.AdminLogin = "root"
	cfg.AdminPassword = "root-pass"
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func startApp(t *testing.T, cfg config.Config) (*App, <-chan error) {
	t.Helper()

	a, err := New(cfg, log.Nop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	return a, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
		return nil
	}
}

func dialApp(t *testing.T, addr string) net.Conn {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			t.Cleanup(func() { _ = conn.Close() })
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", addr, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopBeforeRun(t *testing.T) {
	a, err := New(testConfig(t), log.Nop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	a.Stop()
	a.Stop()

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestStopServerOverTCP(t *testing.T) {
	cfg := testConfig(t)
	_, done := startApp(t, cfg)

	conn := dialApp(t, cfg.Addr)
	if err := proto.WriteEnvelope(conn, proto.New(proto.KindStopServer).WithCredentials("root", "root-pass")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := proto.ReadEnvelope(conn)
	if err != nil || reply.Kind != proto.KindAccepted {
		t.Fatalf("stop reply: %+v %v", reply, err)
	}

	if err := waitRun(t, done); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestStopServerDeniedForWrongPassword(t *testing.T) {
	cfg := testConfig(t)
	a, done := startApp(t, cfg)

	conn := dialApp(t, cfg.Addr)
	if err := proto.WriteEnvelope(conn, proto.New(proto.KindStopServer).WithCredentials("root", "nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := proto.ReadEnvelope(conn)
	if err != nil || reply.Kind != proto.KindDenied {
		t.Fatalf("expected DENIED, got %+v %v", reply, err)
	}

	a.Stop()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRestartReturnsErrRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabasePath = filepath.Join(t.TempDir(), "chat.db")

	a, done := startApp(t, cfg)
	dialApp(t, cfg.Addr)
	a.Restart()
	if err := waitRun(t, done); !errors.Is(err, ErrRestart) {
		t.Fatalf("expected ErrRestart, got %v", err)
	}

	// A fresh app on the same database bootstraps again without error.
	cfg.Addr = freeAddr(t)
	b, done := startApp(t, cfg)
	conn := dialApp(t, cfg.Addr)
	if err := proto.WriteEnvelope(conn, proto.New(proto.KindAuth).WithCredentials("root", "root-pass")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := proto.ReadEnvelope(conn)
	if err != nil || reply.Kind != proto.KindAccepted {
		t.Fatalf("auth after restart: %+v %v", reply, err)
	}
	b.Stop()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRunFailsWhenAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Addr = ln.Addr().String()
	a, err := New(cfg, log.Nop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Run(context.Background()); err == nil {
		t.Fatalf("expected listen error")
	}
}

func TestRestartKeepsSharedMemoryStore(t *testing.T) {
	cfg := testConfig(t)
	st := memory.New()

	a := NewWithStore(cfg, st, log.Nop())
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	reg := dialApp(t, cfg.Addr)
	if err := proto.WriteEnvelope(reg, proto.New(proto.KindRegistration).WithCredentials("carol", "pw-c")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := proto.ReadEnvelope(reg)
	if err != nil || reply.Kind != proto.KindAccepted {
		t.Fatalf("register: %+v %v", reply, err)
	}

	a.Restart()
	if err := waitRun(t, done); !errors.Is(err, ErrRestart) {
		t.Fatalf("expected ErrRestart, got %v", err)
	}

	cfg.Addr = freeAddr(t)
	b := NewWithStore(cfg, st, log.Nop())
	done = make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	conn := dialApp(t, cfg.Addr)
	if err := proto.WriteEnvelope(conn, proto.New(proto.KindAuth).WithCredentials("carol", "pw-c")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err = proto.ReadEnvelope(conn)
	if err != nil || reply.Kind != proto.KindAccepted {
		t.Fatalf("auth after restart: %+v %v", reply, err)
	}

	b.Stop()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if taken, err := st.LoginTaken(context.Background(), "carol"); err != nil || !taken {
		t.Fatalf("store closed or emptied by the app: %v %v", taken, err)
	}
}
