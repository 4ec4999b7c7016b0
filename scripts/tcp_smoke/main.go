package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/vovakirdan/roomchat-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("tcp_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "localhost:7777", "TCP address")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	deadline := time.Now().Add(*timeout)
	login := "smoke-" + uuid.NewString()[:8]
	password := uuid.NewString()

	// Registration always ends the session.
	reg, err := dial(*addr, deadline)
	if err != nil {
		return err
	}
	acc, err := roundTrip(reg, proto.New(proto.KindRegistration).WithCredentials(login, password))
	_ = reg.Close()
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	log.Printf("registered %s as %d", login, acc.ToID)

	conn, err := dial(*addr, deadline)
	if err != nil {
		return err
	}
	defer conn.Close()

	auth, err := roundTrip(conn, proto.New(proto.KindAuth).WithCredentials(login, password))
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	self := auth.ToID

	created, err := roundTrip(conn, proto.New(proto.KindCreateRoom).WithFromID(self))
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	room := created.RoomID
	log.Printf("created room %d", room)

	if _, err := roundTrip(conn, proto.New(proto.KindMessage).WithFromID(self).WithRoomID(room).WithText(*text)); err != nil {
		return fmt.Errorf("message: %w", err)
	}

	hist, err := roundTrip(conn, proto.New(proto.KindMessageHistory).WithFromID(self).WithRoomID(room))
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if len(hist.History) != 1 || hist.History[0].Text != *text {
		return fmt.Errorf("unexpected history: %+v", hist.History)
	}

	log.Printf("smoke test passed")
	return nil
}

type conn struct {
	net.Conn
	r *bufio.Reader
}

func dial(addr string, deadline time.Time) (*conn, error) {
	c, err := net.DialTimeout("tcp", addr, time.Until(deadline))
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	_ = c.SetDeadline(deadline)
	return &conn{Conn: c, r: bufio.NewReader(c)}, nil
}

// roundTrip sends req and returns the ACCEPTED reply, skipping pushed
// notifications such as MESSAGE broadcasts.
func roundTrip(c *conn, req *proto.Envelope) (*proto.Envelope, error) {
	if err := proto.WriteEnvelope(c, req); err != nil {
		return nil, err
	}
	for {
		env, err := proto.ReadEnvelope(c.r)
		if err != nil {
			return nil, err
		}
		switch env.Kind {
		case proto.KindAccepted:
			return env, nil
		case proto.KindDenied, proto.KindError, proto.KindKick:
			return nil, fmt.Errorf("%s: %s", env.Kind, env.Text)
		}
	}
}
