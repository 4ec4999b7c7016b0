package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/vovakirdan/roomchat-server/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	login := flag.String("login", "admin", "login")
	password := flag.String("password", "admin", "password")
	room := flag.Int64("room", 0, "room to talk in")
	flag.Parse()

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := send(ctx, conn, proto.New(proto.KindAuth).WithCredentials(*login, *password)); err != nil {
		return err
	}
	reply, err := receive(ctx, conn)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if reply.Kind != proto.KindAccepted {
		return fmt.Errorf("auth %s: %s", reply.Kind, reply.Text)
	}
	self := reply.ToID

	fmt.Printf("Connected to %s as %s (id %d) in room %d\n", *addr, reply.Text, self, *room)
	fmt.Println("Type messages and press Enter to send. /history, /members, /rooms. Ctrl+C to exit.")

	go func() {
		defer cancel()
		readLoop(ctx, conn)
	}()

	writeLoop(ctx, conn, self, *room)

	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func send(ctx context.Context, conn *websocket.Conn, env *proto.Envelope) error {
	body, err := proto.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	return conn.Write(ctx, websocket.MessageText, body)
}

func receive(ctx context.Context, conn *websocket.Conn) (*proto.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return proto.Decode(data)
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		env, err := receive(ctx, conn)
		if err != nil {
			// Treat expected shutdowns quietly.
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			var decodeErr *proto.DecodeError
			if errors.As(err, &decodeErr) {
				log.Printf("bad frame: %v", err)
				continue
			}
			log.Printf("read error: %v", err)
			return
		}

		switch env.Kind {
		case proto.KindMessage:
			fmt.Printf("[room %d] %d @ %s: %s\n", env.RoomID, env.FromID, env.CreationTime.Format(time.Kitchen), env.Text)
		case proto.KindNewRoomMember:
			fmt.Printf("[room %d] %d joined (added by %d)\n", env.RoomID, env.ToID, env.FromID)
		case proto.KindMemberLeftRoom:
			fmt.Printf("[room %d] %d left (removed by %d)\n", env.RoomID, env.ToID, env.FromID)
		case proto.KindKick:
			fmt.Printf("kicked: %s\n", env.Text)
			return
		case proto.KindAccepted:
			if env.Has(proto.FieldHistory) {
				for _, h := range env.History {
					fmt.Printf("  %d @ %s: %s\n", h.FromID, time.UnixMilli(h.CreationTime).Format(time.Kitchen), h.Text)
				}
			} else if env.Has(proto.FieldIDs) {
				fmt.Printf("  %v\n", env.IDs)
			}
		default:
			fmt.Printf("%s: %s\n", env.Kind, env.Text)
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, self, room int64) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}

			var env *proto.Envelope
			switch text {
			case "/history":
				env = proto.New(proto.KindMessageHistory).WithFromID(self).WithRoomID(room)
			case "/members":
				env = proto.New(proto.KindRoomMembers).WithFromID(self).WithRoomID(room)
			case "/rooms":
				env = proto.New(proto.KindRoomList).WithFromID(self)
			default:
				env = proto.New(proto.KindMessage).WithFromID(self).WithRoomID(room).WithText(text)
			}
			if err := send(ctx, conn, env); err != nil {
				log.Printf("send error: %v", err)
				return
			}
		}
	}
}
