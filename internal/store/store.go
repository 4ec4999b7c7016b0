package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a client or room id has no durable record.
	ErrNotFound = errors.New("not found")
	// ErrLoginTaken is returned when creating a client whose login already exists.
	ErrLoginTaken = errors.New("login already taken")
)

// GlobalRoomID is the room every client belongs to, created at bootstrap.
const GlobalRoomID int64 = 0

// Client is the durable identity and membership record of a chat user.
type Client struct {
	ID           int64
	Login        string
	PasswordHash string
	DisplayName  string
	IsAdmin      bool
	Banned       bool
	BannedUntil  *time.Time
	Rooms        IDSet
	Friends      IDSet
	CreatedAt    time.Time
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *Client) Clone() *Client {
	out := *c
	out.Rooms = c.Rooms.Clone()
	out.Friends = c.Friends.Clone()
	if c.BannedUntil != nil {
		until := *c.BannedUntil
		out.BannedUntil = &until
	}
	return &out
}

// Room is the durable state of one chat room.
type Room struct {
	ID        int64
	AdminID   int64
	Members   IDSet
	History   []Message
	CreatedAt time.Time
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Room) Clone() *Room {
	out := *r
	out.Members = r.Members.Clone()
	out.History = append([]Message(nil), r.History...)
	return &out
}

// Message is one chat message kept in a room's history.
type Message struct {
	RoomID    int64
	FromID    int64
	Text      string
	CreatedAt time.Time
}

// ClientStore handles client persistence.
type ClientStore interface {
	// CreateClient inserts a new client, assigns c.ID and fails with ErrLoginTaken on duplicates.
	CreateClient(ctx context.Context, c *Client) error

	// LoadClient retrieves a client by id or returns ErrNotFound.
	LoadClient(ctx context.Context, id int64) (*Client, error)

	// LoadClientByLogin retrieves a client by login or returns ErrNotFound.
	LoadClientByLogin(ctx context.Context, login string) (*Client, error)

	// SaveClient overwrites an existing client record.
	SaveClient(ctx context.Context, c *Client) error

	// ClientExists checks whether an id has a record.
	ClientExists(ctx context.Context, id int64) (bool, error)

	// LoginTaken checks whether a login is registered.
	LoginTaken(ctx context.Context, login string) (bool, error)
}

// RoomStore handles room persistence.
type RoomStore interface {
	// CreateRoom inserts a new room and assigns r.ID from a monotonic sequence.
	CreateRoom(ctx context.Context, r *Room) error

	// LoadRoom retrieves a room with members and history or returns ErrNotFound.
	LoadRoom(ctx context.Context, id int64) (*Room, error)

	// SaveRoom upserts a room, replacing members and history.
	SaveRoom(ctx context.Context, r *Room) error
}

// Store aggregates all storage interfaces.
type Store interface {
	ClientStore
	RoomStore

	// Close releases the underlying resources.
	Close() error
}
