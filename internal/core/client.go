package core

import (
	"sync"

	"github.com/vovakirdan/roomchat-server/internal/store"
)

// Client is the resident copy of a client record. The registry holds at most
// one per id, so every mutation of that client goes through this value.
type Client struct {
	id int64

	mu      sync.Mutex
	rec     *store.Client
	evicted bool
}

func newClient(rec *store.Client) *Client {
	if rec.Rooms == nil {
		rec.Rooms = store.NewIDSet()
	}
	if rec.Friends == nil {
		rec.Friends = store.NewIDSet()
	}
	return &Client{id: rec.ID, rec: rec}
}

// ID returns the client id.
func (c *Client) ID() int64 {
	return c.id
}

// View returns a snapshot of the record.
func (c *Client) View() *store.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Clone()
}

// Update runs fn with exclusive access to the record. It fails with
// errEvicted once the registry has unloaded this client.
func (c *Client) Update(fn func(rec *store.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evicted {
		return errEvicted
	}
	return fn(c.rec)
}
