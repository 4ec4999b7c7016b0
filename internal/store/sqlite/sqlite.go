package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/roomchat-server/internal/store"
)

//go:embed schema.sql
var schema string

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ store.Store = (*SQLiteStore)(nil)

// New opens (or creates) the database at dbPath and applies the schema.
// Use ":memory:" for a throwaway database.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps ":memory:" on one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== ClientStore implementation ====

// CreateClient inserts a client and its sets, assigning c.ID.
func (s *SQLiteStore) CreateClient(ctx context.Context, c *store.Client) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO clients (login, password_hash, display_name, is_admin, banned, banned_until, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, c.Login, c.PasswordHash, c.DisplayName, c.IsAdmin, c.Banned, nullMillis(c.BannedUntil), c.CreatedAt.UnixMilli())
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrLoginTaken
			}
			return fmt.Errorf("insert client: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get last insert id: %w", err)
		}
		c.ID = id

		return writeClientSets(ctx, tx, c)
	})
}

// LoadClient retrieves a client by id.
func (s *SQLiteStore) LoadClient(ctx context.Context, id int64) (*store.Client, error) {
	return s.loadClient(ctx, "id = ?", id)
}

// LoadClientByLogin retrieves a client by login.
func (s *SQLiteStore) LoadClientByLogin(ctx context.Context, login string) (*store.Client, error) {
	return s.loadClient(ctx, "login = ?", login)
}

func (s *SQLiteStore) loadClient(ctx context.Context, where string, arg any) (*store.Client, error) {
	query := `
		SELECT id, login, password_hash, display_name, is_admin, banned, banned_until, created_at
		FROM clients
		WHERE ` + where

	var c store.Client
	var bannedUntil sql.NullInt64
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&c.ID,
		&c.Login,
		&c.PasswordHash,
		&c.DisplayName,
		&c.IsAdmin,
		&c.Banned,
		&bannedUntil,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("client %v: %w", arg, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query client: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	if bannedUntil.Valid {
		until := time.UnixMilli(bannedUntil.Int64)
		c.BannedUntil = &until
	}

	if c.Rooms, err = s.queryIDSet(ctx, `SELECT room_id FROM client_rooms WHERE client_id = ?`, c.ID); err != nil {
		return nil, fmt.Errorf("query client rooms: %w", err)
	}
	if c.Friends, err = s.queryIDSet(ctx, `SELECT friend_id FROM client_friends WHERE client_id = ?`, c.ID); err != nil {
		return nil, fmt.Errorf("query client friends: %w", err)
	}

	return &c, nil
}

// SaveClient overwrites an existing client record and its sets.
func (s *SQLiteStore) SaveClient(ctx context.Context, c *store.Client) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE clients
			SET login = ?, password_hash = ?, display_name = ?, is_admin = ?, banned = ?, banned_until = ?
			WHERE id = ?
		`, c.Login, c.PasswordHash, c.DisplayName, c.IsAdmin, c.Banned, nullMillis(c.BannedUntil), c.ID)
		if err != nil {
			return fmt.Errorf("update client: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("client %d: %w", c.ID, store.ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM client_rooms WHERE client_id = ?`, c.ID); err != nil {
			return fmt.Errorf("clear client rooms: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM client_friends WHERE client_id = ?`, c.ID); err != nil {
			return fmt.Errorf("clear client friends: %w", err)
		}
		return writeClientSets(ctx, tx, c)
	})
}

func writeClientSets(ctx context.Context, tx *sql.Tx, c *store.Client) error {
	for _, roomID := range c.Rooms.Sorted() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO client_rooms (client_id, room_id) VALUES (?, ?)`, c.ID, roomID); err != nil {
			return fmt.Errorf("insert client room: %w", err)
		}
	}
	for _, friendID := range c.Friends.Sorted() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO client_friends (client_id, friend_id) VALUES (?, ?)`, c.ID, friendID); err != nil {
			return fmt.Errorf("insert client friend: %w", err)
		}
	}
	return nil
}

// ClientExists checks whether an id has a record.
func (s *SQLiteStore) ClientExists(ctx context.Context, id int64) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM clients WHERE id = ?`, id)
}

// LoginTaken checks whether a login is registered.
func (s *SQLiteStore) LoginTaken(ctx context.Context, login string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM clients WHERE login = ?`, login)
}

// ==== RoomStore implementation ====

// CreateRoom inserts a room with its members and history, assigning r.ID.
func (s *SQLiteStore) CreateRoom(ctx context.Context, r *store.Room) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `INSERT INTO rooms (admin_id, created_at) VALUES (?, ?)`, r.AdminID, r.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert room: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get last insert id: %w", err)
		}
		r.ID = id

		return writeRoomContents(ctx, tx, r)
	})
}

// LoadRoom retrieves a room by id with members and ordered history.
func (s *SQLiteStore) LoadRoom(ctx context.Context, id int64) (*store.Room, error) {
	var r store.Room
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `SELECT id, admin_id, created_at FROM rooms WHERE id = ?`, id).Scan(
		&r.ID,
		&r.AdminID,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query room: %w", err)
	}
	r.CreatedAt = time.UnixMilli(createdAt)

	if r.Members, err = s.queryIDSet(ctx, `SELECT client_id FROM room_members WHERE room_id = ?`, id); err != nil {
		return nil, fmt.Errorf("query room members: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT from_id, text, created_at
		FROM room_messages
		WHERE room_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query room messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg := store.Message{RoomID: id}
		var sentAt int64
		if err := rows.Scan(&msg.FromID, &msg.Text, &sentAt); err != nil {
			return nil, fmt.Errorf("scan room message: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(sentAt)
		r.History = append(r.History, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room messages: %w", err)
	}

	return &r, nil
}

// SaveRoom upserts a room, replacing its members and history.
func (s *SQLiteStore) SaveRoom(ctx context.Context, r *store.Room) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (id, admin_id, created_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET admin_id = excluded.admin_id
		`, r.ID, r.AdminID, r.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert room: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ?`, r.ID); err != nil {
			return fmt.Errorf("clear room members: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM room_messages WHERE room_id = ?`, r.ID); err != nil {
			return fmt.Errorf("clear room messages: %w", err)
		}
		return writeRoomContents(ctx, tx, r)
	})
}

func writeRoomContents(ctx context.Context, tx *sql.Tx, r *store.Room) error {
	for _, memberID := range r.Members.Sorted() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO room_members (room_id, client_id) VALUES (?, ?)`, r.ID, memberID); err != nil {
			return fmt.Errorf("insert room member: %w", err)
		}
	}
	for seq, msg := range r.History {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO room_messages (room_id, seq, from_id, text, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, r.ID, seq, msg.FromID, msg.Text, msg.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert room message: %w", err)
		}
	}
	return nil
}

// ==== helpers ====

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exists(ctx context.Context, query string, arg any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query exists: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) queryIDSet(ctx context.Context, query string, arg any) (store.IDSet, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := store.NewIDSet()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set.Add(id)
	}
	return set, rows.Err()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
