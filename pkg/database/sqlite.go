package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// SQLiteDB is the single-file Gateway.
// Reads use a pooled connection while all writes go through one dedicated
// connection, which avoids SQLITE_BUSY between concurrent writers.
type SQLiteDB struct {
	conn      *sql.DB // read pool
	writeConn *sql.DB // single write connection
}

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteDB, error) {
	if path == "" {
		return nil, errors.New("sqlite database path is required")
	}

	conn, err := openSQLiteConn(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openSQLiteConn(ctx, path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(ctx, writeConn, goose.DialectSQLite3, "migrations/sqlite"); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteDB{conn: conn, writeConn: writeConn}, nil
}

// openSQLiteConn opens a handle and applies the connection pragmas. PRAGMAs
// are per connection, so the DSN form is used to make every pooled
// connection pick them up.
func openSQLiteConn(ctx context.Context, path string) (*sql.DB, error) {
	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(path)
	for i, p := range sqlitePragmas {
		if i == 0 {
			dsn.WriteString("?")
		} else {
			dsn.WriteString("&")
		}
		dsn.WriteString("_pragma=")
		dsn.WriteString(pragmaArg(p))
	}

	db, err := sql.Open("sqlite", dsn.String())
	if err != nil {
		return nil, err
	}
	for _, p := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

// pragmaArg turns "PRAGMA busy_timeout = 5000" into "busy_timeout(5000)".
func pragmaArg(p string) string {
	p = strings.TrimPrefix(p, "PRAGMA ")
	name, value, _ := strings.Cut(p, " = ")
	return name + "(" + value + ")"
}

func (db *SQLiteDB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// SchemaVersion reports the applied migration version.
func (db *SQLiteDB) SchemaVersion(ctx context.Context) (int64, error) {
	return schemaVersion(ctx, db.writeConn, goose.DialectSQLite3, "migrations/sqlite")
}

func (db *SQLiteDB) UserByName(ctx context.Context, name string) (*User, error) {
	var (
		u         User
		avatar    []byte
		active    int
		lastLogin sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT name, password_hash, auth_key, pub_key, avatar, active, ip_addr, port, last_login
		FROM users WHERE name = ?`, name).
		Scan(&u.Name, &u.PasswordHash, &u.AuthKey, &u.PubKey, &avatar, &active, &u.IP, &u.Port, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	if u.Avatar, err = unpackBlob(avatar); err != nil {
		return nil, fmt.Errorf("decode avatar: %w", err)
	}
	u.Active = active != 0
	if lastLogin.Valid {
		u.LastLogin = time.UnixMilli(lastLogin.Int64).UTC()
	}
	return &u, nil
}

func (db *SQLiteDB) CreateUser(ctx context.Context, name, passwordHash, authKey string) error {
	if name == "" {
		return errors.New("username is required")
	}
	res, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO users (name, password_hash, auth_key) VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING`, name, passwordHash, authKey)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return expectAffected(res, ErrAlreadyExists)
}

func (db *SQLiteDB) LoginUser(ctx context.Context, name, ip string, port int, pubKey string) error {
	res, err := db.writeConn.ExecContext(ctx, `
		UPDATE users
		SET active = 1, ip_addr = ?, port = ?, last_login = ?,
		    pub_key = CASE WHEN ? = '' THEN pub_key ELSE ? END
		WHERE name = ?`,
		ip, port, time.Now().UTC().UnixMilli(), pubKey, pubKey, name)
	if err != nil {
		return fmt.Errorf("login user: %w", err)
	}
	return expectAffected(res, ErrNotFound)
}

func (db *SQLiteDB) LogoutUser(ctx context.Context, name, ip string, port int) error {
	if _, err := db.UserByName(ctx, name); err != nil {
		return err
	}
	_, err := db.writeConn.ExecContext(ctx, `
		UPDATE users SET active = 0, ip_addr = '', port = 0
		WHERE name = ? AND (? = '' OR (ip_addr = ? AND port = ?))`,
		name, ip, ip, port)
	if err != nil {
		return fmt.Errorf("logout user: %w", err)
	}
	return nil
}

func (db *SQLiteDB) IsActive(ctx context.Context, name string) (bool, error) {
	var active int
	err := db.conn.QueryRowContext(ctx, `SELECT active FROM users WHERE name = ?`, name).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query active: %w", err)
	}
	return active != 0, nil
}

func (db *SQLiteDB) ResetActive(ctx context.Context) error {
	if _, err := db.writeConn.ExecContext(ctx, `UPDATE users SET active = 0, ip_addr = '', port = 0`); err != nil {
		return fmt.Errorf("reset active: %w", err)
	}
	return nil
}

func (db *SQLiteDB) requireUsers(ctx context.Context, q querier, names ...string) error {
	for _, n := range names {
		var one int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM users WHERE name = ?`, n).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query user %s: %w", n, err)
		}
	}
	return nil
}

func (db *SQLiteDB) AddContact(ctx context.Context, owner, name string) error {
	if err := db.requireUsers(ctx, db.writeConn, owner, name); err != nil {
		return err
	}
	res, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO contacts (owner, contact) VALUES (?, ?)
		ON CONFLICT(owner, contact) DO NOTHING`, owner, name)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return expectAffected(res, ErrAlreadyExists)
}

func (db *SQLiteDB) RemoveContact(ctx context.Context, owner, name string) error {
	if err := db.requireUsers(ctx, db.writeConn, owner, name); err != nil {
		return err
	}
	res, err := db.writeConn.ExecContext(ctx, `DELETE FROM contacts WHERE owner = ? AND contact = ?`, owner, name)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	return expectAffected(res, ErrNotExists)
}

func (db *SQLiteDB) Contacts(ctx context.Context, owner string) ([]string, error) {
	if err := db.requireUsers(ctx, db.conn, owner); err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, `SELECT contact FROM contacts WHERE owner = ? ORDER BY contact`, owner)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (db *SQLiteDB) AllUsernamesWithAvatars(ctx context.Context) ([]UserAvatar, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT name, avatar FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	out := []UserAvatar{}
	for rows.Next() {
		var (
			ua     UserAvatar
			stored []byte
		)
		if err := rows.Scan(&ua.Name, &stored); err != nil {
			return nil, err
		}
		if ua.Avatar, err = unpackBlob(stored); err != nil {
			return nil, fmt.Errorf("decode avatar of %s: %w", ua.Name, err)
		}
		out = append(out, ua)
	}
	return out, rows.Err()
}

func (db *SQLiteDB) UpdateAvatar(ctx context.Context, name string, avatar []byte) error {
	res, err := db.writeConn.ExecContext(ctx, `UPDATE users SET avatar = ? WHERE name = ?`, packBlob(avatar), name)
	if err != nil {
		return fmt.Errorf("update avatar: %w", err)
	}
	return expectAffected(res, ErrNotFound)
}

func (db *SQLiteDB) ChatByName(ctx context.Context, name string) (*Chat, error) {
	var (
		c        Chat
		personal int
	)
	err := db.conn.QueryRowContext(ctx, `SELECT name, owner, is_personal FROM chats WHERE name = ?`, name).
		Scan(&c.Name, &c.Owner, &personal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query chat: %w", err)
	}
	c.IsPersonal = personal != 0
	if c.Members, err = db.chatMembers(ctx, name); err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *SQLiteDB) chatMembers(ctx context.Context, chat string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT username FROM chat_members WHERE chat = ? ORDER BY username`, chat)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (db *SQLiteDB) UpsertChat(ctx context.Context, chat Chat) error {
	if chat.Name == "" {
		return errors.New("chat name is required")
	}
	members := normalizeMembers(chat.Owner, chat.Members)

	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := db.requireUsers(ctx, tx, members...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (name, owner, is_personal) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, is_personal = excluded.is_personal`,
		chat.Name, chat.Owner, boolInt(chat.IsPersonal)); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_members WHERE chat = ?`, chat.Name); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chat_members (chat, username) VALUES (?, ?)`, chat.Name, m); err != nil {
			return fmt.Errorf("insert member %s: %w", m, err)
		}
	}
	return tx.Commit()
}

func (db *SQLiteDB) ChatsForUser(ctx context.Context, name string) ([]*Chat, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT c.name FROM chats c
		JOIN chat_members m ON m.chat = c.name
		WHERE m.username = ?
		ORDER BY c.name`, name)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*Chat
	for _, n := range names {
		c, err := db.ChatByName(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (db *SQLiteDB) RecordMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO messages (id, sender, recipient, chat, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.Sender, msg.Recipient, msg.Chat, packPayload(msg.Payload), msg.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (db *SQLiteDB) MessagesFor(ctx context.Context, name string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender, recipient, chat, payload, created_at FROM (
			SELECT * FROM messages
			WHERE sender = ? OR recipient = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`, name, name, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m       Message
			id      string
			payload []byte
			created int64
		)
		if err := rows.Scan(&id, &m.Sender, &m.Recipient, &m.Chat, &payload, &created); err != nil {
			return nil, err
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse message id: %w", err)
		}
		if m.Payload, err = unpackBlob(payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func expectAffected(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return none
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
