package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresDB is the Gateway for shared deployments.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to dsn and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresDB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	if err := runMigrations(ctx, sqlDB, goose.DialectPostgres, "migrations/postgres"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

func (db *PostgresDB) UserByName(ctx context.Context, name string) (*User, error) {
	var (
		u         User
		avatar    []byte
		lastLogin *time.Time
	)
	err := db.pool.QueryRow(ctx, `
		SELECT name, password_hash, auth_key, pub_key, avatar, active, ip_addr, port, last_login
		FROM users WHERE name = $1`, name).
		Scan(&u.Name, &u.PasswordHash, &u.AuthKey, &u.PubKey, &avatar, &u.Active, &u.IP, &u.Port, &lastLogin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	if u.Avatar, err = unpackBlob(avatar); err != nil {
		return nil, fmt.Errorf("decode avatar: %w", err)
	}
	if lastLogin != nil {
		u.LastLogin = lastLogin.UTC()
	}
	return &u, nil
}

func (db *PostgresDB) CreateUser(ctx context.Context, name, passwordHash, authKey string) error {
	if name == "" {
		return errors.New("username is required")
	}
	_, err := db.pool.Exec(ctx, `INSERT INTO users (name, password_hash, auth_key) VALUES ($1, $2, $3)`,
		name, passwordHash, authKey)
	if IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (db *PostgresDB) LoginUser(ctx context.Context, name, ip string, port int, pubKey string) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE users
		SET active = TRUE, ip_addr = $1, port = $2, last_login = $3,
		    pub_key = CASE WHEN $4 = '' THEN pub_key ELSE $4 END
		WHERE name = $5`,
		ip, port, time.Now().UTC(), pubKey, name)
	if err != nil {
		return fmt.Errorf("login user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PostgresDB) LogoutUser(ctx context.Context, name, ip string, port int) error {
	if err := db.requireUsers(ctx, db.pool, name); err != nil {
		return err
	}
	_, err := db.pool.Exec(ctx, `
		UPDATE users SET active = FALSE, ip_addr = '', port = 0
		WHERE name = $1 AND ($2 = '' OR (ip_addr = $2 AND port = $3))`,
		name, ip, port)
	if err != nil {
		return fmt.Errorf("logout user: %w", err)
	}
	return nil
}

func (db *PostgresDB) IsActive(ctx context.Context, name string) (bool, error) {
	var active bool
	err := db.pool.QueryRow(ctx, `SELECT active FROM users WHERE name = $1`, name).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query active: %w", err)
	}
	return active, nil
}

func (db *PostgresDB) ResetActive(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, `UPDATE users SET active = FALSE, ip_addr = '', port = 0`); err != nil {
		return fmt.Errorf("reset active: %w", err)
	}
	return nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (db *PostgresDB) requireUsers(ctx context.Context, q pgQuerier, names ...string) error {
	for _, n := range names {
		var one int
		err := q.QueryRow(ctx, `SELECT 1 FROM users WHERE name = $1`, n).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("query user %s: %w", n, err)
		}
	}
	return nil
}

func (db *PostgresDB) AddContact(ctx context.Context, owner, name string) error {
	if err := db.requireUsers(ctx, db.pool, owner, name); err != nil {
		return err
	}
	_, err := db.pool.Exec(ctx, `INSERT INTO contacts (owner, contact) VALUES ($1, $2)`, owner, name)
	if IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

func (db *PostgresDB) RemoveContact(ctx context.Context, owner, name string) error {
	if err := db.requireUsers(ctx, db.pool, owner, name); err != nil {
		return err
	}
	tag, err := db.pool.Exec(ctx, `DELETE FROM contacts WHERE owner = $1 AND contact = $2`, owner, name)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotExists
	}
	return nil
}

func (db *PostgresDB) Contacts(ctx context.Context, owner string) ([]string, error) {
	if err := db.requireUsers(ctx, db.pool, owner); err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx, `SELECT contact FROM contacts WHERE owner = $1 ORDER BY contact`, owner)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan contacts: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (db *PostgresDB) AllUsernamesWithAvatars(ctx context.Context) ([]UserAvatar, error) {
	rows, err := db.pool.Query(ctx, `SELECT name, avatar FROM users ORDER BY name`)
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

func (db *PostgresDB) UpdateAvatar(ctx context.Context, name string, avatar []byte) error {
	tag, err := db.pool.Exec(ctx, `UPDATE users SET avatar = $1 WHERE name = $2`, packBlob(avatar), name)
	if err != nil {
		return fmt.Errorf("update avatar: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *PostgresDB) ChatByName(ctx context.Context, name string) (*Chat, error) {
	var c Chat
	err := db.pool.QueryRow(ctx, `SELECT name, owner, is_personal FROM chats WHERE name = $1`, name).
		Scan(&c.Name, &c.Owner, &c.IsPersonal)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query chat: %w", err)
	}

	rows, err := db.pool.Query(ctx, `SELECT username FROM chat_members WHERE chat = $1 ORDER BY username`, name)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	if c.Members, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
		return nil, fmt.Errorf("scan members: %w", err)
	}
	if c.Members == nil {
		c.Members = []string{}
	}
	return &c, nil
}

func (db *PostgresDB) UpsertChat(ctx context.Context, chat Chat) error {
	if chat.Name == "" {
		return errors.New("chat name is required")
	}
	members := normalizeMembers(chat.Owner, chat.Members)

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := db.requireUsers(ctx, tx, members...); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO chats (name, owner, is_personal) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET owner = EXCLUDED.owner, is_personal = EXCLUDED.is_personal`,
		chat.Name, chat.Owner, chat.IsPersonal); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chat_members WHERE chat = $1`, chat.Name); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}

	batch := &pgx.Batch{}
	for _, m := range members {
		batch.Queue(`INSERT INTO chat_members (chat, username) VALUES ($1, $2)`, chat.Name, m)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert members: %w", err)
	}
	return tx.Commit(ctx)
}

func (db *PostgresDB) ChatsForUser(ctx context.Context, name string) ([]*Chat, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT chat FROM chat_members WHERE username = $1 ORDER BY chat`, name)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan chats: %w", err)
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

func (db *PostgresDB) RecordMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	_, err := db.pool.Exec(ctx, `
		INSERT INTO messages (id, sender, recipient, chat, payload, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6)`,
		msg.ID.String(), msg.Sender, msg.Recipient, msg.Chat, packPayload(msg.Payload), msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (db *PostgresDB) MessagesFor(ctx context.Context, name string, limit int) ([]*Message, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := db.pool.Query(ctx, `
		SELECT id::text, sender, recipient, chat, payload, created_at FROM (
			SELECT * FROM messages
			WHERE sender = $1 OR recipient = $1
			ORDER BY id DESC
			LIMIT $2
		) recent ORDER BY id ASC`, name, limitArg)
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
		)
		if err := rows.Scan(&id, &m.Sender, &m.Recipient, &m.Chat, &payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse message id: %w", err)
		}
		if m.Payload, err = unpackBlob(payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}
