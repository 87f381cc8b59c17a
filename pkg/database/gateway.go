package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the referenced user or chat does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates the row being created is already present.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotExists indicates the relation being removed is not present.
	ErrNotExists = errors.New("relation does not exist")
	// ErrUnknownEngine indicates an unsupported storage engine name.
	ErrUnknownEngine = errors.New("unknown storage engine")
)

// User is a registered account.
type User struct {
	Name         string
	PasswordHash string // bcrypt verifier
	AuthKey      string // hex PBKDF2 key shared with the client
	PubKey       string // last public key presented at login
	Avatar       []byte
	Active       bool
	IP           string
	Port         int
	LastLogin    time.Time
}

// UserAvatar is a row of the user directory.
type UserAvatar struct {
	Name   string
	Avatar []byte
}

// Chat is a conversation container. One-to-one conversations are personal
// chats whose name is derived from both member names.
type Chat struct {
	Name       string
	Owner      string
	Members    []string
	IsPersonal bool
}

// HasMember reports whether name belongs to the chat.
func (c *Chat) HasMember(name string) bool {
	for _, m := range c.Members {
		if m == name {
			return true
		}
	}
	return false
}

// Message is a stored relay. Payload is the envelope exactly as the sender
// framed it; the store never inspects it.
type Message struct {
	ID        uuid.UUID
	Sender    string
	Recipient string
	Chat      string
	Payload   []byte
	CreatedAt time.Time
}

// NewMessage returns a message with a time-ordered id.
func NewMessage(sender, recipient, chat string, payload []byte) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	return &Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Chat:      chat,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Gateway is the persistence surface the chat server depends on.
// Implementations serialize conflicting writes themselves.
type Gateway interface {
	UserByName(ctx context.Context, name string) (*User, error)
	CreateUser(ctx context.Context, name, passwordHash, authKey string) error
	LoginUser(ctx context.Context, name, ip string, port int, pubKey string) error
	LogoutUser(ctx context.Context, name, ip string, port int) error
	IsActive(ctx context.Context, name string) (bool, error)
	ResetActive(ctx context.Context) error

	AddContact(ctx context.Context, owner, name string) error
	RemoveContact(ctx context.Context, owner, name string) error
	Contacts(ctx context.Context, owner string) ([]string, error)

	AllUsernamesWithAvatars(ctx context.Context) ([]UserAvatar, error)
	UpdateAvatar(ctx context.Context, name string, avatar []byte) error

	ChatByName(ctx context.Context, name string) (*Chat, error)
	UpsertChat(ctx context.Context, chat Chat) error
	ChatsForUser(ctx context.Context, name string) ([]*Chat, error)

	RecordMessage(ctx context.Context, msg *Message) error
	MessagesFor(ctx context.Context, name string, limit int) ([]*Message, error)

	Close() error
}

// Config selects and configures a Gateway implementation.
type Config struct {
	Engine string // memory, sqlite or postgres
	Path   string // sqlite database file
	DSN    string // postgres connection string
}

// Open returns the gateway named by cfg.Engine.
func Open(ctx context.Context, cfg Config) (Gateway, error) {
	switch cfg.Engine {
	case "", "memory":
		return NewMemDB(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
