package database

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemDB is a Gateway kept entirely in memory. It backs tests and the
// "memory" engine; all state is lost on Close.
type MemDB struct {
	mu sync.RWMutex

	users    map[string]*User
	contacts map[string]map[string]bool // owner -> set of contact names
	chats    map[string]*Chat
	messages []*Message // append order
}

// NewMemDB creates an empty in-memory store.
func NewMemDB() *MemDB {
	return &MemDB{
		users:    make(map[string]*User),
		contacts: make(map[string]map[string]bool),
		chats:    make(map[string]*Chat),
	}
}

func (m *MemDB) UserByName(_ context.Context, name string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[name]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (m *MemDB) CreateUser(_ context.Context, name, passwordHash, authKey string) error {
	if name == "" {
		return errors.New("username is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[name]; ok {
		return ErrAlreadyExists
	}
	m.users[name] = &User{Name: name, PasswordHash: passwordHash, AuthKey: authKey}
	return nil
}

func (m *MemDB) LoginUser(_ context.Context, name, ip string, port int, pubKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[name]
	if !ok {
		return ErrNotFound
	}
	u.Active = true
	u.IP = ip
	u.Port = port
	if pubKey != "" {
		u.PubKey = pubKey
	}
	u.LastLogin = time.Now().UTC()
	return nil
}

// LogoutUser clears the active flag only when ip and port still identify the
// recorded login, so a late logout from a dead connection cannot end a newer
// one. An empty ip matches any login.
func (m *MemDB) LogoutUser(_ context.Context, name, ip string, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[name]
	if !ok {
		return ErrNotFound
	}
	if ip != "" && (u.IP != ip || u.Port != port) {
		return nil
	}
	u.Active = false
	u.IP = ""
	u.Port = 0
	return nil
}

func (m *MemDB) IsActive(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[name]
	if !ok {
		return false, ErrNotFound
	}
	return u.Active, nil
}

func (m *MemDB) ResetActive(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		u.Active = false
		u.IP = ""
		u.Port = 0
	}
	return nil
}

func (m *MemDB) AddContact(_ context.Context, owner, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[owner]; !ok {
		return ErrNotFound
	}
	if _, ok := m.users[name]; !ok {
		return ErrNotFound
	}
	set := m.contacts[owner]
	if set == nil {
		set = make(map[string]bool)
		m.contacts[owner] = set
	}
	if set[name] {
		return ErrAlreadyExists
	}
	set[name] = true
	return nil
}

func (m *MemDB) RemoveContact(_ context.Context, owner, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[owner]; !ok {
		return ErrNotFound
	}
	if _, ok := m.users[name]; !ok {
		return ErrNotFound
	}
	set := m.contacts[owner]
	if !set[name] {
		return ErrNotExists
	}
	delete(set, name)
	return nil
}

func (m *MemDB) Contacts(_ context.Context, owner string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.users[owner]; !ok {
		return nil, ErrNotFound
	}
	names := make([]string, 0, len(m.contacts[owner]))
	for n := range m.contacts[owner] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemDB) AllUsernamesWithAvatars(_ context.Context) ([]UserAvatar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]UserAvatar, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, UserAvatar{Name: u.Name, Avatar: cloneBytes(u.Avatar)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemDB) UpdateAvatar(_ context.Context, name string, avatar []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[name]
	if !ok {
		return ErrNotFound
	}
	u.Avatar = cloneBytes(avatar)
	return nil
}

func (m *MemDB) ChatByName(_ context.Context, name string) (*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.chats[name]
	if !ok {
		return nil, ErrNotFound
	}
	return copyChat(c), nil
}

func (m *MemDB) UpsertChat(_ context.Context, chat Chat) error {
	if chat.Name == "" {
		return errors.New("chat name is required")
	}
	chat.Members = normalizeMembers(chat.Owner, chat.Members)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, member := range chat.Members {
		if _, ok := m.users[member]; !ok {
			return ErrNotFound
		}
	}
	m.chats[chat.Name] = copyChat(&chat)
	return nil
}

func (m *MemDB) ChatsForUser(_ context.Context, name string) ([]*Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Chat
	for _, c := range m.chats {
		if c.HasMember(name) {
			out = append(out, copyChat(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemDB) RecordMessage(_ context.Context, msg *Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	stored := *msg
	stored.Payload = cloneBytes(msg.Payload)

	m.mu.Lock()
	m.messages = append(m.messages, &stored)
	m.mu.Unlock()
	return nil
}

// MessagesFor returns up to limit of the newest messages sent by or to name,
// oldest first. A limit of zero or less returns everything.
func (m *MemDB) MessagesFor(_ context.Context, name string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for i := len(m.messages) - 1; i >= 0; i-- {
		msg := m.messages[i]
		if msg.Sender != name && msg.Recipient != name {
			continue
		}
		c := *msg
		c.Payload = cloneBytes(msg.Payload)
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *MemDB) Close() error {
	return nil
}

// normalizeMembers dedupes members and guarantees the owner is one of them.
func normalizeMembers(owner string, members []string) []string {
	all := dedupe(append([]string{owner}, members...))
	sort.Strings(all)
	return all
}

func copyUser(u *User) *User {
	c := *u
	c.Avatar = cloneBytes(u.Avatar)
	return &c
}

func copyChat(c *Chat) *Chat {
	out := *c
	out.Members = append([]string(nil), c.Members...)
	return &out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
