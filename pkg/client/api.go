package client

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aeolun/talkative/pkg/protocol"
)

// Login runs the presence, challenge and auth exchange. pubKey is published
// to other users for end-to-end encryption and may be empty.
func (c *Connection) Login(ctx context.Context, username, password, pubKey string) error {
	return c.LoginWithKey(ctx, username, protocol.DeriveAuthKey(username, password), pubKey)
}

// LoginWithKey is Login with an auth key that was derived beforehand.
func (c *Connection) LoginWithKey(ctx context.Context, username, authKey, pubKey string) error {
	challenge, err := c.Request(ctx, protocol.Presence(username, pubKey))
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	if challenge.Response != protocol.CodeChallenge {
		return fmt.Errorf("presence: unexpected response %d", challenge.Response)
	}

	answer, err := protocol.AnswerChallenge(authKey, challenge.DataString())
	if err != nil {
		return err
	}

	auth := protocol.New(protocol.ActionAuth)
	auth.User = username
	auth.SetDataString(answer)

	reply, err := c.Request(ctx, auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if reply.Response != protocol.CodeAuthOK {
		return fmt.Errorf("auth: unexpected response %d", reply.Response)
	}

	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
	c.log.Debug().Str("user", username).Msg("logged in")
	return nil
}

// request builds an envelope for action acting as the logged in user.
func (c *Connection) request(action string) *protocol.Envelope {
	env := protocol.New(action)
	env.User = c.Username()
	return env
}

func expect(reply *protocol.Envelope, code int) error {
	if reply.Response != code {
		return fmt.Errorf("unexpected response %d, want %d", reply.Response, code)
	}
	return nil
}

// Users lists every registered user with their avatar.
func (c *Connection) Users(ctx context.Context) ([]protocol.UserEntry, error) {
	reply, err := c.Request(ctx, c.request(protocol.ActionGetUsers))
	if err != nil {
		return nil, err
	}
	if err := expect(reply, protocol.CodeList); err != nil {
		return nil, err
	}
	var users []protocol.UserEntry
	if err := reply.DecodeList(&users); err != nil {
		return nil, err
	}
	return users, nil
}

// Contacts lists the caller's contacts.
func (c *Connection) Contacts(ctx context.Context) ([]string, error) {
	reply, err := c.Request(ctx, c.request(protocol.ActionGetContacts))
	if err != nil {
		return nil, err
	}
	if err := expect(reply, protocol.CodeList); err != nil {
		return nil, err
	}
	var names []string
	if err := reply.DecodeList(&names); err != nil {
		return nil, err
	}
	return names, nil
}

func (c *Connection) AddContact(ctx context.Context, name string) error {
	env := c.request(protocol.ActionAddContact)
	env.AccountName = name
	reply, err := c.Request(ctx, env)
	if err != nil {
		return err
	}
	return expect(reply, protocol.CodeOK)
}

func (c *Connection) RemoveContact(ctx context.Context, name string) error {
	env := c.request(protocol.ActionRemoveContact)
	env.AccountName = name
	reply, err := c.Request(ctx, env)
	if err != nil {
		return err
	}
	return expect(reply, protocol.CodeOK)
}

// PublicKey asks for the public key user last logged in with.
func (c *Connection) PublicKey(ctx context.Context, user string) (string, error) {
	env := c.request(protocol.ActionPubKeyNeed)
	env.To = user
	reply, err := c.Request(ctx, env)
	if err != nil {
		return "", err
	}
	if err := expect(reply, protocol.CodeList); err != nil {
		return "", err
	}
	return reply.DataString(), nil
}

// SetAvatar uploads a new avatar image.
func (c *Connection) SetAvatar(ctx context.Context, image []byte) error {
	env := c.request(protocol.ActionEditAvatar)
	env.SetDataString(base64.StdEncoding.EncodeToString(image))
	reply, err := c.Request(ctx, env)
	if err != nil {
		return err
	}
	return expect(reply, protocol.CodeOK)
}

// Chats lists the chats the caller belongs to.
func (c *Connection) Chats(ctx context.Context) ([]protocol.ChatInfo, error) {
	reply, err := c.Request(ctx, c.request(protocol.ActionGetChats))
	if err != nil {
		return nil, err
	}
	if err := expect(reply, protocol.CodeList); err != nil {
		return nil, err
	}
	var chats []protocol.ChatInfo
	if err := reply.DecodeList(&chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// EditChat creates a group chat or, for its owner, replaces its members.
func (c *Connection) EditChat(ctx context.Context, chat protocol.ChatInfo) error {
	env := c.request(protocol.ActionEditChat)
	if err := env.SetData(chat); err != nil {
		return err
	}
	reply, err := c.Request(ctx, env)
	if err != nil {
		return err
	}
	return expect(reply, protocol.CodeOK)
}

// History asks for stored messages and returns them oldest first.
func (c *Connection) History(ctx context.Context) ([]*protocol.Envelope, error) {
	var captured []*protocol.Envelope
	c.mu.Lock()
	c.capture = &captured
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.capture = nil
		c.mu.Unlock()
	}()

	reply, err := c.Request(ctx, c.request(protocol.ActionGetMessages))
	if err != nil {
		return nil, err
	}
	if err := expect(reply, protocol.CodeList); err != nil {
		return nil, err
	}

	c.mu.Lock()
	out := append([]*protocol.Envelope(nil), captured...)
	c.mu.Unlock()
	return out, nil
}

// NewMessage returns a message envelope from the logged in user. chat may
// be empty for a direct message.
func (c *Connection) NewMessage(to, chat string) *protocol.Envelope {
	env := protocol.New(protocol.ActionMessage)
	env.From = c.Username()
	env.To = to
	env.Chat = chat
	return env
}

// SendText relays plain text. The server does not reply on success.
func (c *Connection) SendText(to, chat, text string) error {
	env := c.NewMessage(to, chat)
	env.Text = text
	return c.Send(env)
}

// SendSealed relays an encrypted payload in bin.
func (c *Connection) SendSealed(to, chat, sealed string) error {
	env := c.NewMessage(to, chat)
	env.SetDataString(sealed)
	return c.Send(env)
}

// Exit asks the server to end the session and waits for it to hang up.
func (c *Connection) Exit(ctx context.Context) error {
	if err := c.Send(protocol.ExitRequest(c.Username())); err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}
