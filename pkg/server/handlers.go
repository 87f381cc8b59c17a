package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aeolun/talkative/pkg/database"
	"github.com/aeolun/talkative/pkg/logx"
	"github.com/aeolun/talkative/pkg/protocol"
)

var (
	// ErrLoginRequired is returned when the caller is not the authenticated
	// owner of the name it acts for.
	ErrLoginRequired = errors.New("login required")

	// ErrSessionClosed asks the connection loop to stop after the reply.
	ErrSessionClosed = errors.New("session closed")
)

// Domain error texts sent back in 400 replies.
const (
	msgContactRequired = "contact required"
	msgContactNotFound = "contact not found"
	msgContactExists   = "contact already added"
	msgContactMissing  = "contact not in list"
	msgPubKeyNotFound  = "public key not found"
	msgInvalidAvatar   = "invalid avatar"
	msgInvalidMessage  = "invalid message"
	msgSenderMismatch  = "sender does not match login"
	msgNotChatMember   = "not a chat member"
	msgChatRequired    = "chat name required"
	msgChatOwnerOnly   = "only the owner can edit this chat"
	msgChatMemberGone  = "chat member not found"
	msgChatNotFound    = "chat not found"
	msgChatReserved    = "chat name is reserved for personal chats"
)

// services are the collaborators shared by every handler.
type services struct {
	gw           database.Gateway
	registry     *Registry
	bus          *EventBus
	auth         *AuthNegotiator
	metrics      *Metrics
	historyLimit int
	log          zerolog.Logger
}

// requireLogin returns the acting username if sess is its live session.
func (s *services) requireLogin(sess *Session, env *protocol.Envelope) (string, error) {
	name := env.Actor()
	if name == "" {
		name = sess.Username()
	}
	if name == "" || s.registry.Lookup(name) != sess {
		return "", ErrLoginRequired
	}
	return name, nil
}

func listReply(action string, list any) (*protocol.Envelope, error) {
	reply := protocol.Success(protocol.CodeList)
	reply.Action = action
	if err := reply.SetList(list); err != nil {
		return nil, err
	}
	return reply, nil
}

// RegisterDefaultHandlers binds every protocol action to r.
func RegisterDefaultHandlers(r *Router, svc *services) {
	r.MustRegister(protocol.ActionPresence, presenceHandler{svc})
	r.MustRegister(protocol.ActionAuth, authHandler{svc})
	r.MustRegister(protocol.ActionGetUsers, getUsersHandler{svc})
	r.MustRegister(protocol.ActionGetContacts, getContactsHandler{svc})
	r.MustRegister(protocol.ActionAddContact, addContactHandler{svc})
	r.MustRegister(protocol.ActionRemoveContact, removeContactHandler{svc})
	r.MustRegister(protocol.ActionPubKeyNeed, pubKeyHandler{svc})
	r.MustRegister(protocol.ActionEditAvatar, editAvatarHandler{svc})
	r.MustRegister(protocol.ActionMessage, messageHandler{svc})
	r.MustRegister(protocol.ActionGetChats, getChatsHandler{svc})
	r.MustRegister(protocol.ActionEditChat, editChatHandler{svc})
	r.MustRegister(protocol.ActionGetMessages, getMessagesHandler{svc})
	r.MustRegister(protocol.ActionExit, exitHandler{svc})
	r.MustRegister("400", clientErrorHandler{svc})
}

type presenceHandler struct{ *services }

func (h presenceHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	return h.auth.Presence(ctx, sess, env)
}

type authHandler struct{ *services }

func (h authHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	return h.auth.Verify(ctx, sess, env)
}

// getUsersHandler lists every registered user with their avatar.
type getUsersHandler struct{ *services }

func (h getUsersHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	if _, err := h.requireLogin(sess, env); err != nil {
		return nil, err
	}

	users, err := h.gw.AllUsernamesWithAvatars(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	entries := make([]protocol.UserEntry, 0, len(users))
	for _, u := range users {
		e := protocol.UserEntry{Username: u.Name}
		if len(u.Avatar) > 0 {
			e.Avatar = base64.StdEncoding.EncodeToString(u.Avatar)
		}
		entries = append(entries, e)
	}
	return listReply(protocol.ActionGetUsers, entries)
}

type getContactsHandler struct{ *services }

func (h getContactsHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	name, err := h.requireLogin(sess, env)
	if err != nil {
		return nil, err
	}

	contacts, err := h.gw.Contacts(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("list contacts of %s: %w", name, err)
	}
	if contacts == nil {
		contacts = []string{}
	}
	return listReply(protocol.ActionGetContacts, contacts)
}

// addContactHandler adds account_name to the caller's contacts and makes
// sure the pair has a personal chat.
type addContactHandler struct{ *services }

func (h addContactHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	name, err := h.requireLogin(sess, env)
	if err != nil {
		return nil, err
	}
	contact := env.AccountName
	if contact == "" {
		return protocol.ErrorResponse(msgContactRequired), nil
	}

	switch err := h.gw.AddContact(ctx, name, contact); {
	case errors.Is(err, database.ErrNotFound):
		return protocol.ErrorResponse(msgContactNotFound), nil
	case errors.Is(err, database.ErrAlreadyExists):
		return protocol.ErrorResponse(msgContactExists), nil
	case err != nil:
		return nil, fmt.Errorf("add contact: %w", err)
	}

	if _, err := ensurePersonalChat(ctx, h.gw, name, contact); err != nil {
		h.log.Warn().Err(err).Str("user", name).Str("contact", contact).Msg("create personal chat")
	}

	h.log.Info().Str("user", name).Str("contact", contact).Msg("contact added")
	sess.queueFollowUp(protocol.Success(protocol.CodeRefreshUsers))
	return protocol.Success(protocol.CodeOK), nil
}

type removeContactHandler struct{ *services }

func (h removeContactHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	name, err := h.requireLogin(sess, env)
	if err != nil {
		return nil, err
	}
	contact := env.AccountName
	if contact == "" {
		return protocol.ErrorResponse(msgContactRequired), nil
	}

	switch err := h.gw.RemoveContact(ctx, name, contact); {
	case errors.Is(err, database.ErrNotFound):
		return protocol.ErrorResponse(msgContactNotFound), nil
	case errors.Is(err, database.ErrNotExists):
		return protocol.ErrorResponse(msgContactMissing), nil
	case err != nil:
		return nil, fmt.Errorf("remove contact: %w", err)
	}

	h.log.Info().Str("user", name).Str("contact", contact).Msg("contact removed")
	sess.queueFollowUp(protocol.Success(protocol.CodeRefreshUsers))
	return protocol.Success(protocol.CodeOK), nil
}

// pubKeyHandler returns the public key the destination last logged in with.
type pubKeyHandler struct{ *services }

func (h pubKeyHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	name, err := h.requireLogin(sess, env)
	if err != nil {
		return nil, err
	}
	dest := env.To
	if dest == "" {
		dest = env.AccountName
	}

	user, err := h.gw.UserByName(ctx, dest)
	if errors.Is(err, database.ErrNotFound) || (err == nil && user.PubKey == "") {
		return protocol.ErrorResponse(msgPubKeyNotFound), nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up %s: %w", dest, err)
	}

	h.log.Debug().Str("user", name).Str("dest", dest).Msg("public key requested")
	reply := protocol.Success(protocol.CodeList)
	reply.Action = protocol.ActionPubKeyNeed
	reply.AccountName = dest
	reply.SetDataString(user.PubKey)
	return reply, nil
}

// editAvatarHandler stores a base64 avatar and tells everyone else to
// refresh their user lists.
type editAvatarHandler struct{ *services }

func (h editAvatarHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	name, err := h.requireLogin(sess, env)
	if err != nil {
		return nil, err
	}

	avatar, err := base64.StdEncoding.DecodeString(env.DataString())
	if err != nil || len(avatar) == 0 {
		return protocol.ErrorResponse(msgInvalidAvatar), nil
	}
	if err := h.gw.UpdateAvatar(ctx, name, avatar); err != nil {
		return nil, fmt.Errorf("update avatar: %w", err)
	}

	h.log.Info().Str("user", name).Int("bytes", len(avatar)).Msg("avatar updated")
	h.registry.Broadcast(protocol.Success(protocol.CodeRefreshUsers), func(other *Session) bool { return other != sess })
	return protocol.Success(protocol.CodeOK), nil
}

// messageHandler relays a message without reading its payload. Nothing is
// sent back to the sender.
type messageHandler struct{ *services }

func (h messageHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	name, err := h.requireLogin(sess, env)
	if err != nil {
		return nil, err
	}
	if !env.IsValid() {
		return protocol.ErrorResponse(msgInvalidMessage), nil
	}
	if env.From != name {
		return protocol.ErrorResponse(msgSenderMismatch), nil
	}

	payload, err := env.Encode()
	if err != nil {
		return nil, err
	}

	if env.Chat != "" {
		chat, err := h.gw.ChatByName(ctx, env.Chat)
		switch {
		case errors.Is(err, database.ErrNotFound):
			// relayDirect creates the pair's personal chat; any other name
			// must exist.
			if env.Chat != protocol.PersonalChatName(env.From, env.To) {
				return protocol.ErrorResponse(msgChatNotFound), nil
			}
		case err != nil:
			return nil, fmt.Errorf("look up chat %s: %w", env.Chat, err)
		case !chat.IsPersonal:
			if !chat.HasMember(name) {
				return protocol.ErrorResponse(msgNotChatMember), nil
			}
			h.relayToChat(ctx, chat, env, payload)
			return nil, nil
		case !chat.HasMember(env.From) || !chat.HasMember(env.To):
			return protocol.ErrorResponse(msgNotChatMember), nil
		}
	}

	h.relayDirect(ctx, env, payload)
	return nil, nil
}

func (h messageHandler) relayDirect(ctx context.Context, env *protocol.Envelope, payload []byte) {
	from, to := env.From, env.To
	log := h.log.With().Str("from", from).Str("to", to).Logger()

	if _, err := h.gw.UserByName(ctx, to); err != nil {
		log.Warn().Err(err).Msg("message to unknown user dropped")
		return
	}

	chat := env.Chat
	if chat == "" || chat == protocol.PersonalChatName(from, to) {
		var err error
		if chat, err = ensurePersonalChat(ctx, h.gw, from, to); err != nil {
			log.Warn().Err(err).Msg("create personal chat")
		}
	}
	h.store(ctx, from, to, chat, payload)

	delivered := false
	if dest := h.registry.Lookup(to); dest != nil {
		delivered = h.registry.Deliver(dest, env) == nil
	}
	if !delivered {
		log.Debug().Msg("recipient offline, message stored")
	}
	h.bus.Publish(TopicMessage, Event{Username: from, Envelope: env})
}

func (h messageHandler) relayToChat(ctx context.Context, chat *database.Chat, env *protocol.Envelope, payload []byte) {
	recipients := 0
	for _, member := range chat.Members {
		if member == env.From {
			continue
		}
		recipients++
		h.store(ctx, env.From, member, chat.Name, payload)
		if dest := h.registry.Lookup(member); dest != nil {
			h.registry.Deliver(dest, env)
		}
	}
	h.metrics.RecordBroadcastFanout(recipients)
	h.bus.Publish(TopicMessage, Event{Username: env.From, Envelope: env})
}

func (h messageHandler) store(ctx context.Context, from, to, chat string, payload []byte) {
	msg, err := database.NewMessage(from, to, chat, payload)
	if err == nil {
		err = h.gw.RecordMessage(ctx, msg)
	}
	if err != nil {
		h.log.Error().Err(err).Str("from", from).Str("to", to).Msg("record message")
	}
}

// ensurePersonalChat creates the one-to-one chat of a and b if it is missing
// and returns its name.
func ensurePersonalChat(ctx context.Context, gw database.Gateway, a, b string) (string, error) {
	name := protocol.PersonalChatName(a, b)
	existing, err := gw.ChatByName(ctx, name)
	if err == nil {
		if !existing.IsPersonal {
			return "", fmt.Errorf("chat %s is not personal", name)
		}
		return name, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return "", err
	}
	err = gw.UpsertChat(ctx, database.Chat{
		Name:       name,
		Members:    []string{a, b},
		IsPersonal: true,
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

type getChatsHandler struct{ *services }

func (h getChatsHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	name, err := h.requireLogin(sess, env)
	if err != nil {
		return nil, err
	}

	chats, err := h.gw.ChatsForUser(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("list chats of %s: %w", name, err)
	}
	infos := make([]protocol.ChatInfo, 0, len(chats))
	for _, c := range chats {
		infos = append(infos, protocol.ChatInfo{
			Name:       c.Name,
			Owner:      c.Owner,
			IsPersonal: c.IsPersonal,
			Members:    c.Members,
		})
	}
	return listReply(protocol.ActionGetChats, infos)
}

// editChatHandler creates or updates a group chat from the record in bin.
// Every other live member, old or new, is told to refresh its chat list.
type editChatHandler struct{ *services }

func (h editChatHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	name, err := h.requireLogin(sess, env)
	if err != nil {
		return nil, err
	}

	var info protocol.ChatInfo
	if err := env.DecodeData(&info); err != nil || info.Name == "" {
		return protocol.ErrorResponse(msgChatRequired), nil
	}
	// Personal chats only come from ensurePersonalChat.
	if info.IsPersonal || protocol.IsPersonalChatName(info.Name) {
		return protocol.ErrorResponse(msgChatReserved), nil
	}

	notify := make(map[string]bool)
	existing, err := h.gw.ChatByName(ctx, info.Name)
	switch {
	case err == nil:
		if existing.IsPersonal {
			return protocol.ErrorResponse(msgChatReserved), nil
		}
		if existing.Owner != name {
			return protocol.ErrorResponse(msgChatOwnerOnly), nil
		}
		for _, m := range existing.Members {
			notify[m] = true
		}
	case errors.Is(err, database.ErrNotFound):
	default:
		return nil, fmt.Errorf("look up chat %s: %w", info.Name, err)
	}

	chat := database.Chat{
		Name:       info.Name,
		Owner:      name,
		Members:    info.Members,
	}
	switch err := h.gw.UpsertChat(ctx, chat); {
	case errors.Is(err, database.ErrNotFound):
		return protocol.ErrorResponse(msgChatMemberGone), nil
	case err != nil:
		return nil, fmt.Errorf("save chat %s: %w", info.Name, err)
	}

	for _, m := range info.Members {
		notify[m] = true
	}
	delete(notify, name)

	notice := protocol.Success(protocol.CodeRefreshChats)
	sent := h.registry.Broadcast(notice, func(other *Session) bool {
		return notify[other.Username()]
	})

	h.log.Info().Str("user", name).Str("chat", info.Name).Int("notified", sent).Msg("chat saved")
	return protocol.Success(protocol.CodeOK), nil
}

// getMessagesHandler replays stored history to the caller, oldest first,
// then a 202 carrying the number of envelopes replayed.
type getMessagesHandler struct{ *services }

func (h getMessagesHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	name, err := h.requireLogin(sess, env)
	if err != nil {
		return nil, err
	}

	msgs, err := h.gw.MessagesFor(ctx, name, h.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", name, err)
	}

	// Group messages are stored once per recipient; the sender sees each once.
	seen := make(map[string]bool)
	sent := 0
	for _, m := range msgs {
		if m.Sender == name && m.Chat != "" {
			key := m.Chat + "\x00" + string(m.Payload)
			if seen[key] {
				continue
			}
			seen[key] = true
		}

		stored, err := protocol.Decode(m.Payload)
		if err != nil {
			h.log.Warn().Err(err).Str("id", m.ID.String()).Msg("skip undecodable stored message")
			continue
		}
		if err := h.registry.Deliver(sess, stored); err != nil {
			return nil, ErrSessionClosed
		}
		sent++
	}

	return listReply(protocol.ActionGetMessages, []int{sent})
}

// exitHandler ends the session. The connection loop records the logout.
type exitHandler struct{ *services }

func (h exitHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	name, err := h.requireLogin(sess, env)
	if err != nil {
		return nil, err
	}
	h.log.Info().Uint64("session", sess.ID).Str("user", name).Msg("user exiting")
	return nil, ErrSessionClosed
}

// clientErrorHandler logs 400 envelopes that clients send back.
type clientErrorHandler struct{ *services }

func (h clientErrorHandler) Execute(ctx context.Context, sess *Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	h.log.Warn().
		Uint64("session", sess.ID).
		Str("user", sess.Username()).
		Str("error", env.Error).
		Msg("client reported an error")
	return nil, nil
}

func newServices(gw database.Gateway, registry *Registry, bus *EventBus, auth *AuthNegotiator, metrics *Metrics, historyLimit int) *services {
	return &services{
		gw:           gw,
		registry:     registry,
		bus:          bus,
		auth:         auth,
		metrics:      metrics,
		historyLimit: historyLimit,
		log:          logx.Component("handlers"),
	}
}
