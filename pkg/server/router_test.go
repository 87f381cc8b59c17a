package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/talkative/pkg/protocol"
)

func echoHandler(code int) Handler {
	return HandlerFunc(func(context.Context, *Session, *protocol.Envelope) (*protocol.Envelope, error) {
		return protocol.Success(code), nil
	})
}

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register(protocol.ActionGetUsers, echoHandler(protocol.CodeList)))
	require.NoError(t, r.Register("400", echoHandler(protocol.CodeOK)))

	reply, err := r.Dispatch(context.Background(), nil, protocol.New(protocol.ActionGetUsers))
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeList, reply.Response)

	// Envelopes without an action dispatch on their response code.
	reply, err = r.Dispatch(context.Background(), nil, protocol.ErrorResponse("client side failure"))
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, reply.Response)

	_, err = r.Dispatch(context.Background(), nil, protocol.New("dance"))
	assert.True(t, errors.Is(err, ErrHandlerNotFound))
}

func TestRouter_RegisterRules(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Register("a", echoHandler(protocol.CodeOK)))
	assert.ErrorIs(t, r.Register("a", echoHandler(protocol.CodeOK)), ErrDuplicateHandler)
	assert.Error(t, r.Register("", echoHandler(protocol.CodeOK)))
	assert.Error(t, r.Register("b", nil))
	assert.Panics(t, func() { r.MustRegister("a", echoHandler(protocol.CodeOK)) })

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	require.NoError(t, r.Register("a", echoHandler(protocol.CodeOK)))
}

func TestRouter_DefaultHandlersCoverEveryAction(t *testing.T) {
	f := newHandlerFixture(t, nil)
	want := []string{
		"400",
		protocol.ActionAddContact,
		protocol.ActionAuth,
		protocol.ActionEditAvatar,
		protocol.ActionEditChat,
		protocol.ActionExit,
		protocol.ActionGetChats,
		protocol.ActionGetContacts,
		protocol.ActionGetMessages,
		protocol.ActionGetUsers,
		protocol.ActionMessage,
		protocol.ActionPresence,
		protocol.ActionPubKeyNeed,
		protocol.ActionRemoveContact,
	}
	assert.ElementsMatch(t, want, f.srv.Router().Keys())
}

func TestEventBus_PublishInOrder(t *testing.T) {
	bus := NewEventBus()
	var got []string
	bus.Subscribe(TopicAuth, func(ev Event) { got = append(got, "first:"+ev.Username) })
	unsubscribe := bus.Subscribe(TopicAuth, func(ev Event) { got = append(got, "second:"+ev.Username) })
	bus.Subscribe(TopicLogout, func(ev Event) { got = append(got, "logout:"+ev.Topic) })

	bus.Publish(TopicAuth, Event{Username: "alice"})
	assert.Equal(t, []string{"first:alice", "second:alice"}, got)

	unsubscribe()
	unsubscribe()
	got = nil
	bus.Publish(TopicAuth, Event{Username: "bob"})
	bus.Publish(TopicLogout, Event{})
	bus.Publish(TopicMessage, Event{})
	assert.Equal(t, []string{"first:bob", "logout:logout"}, got)
}
