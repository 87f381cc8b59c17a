package client

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/talkative/pkg/protocol"
)

// fakeServer answers every envelope the client writes with the envelopes
// returned by handle, in order.
func fakeServer(t *testing.T, handle func(*protocol.Envelope) []*protocol.Envelope) (*Connection, net.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	go func() {
		r := bufio.NewReader(serverSide)
		for {
			payload, err := protocol.ReadFrame(r)
			if err != nil {
				return
			}
			env, err := protocol.Decode(payload)
			if err != nil {
				return
			}
			for _, out := range handle(env) {
				raw, _ := out.Encode()
				if err := protocol.WriteFrame(serverSide, raw); err != nil {
					return
				}
			}
		}
	}()

	c := NewConnection(clientSide, "pipe", "tcp", Options{RequestTimeout: 2 * time.Second})
	t.Cleanup(func() {
		c.Close()
		serverSide.Close()
	})
	return c, serverSide
}

func TestRequest_SeparatesPushesFromReplies(t *testing.T) {
	c, _ := fakeServer(t, func(env *protocol.Envelope) []*protocol.Envelope {
		relayed := protocol.New(protocol.ActionMessage)
		relayed.From, relayed.To, relayed.Text = "bob", "alice", "hi"
		return []*protocol.Envelope{
			relayed,
			protocol.Success(protocol.CodeRefreshUsers),
			protocol.Success(protocol.CodeOK),
		}
	})

	reply, err := c.Request(context.Background(), protocol.New(protocol.ActionAddContact))
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, reply.Response)

	first := <-c.Pushes()
	assert.Equal(t, "hi", first.Text)
	second := <-c.Pushes()
	assert.Equal(t, protocol.CodeRefreshUsers, second.Response)
}

func TestRequest_ErrorReply(t *testing.T) {
	c, _ := fakeServer(t, func(env *protocol.Envelope) []*protocol.Envelope {
		return []*protocol.Envelope{protocol.ErrorResponse("contact not found")}
	})

	reply, err := c.Request(context.Background(), protocol.New(protocol.ActionAddContact))
	require.Error(t, err)
	var re *ReplyError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, protocol.CodeError, re.Code)
	assert.Equal(t, "contact not found", re.Message)
	assert.Equal(t, "contact not found", reply.Error)
}

func TestRequest_DiscardsStaleReplies(t *testing.T) {
	c, _ := fakeServer(t, func(env *protocol.Envelope) []*protocol.Envelope {
		if env.Action == protocol.ActionMessage {
			return []*protocol.Envelope{protocol.ErrorResponse("invalid message")}
		}
		return []*protocol.Envelope{protocol.Success(protocol.CodeOK)}
	})

	require.NoError(t, c.Send(protocol.New(protocol.ActionMessage)))
	require.Eventually(t, func() bool { return len(c.replies) == 1 }, time.Second, 5*time.Millisecond)

	reply, err := c.Request(context.Background(), protocol.New(protocol.ActionRemoveContact))
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, reply.Response)
}

func TestRequest_Timeout(t *testing.T) {
	c, _ := fakeServer(t, func(env *protocol.Envelope) []*protocol.Envelope { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, protocol.New(protocol.ActionGetUsers))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoginWithKey(t *testing.T) {
	const authKey = "secret-key"
	nonce := []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")

	var gotDigest string
	c, _ := fakeServer(t, func(env *protocol.Envelope) []*protocol.Envelope {
		switch env.Action {
		case protocol.ActionPresence:
			reply := protocol.Success(protocol.CodeChallenge)
			reply.Action = protocol.ActionAuth
			reply.SetDataString(base64.StdEncoding.EncodeToString(nonce))
			return []*protocol.Envelope{reply}
		case protocol.ActionAuth:
			gotDigest = env.DataString()
			reply := protocol.Success(protocol.CodeAuthOK)
			reply.Action = protocol.ActionAuth
			return []*protocol.Envelope{reply}
		}
		return nil
	})

	require.NoError(t, c.LoginWithKey(context.Background(), "alice", authKey, ""))
	assert.Equal(t, "alice", c.Username())

	want, err := protocol.AnswerChallenge(authKey, base64.StdEncoding.EncodeToString(nonce))
	require.NoError(t, err)
	assert.Equal(t, want, gotDigest)
}

func TestLogin_Rejected(t *testing.T) {
	c, _ := fakeServer(t, func(env *protocol.Envelope) []*protocol.Envelope {
		return []*protocol.Envelope{protocol.ErrorResponse("user not registered")}
	})

	err := c.Login(context.Background(), "ghost", "pw", "")
	var re *ReplyError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "user not registered", re.Message)
	assert.Empty(t, c.Username())
}

func TestConnection_ServerHangup(t *testing.T) {
	c, serverSide := fakeServer(t, func(env *protocol.Envelope) []*protocol.Envelope { return nil })

	serverSide.Close()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not notice the hangup")
	}
	assert.ErrorIs(t, c.Send(protocol.New(protocol.ActionGetUsers)), ErrClosed)
}

func TestOffer_DropsOldest(t *testing.T) {
	ch := make(chan *protocol.Envelope, 2)
	a, b, d := protocol.New("a"), protocol.New("b"), protocol.New("d")

	assert.True(t, offer(ch, a))
	assert.True(t, offer(ch, b))
	assert.False(t, offer(ch, d))

	assert.Same(t, b, <-ch)
	assert.Same(t, d, <-ch)
}
