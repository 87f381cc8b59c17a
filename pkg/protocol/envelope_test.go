package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func fixClock(t *testing.T) time.Time {
	t.Helper()
	fixed := time.Date(2019, 8, 30, 11, 54, 17, 0, time.Local)
	prev := now
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = prev })
	return fixed
}

func TestConstructorsStampTime(t *testing.T) {
	fixed := fixClock(t)
	want := fixed.Format(TimeLayout)

	tests := []struct {
		name string
		env  *Envelope
	}{
		{"presence", Presence("bob", "pk")},
		{"success", Success(CodeList)},
		{"error", ErrorResponse("boom")},
		{"exit", ExitRequest("bob")},
		{"new", New(ActionGetUsers)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, want, tt.env.Time)
			assert.True(t, tt.env.Timestamp().Equal(fixed))
		})
	}
}

func TestConstructorFields(t *testing.T) {
	p := Presence("bob", "key")
	assert.Equal(t, ActionPresence, p.Action)
	assert.Equal(t, "bob", p.User)
	assert.Equal(t, "key", p.PubKey)

	assert.Equal(t, CodeOK, Success(0).Response)
	assert.Equal(t, CodeList, Success(CodeList).Response)

	e := ErrorResponse("contact not found")
	assert.Equal(t, CodeError, e.Response)
	assert.Equal(t, "contact not found", e.Error)
	assert.Empty(t, e.Action)

	x := ExitRequest("bob")
	assert.Equal(t, ActionExit, x.Action)
	assert.Equal(t, "bob", x.User)
}

func TestEnvelopeWireKeys(t *testing.T) {
	fixClock(t)
	e := New(ActionMessage)
	e.From = "bob"
	e.To = "carol"
	e.User = "bob"
	e.AccountName = "carol"
	e.PubKey = "pk"
	e.Chat = "bob__carol"
	e.Text = "hi"
	e.SetDataString("Y2lwaGVy")

	payload, err := e.Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(payload, &raw))
	assert.Equal(t, "message", raw["action"])
	assert.Equal(t, "bob", raw["from"])
	assert.Equal(t, "carol", raw["to"])
	assert.Equal(t, "bob", raw["user"])
	assert.Equal(t, "carol", raw["account_name"])
	assert.Equal(t, "pk", raw["pubkey"])
	assert.Equal(t, "bob__carol", raw["chat"])
	assert.Equal(t, "hi", raw["mess_text"])
	assert.Equal(t, "Y2lwaGVy", raw["bin"])
	assert.Equal(t, "2019-08-30 11:54:17", raw["time"])
	assert.NotContains(t, raw, "response", "absent fields are omitted")
}

func TestDecodeMissingFieldsDefault(t *testing.T) {
	e, err := Decode([]byte(`{"action":"get_users"}`))
	require.NoError(t, err)

	assert.Equal(t, "get_users", e.Action)
	assert.Zero(t, e.Response)
	assert.Empty(t, e.User)
	assert.Empty(t, e.DataString())
	assert.Nil(t, e.Get("nope"))
	assert.Empty(t, e.GetString("nope"))
	assert.True(t, e.Timestamp().IsZero())
}

func TestDecodeRejectsNonObjects(t *testing.T) {
	for _, payload := range []string{``, `null`, `[]`, `"text"`, `{"action":`, "\xff"} {
		_, err := Decode([]byte(payload))
		assert.ErrorIs(t, err, ErrInvalidEnvelope, "payload %q", payload)
	}
}

func TestDecodeResponseCode(t *testing.T) {
	e, err := Decode([]byte(`{"response":511,"action":"auth","bin":"bm9uY2U="}`))
	require.NoError(t, err)
	assert.Equal(t, CodeChallenge, e.Response)
	assert.Equal(t, "auth", e.Key(), "action wins over response code")

	e, err = Decode([]byte(`{"response":"205"}`))
	require.NoError(t, err)
	assert.Equal(t, CodeRefreshUsers, e.Response)
	assert.Equal(t, "205", e.Key())

	_, err = Decode([]byte(`{"response":"abc"}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestEnvelopeKeepsUnknownFields(t *testing.T) {
	in := `{"action":"message","from":"a","to":"b","time":"2019-08-30 11:54:17","custom":{"n":1},"user":42}`
	e, err := Decode([]byte(in))
	require.NoError(t, err)
	assert.Empty(t, e.User, "non-string user is not an identity")
	assert.JSONEq(t, `{"n":1}`, string(e.Get("custom")))

	out, err := e.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestIsValid(t *testing.T) {
	fixClock(t)
	full := New(ActionMessage)
	full.From = "a"
	full.To = "b"
	assert.True(t, full.IsValid())

	for _, mutate := range []func(e *Envelope){
		func(e *Envelope) { e.Action = "" },
		func(e *Envelope) { e.From = "" },
		func(e *Envelope) { e.To = "" },
		func(e *Envelope) { e.Time = "" },
	} {
		e := full.Clone()
		mutate(e)
		assert.False(t, e.IsValid())
	}

	var nilEnv *Envelope
	assert.False(t, nilEnv.IsValid())
}

func TestActor(t *testing.T) {
	assert.Equal(t, "bob", (&Envelope{User: "bob", From: "eve"}).Actor())
	assert.Equal(t, "eve", (&Envelope{From: "eve"}).Actor())
	assert.Empty(t, (&Envelope{}).Actor())
}

func TestNestedData(t *testing.T) {
	e := New(ActionEditChat)
	in := ChatInfo{Name: "team", Owner: "bob", Members: []string{"bob", "carol"}}
	require.NoError(t, e.SetData(in))

	decoded, err := Decode(mustEncode(t, e))
	require.NoError(t, err)

	var out ChatInfo
	require.NoError(t, decoded.DecodeData(&out))
	assert.Equal(t, in, out)
	assert.Empty(t, decoded.DataString(), "structured bin is not a string")

	assert.ErrorIs(t, New(ActionEditChat).DecodeData(&out), ErrInvalidEnvelope)
}

func TestSetKnownAndExtraKeys(t *testing.T) {
	e := &Envelope{}
	require.NoError(t, e.Set(KeyAccountName, "carol"))
	require.NoError(t, e.Set(KeyPubKeyNeed, true))
	assert.Equal(t, "carol", e.AccountName)
	assert.JSONEq(t, `true`, string(e.Get(KeyPubKeyNeed)))
}

func TestCloneIsDeep(t *testing.T) {
	e := New(ActionMessage)
	e.SetDataString("abc")
	require.NoError(t, e.Set("x", "y"))

	c := e.Clone()
	c.Data[1] = 'Z'
	c.Extra["x"] = json.RawMessage(`"changed"`)

	assert.Equal(t, "abc", e.DataString())
	assert.Equal(t, "y", e.GetString("x"))
}

func TestUserEntryWireForm(t *testing.T) {
	raw, err := json.Marshal([]UserEntry{{Username: "bob", Avatar: "aGk="}, {Username: "carol"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[["bob","aGk="],["carol",null]]`, string(raw))

	var back []UserEntry
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, []UserEntry{{Username: "bob", Avatar: "aGk="}, {Username: "carol"}}, back)

	var bad UserEntry
	assert.Error(t, json.Unmarshal([]byte(`["only"]`), &bad))
}

func TestPersonalChatName(t *testing.T) {
	assert.Equal(t, "alice__bob", PersonalChatName("bob", "alice"))
	assert.Equal(t, PersonalChatName("x", "y"), PersonalChatName("y", "x"))
	assert.True(t, IsPersonalChatName(PersonalChatName("x", "y")))
	assert.False(t, IsPersonalChatName("ops_team"))
}

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("alice"))
	assert.NoError(t, ValidateUsername("al_ice"))
	for _, name := range []string{"", "  ", "a__b", "__c", "b__", "_a", "a_"} {
		assert.ErrorIs(t, ValidateUsername(name), ErrInvalidUsername, name)
	}
}

// With separator-free usernames, different pairs never share a chat name.
func TestPersonalChatName_Unique(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gen := rapid.StringMatching(`[a-z_]{1,6}`).Filter(func(s string) bool {
			return ValidateUsername(s) == nil
		})
		a, b, c, d := gen.Draw(t, "a"), gen.Draw(t, "b"), gen.Draw(t, "c"), gen.Draw(t, "d")

		samePair := (a == c && b == d) || (a == d && b == c)
		if (PersonalChatName(a, b) == PersonalChatName(c, d)) != samePair {
			t.Fatalf("PersonalChatName(%q, %q) vs (%q, %q)", a, b, c, d)
		}
	})
}

func mustEncode(t *testing.T, e *Envelope) []byte {
	t.Helper()
	b, err := e.Encode()
	require.NoError(t, err)
	return b
}
