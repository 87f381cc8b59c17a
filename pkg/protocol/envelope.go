package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// TimeLayout is the wire format of the time field.
const TimeLayout = "2006-01-02 15:04:05"

// Response codes
const (
	CodeOK           = 200
	CodeCreated      = 201
	CodeList         = 202
	CodeRefreshUsers = 205
	CodeRefreshChats = 206
	CodeAuthOK       = 212
	CodeError        = 400
	CodeAuthFailed   = 412
	CodeChallenge    = 511
)

// Actions
const (
	ActionPresence      = "presence"
	ActionAuth          = "auth"
	ActionGetUsers      = "get_users"
	ActionGetContacts   = "get_contacts"
	ActionAddContact    = "add"
	ActionRemoveContact = "remove"
	ActionMessage       = "message"
	ActionPubKeyNeed    = "pubkey_need"
	ActionEditAvatar    = "edit_ava"
	ActionExit          = "exit"
	ActionGetChats      = "get_chats"
	ActionEditChat      = "edit_chat"
	ActionGetMessages   = "get_messages"
)

// Wire keys
const (
	KeyAction      = "action"
	KeyResponse    = "response"
	KeyTime        = "time"
	KeyUser        = "user"
	KeyAccountName = "account_name"
	KeyFrom        = "from"
	KeyTo          = "to"
	KeyData        = "bin"
	KeyPubKey      = "pubkey"
	KeyPubKeyNeed  = "pubkey_need"
	KeyChat        = "chat"
	KeyError       = "error"
	KeyList        = "data_list"
	KeyText        = "mess_text"
)

// ErrInvalidEnvelope wraps payloads that are not a JSON object.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// now is replaced in tests to get deterministic timestamps.
var now = time.Now

// Envelope is a single application message. Known keys are exposed as typed
// fields; anything else is kept in Extra so relayed envelopes leave the
// server byte-for-byte equivalent in content.
type Envelope struct {
	Action      string
	Response    int
	Time        string
	User        string
	AccountName string
	From        string
	To          string
	Data        json.RawMessage // bin: nonce, ciphertext, or a nested record
	PubKey      string
	Chat        string
	Error       string
	List        json.RawMessage // data_list
	Text        string          // mess_text

	Extra map[string]json.RawMessage
}

// New returns an envelope for action stamped with the current time.
func New(action string) *Envelope {
	return &Envelope{Action: action, Time: Stamp()}
}

// Stamp formats the current time in TimeLayout.
func Stamp() string {
	return now().Format(TimeLayout)
}

// Presence builds the first envelope a client sends.
func Presence(user, pubKey string) *Envelope {
	e := New(ActionPresence)
	e.User = user
	e.PubKey = pubKey
	return e
}

// Success builds a response envelope with the given code (200 when code is 0).
func Success(code int) *Envelope {
	if code == 0 {
		code = CodeOK
	}
	return &Envelope{Response: code, Time: Stamp()}
}

// ErrorResponse builds a 400 response carrying a human-readable message.
func ErrorResponse(text string) *Envelope {
	return &Envelope{Response: CodeError, Error: text, Time: Stamp()}
}

// ExitRequest builds the envelope a client sends before disconnecting.
func ExitRequest(user string) *Envelope {
	e := New(ActionExit)
	e.User = user
	return e
}

// IsValid reports whether the envelope can be relayed as a chat message.
func (e *Envelope) IsValid() bool {
	return e != nil && e.Action != "" && e.From != "" && e.To != "" && e.Time != ""
}

// Key returns the dispatch key: the action, or the response code when no
// action is set.
func (e *Envelope) Key() string {
	if e.Action != "" {
		return e.Action
	}
	if e.Response != 0 {
		return strconv.Itoa(e.Response)
	}
	return ""
}

// Actor returns the username the envelope claims to act for.
func (e *Envelope) Actor() string {
	if e.User != "" {
		return e.User
	}
	return e.From
}

// Timestamp parses the time field. The zero time is returned when it is
// missing or malformed.
func (e *Envelope) Timestamp() time.Time {
	t, err := time.ParseInLocation(TimeLayout, e.Time, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DataString returns bin when it holds a JSON string, "" otherwise.
func (e *Envelope) DataString() string {
	var s string
	if len(e.Data) == 0 || json.Unmarshal(e.Data, &s) != nil {
		return ""
	}
	return s
}

// SetDataString stores s as bin.
func (e *Envelope) SetDataString(s string) {
	e.Data, _ = json.Marshal(s)
}

// DecodeData unmarshals bin into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEnvelope, KeyData)
	}
	return json.Unmarshal(e.Data, v)
}

// SetData marshals v into bin.
func (e *Envelope) SetData(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Data = raw
	return nil
}

// SetList marshals v into data_list.
func (e *Envelope) SetList(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.List = raw
	return nil
}

// DecodeList unmarshals data_list into v.
func (e *Envelope) DecodeList(v any) error {
	if len(e.List) == 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEnvelope, KeyList)
	}
	return json.Unmarshal(e.List, v)
}

// Get returns the raw JSON value stored under key, or nil when absent.
func (e *Envelope) Get(key string) json.RawMessage {
	return e.fields()[key]
}

// GetString returns the value under key when it is a JSON string, "" otherwise.
func (e *Envelope) GetString(key string) string {
	raw := e.Get(key)
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Set stores a value under key. Known keys update the typed fields.
func (e *Envelope) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.assign(key, raw)
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Data = cloneRaw(e.Data)
	c.List = cloneRaw(e.List)
	if e.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			c.Extra[k] = cloneRaw(v)
		}
	}
	return &c
}

// Encode serializes the envelope to its wire payload.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire payload.
func Decode(payload []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return e, nil
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.fields())
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		return errors.New("envelope is null")
	}
	*e = Envelope{}
	for k, v := range raw {
		if err := e.assign(k, v); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
	}
	return nil
}

func (e *Envelope) fields() map[string]json.RawMessage {
	m := make(map[string]json.RawMessage, len(e.Extra)+8)
	for k, v := range e.Extra {
		m[k] = v
	}
	putString(m, KeyAction, e.Action)
	if e.Response != 0 {
		m[KeyResponse] = json.RawMessage(strconv.Itoa(e.Response))
	}
	putString(m, KeyTime, e.Time)
	putString(m, KeyUser, e.User)
	putString(m, KeyAccountName, e.AccountName)
	putString(m, KeyFrom, e.From)
	putString(m, KeyTo, e.To)
	if len(e.Data) > 0 {
		m[KeyData] = e.Data
	}
	putString(m, KeyPubKey, e.PubKey)
	putString(m, KeyChat, e.Chat)
	putString(m, KeyError, e.Error)
	if len(e.List) > 0 {
		m[KeyList] = e.List
	}
	putString(m, KeyText, e.Text)
	return m
}

func (e *Envelope) assign(key string, raw json.RawMessage) error {
	var target *string
	switch key {
	case KeyAction:
		target = &e.Action
	case KeyTime:
		target = &e.Time
	case KeyUser:
		target = &e.User
	case KeyAccountName:
		target = &e.AccountName
	case KeyFrom:
		target = &e.From
	case KeyTo:
		target = &e.To
	case KeyPubKey:
		target = &e.PubKey
	case KeyChat:
		target = &e.Chat
	case KeyError:
		target = &e.Error
	case KeyText:
		target = &e.Text
	case KeyResponse:
		code, err := decodeCode(raw)
		if err != nil {
			return err
		}
		e.Response = code
		return nil
	case KeyData:
		e.Data = nullToNil(raw)
		return nil
	case KeyList:
		e.List = nullToNil(raw)
		return nil
	default:
		if e.Extra == nil {
			e.Extra = make(map[string]json.RawMessage)
		}
		e.Extra[key] = cloneRaw(raw)
		return nil
	}

	if isNull(raw) {
		*target = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Non-string values under string keys are kept verbatim so they survive relay.
		if e.Extra == nil {
			e.Extra = make(map[string]json.RawMessage)
		}
		e.Extra[key] = cloneRaw(raw)
		return nil
	}
	*target = s
	return nil
}

func decodeCode(raw json.RawMessage) (int, error) {
	if isNull(raw) {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("response code must be a number")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("response code must be a number")
	}
	return n, nil
}

func putString(m map[string]json.RawMessage, key, value string) {
	if value == "" {
		return
	}
	raw, _ := json.Marshal(value)
	m[key] = raw
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if isNull(raw) {
		return nil
	}
	return cloneRaw(raw)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	c := make(json.RawMessage, len(raw))
	copy(c, raw)
	return c
}
