package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ChatInfo is the nested record carried in bin by edit_chat and returned in
// data_list by get_chats.
type ChatInfo struct {
	Name       string   `json:"name"`
	Owner      string   `json:"owner"`
	IsPersonal bool     `json:"is_personal"`
	Members    []string `json:"members"`
}

// UserEntry is one row of a get_users reply. It encodes as a two element
// array: [username, base64 avatar or null].
type UserEntry struct {
	Username string
	Avatar   string
}

// MarshalJSON implements json.Marshaler.
func (u UserEntry) MarshalJSON() ([]byte, error) {
	var avatar any
	if u.Avatar != "" {
		avatar = u.Avatar
	}
	return json.Marshal([]any{u.Username, avatar})
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *UserEntry) UnmarshalJSON(b []byte) error {
	var pair []*string
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 || pair[0] == nil {
		return errors.New("user entry must be [name, avatar]")
	}
	u.Username = *pair[0]
	u.Avatar = ""
	if pair[1] != nil {
		u.Avatar = *pair[1]
	}
	return nil
}

// PersonalChatSeparator joins the two names of a one-to-one chat. Usernames
// may not contain it or start or end with an underscore, and group chat
// names may not use it, so every personal chat name belongs to exactly one
// pair.
const PersonalChatSeparator = "__"

// ErrInvalidUsername is returned by ValidateUsername.
var ErrInvalidUsername = errors.New("invalid username")

// ValidateUsername checks that name can be registered.
func ValidateUsername(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidUsername)
	case strings.Contains(name, PersonalChatSeparator):
		return fmt.Errorf("%w: %q may not contain %q", ErrInvalidUsername, name, PersonalChatSeparator)
	case strings.HasPrefix(name, "_"), strings.HasSuffix(name, "_"):
		// "a_" + "__" + "b" would read as "a" + "__" + "_b"
		return fmt.Errorf("%w: %q may not start or end with _", ErrInvalidUsername, name)
	}
	return nil
}

// PersonalChatName returns the canonical name of the one-to-one chat between
// a and b. The order of the arguments does not matter.
func PersonalChatName(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + PersonalChatSeparator + pair[1]
}

// IsPersonalChatName reports whether name is reserved for one-to-one chats.
func IsPersonalChatName(name string) bool {
	return strings.Contains(name, PersonalChatSeparator)
}
