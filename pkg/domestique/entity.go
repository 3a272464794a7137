package domestique

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// Flag is a boolean attribute that the API encodes as 0/1.
//
// Decoding also accepts JSON booleans and null (false).
type Flag bool

// UnmarshalJSON decodes numeric and boolean flag encodings.
func (f *Flag) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch string(trimmed) {
	case "true":
		*f = true
		return nil
	case "false", "null":
		*f = false
		return nil
	}

	value, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil {
		return fmt.Errorf("decode flag %s: %w", string(trimmed), err)
	}
	*f = value != 0

	return nil
}

// MarshalJSON encodes the flag the way the API does.
func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}

	return []byte("0"), nil
}

// User is the public profile returned by the user data route.
type User struct {
	// Username is the unique login handle.
	Username string `json:"username"`
	// DisplayName is the user-chosen presentation name.
	DisplayName string `json:"displayName"`
	// Verified reports whether the account is verified.
	Verified Flag `json:"verified"`
	// IsAdmin reports whether the account has instance admin rights.
	IsAdmin Flag `json:"isAdmin"`
}

// Channel is the raw channel payload.
type Channel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Topic   string `json:"topic"`
	GuildID string `json:"guildId"`
}

// Guild is the raw guild payload.
type Guild struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Topic string `json:"topic"`
	// ChannelIDs lists member channels in server order.
	ChannelIDs []string `json:"channelIds"`
}

// Message is the raw message payload shared by history responses and
// messageCreate packets.
type Message struct {
	MessageID string `json:"messageId"`
	AuthorID  string `json:"authorId"`
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content"`
}

// Time converts the millisecond timestamp into an absolute point in time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// MessageHistory is the payload of the channel message history route.
type MessageHistory struct {
	Messages []Message `json:"messages"`
}

// Credentials is the login request body.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult is the login response payload.
type LoginResult struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// PostMessageRequest is the message post request body.
type PostMessageRequest struct {
	GuildID   string `json:"guildId"`
	ChannelID string `json:"channelId"`
	Content   string `json:"content"`
}

// Validate checks that mandatory post fields are present.
func (r PostMessageRequest) Validate() error {
	if r.GuildID == "" {
		return fmt.Errorf("validate post message: missing guild id")
	}
	if r.ChannelID == "" {
		return fmt.Errorf("validate post message: missing channel id")
	}

	return nil
}

// Envelope is the JSON wrapper around every REST response.
//
// Error is zero on success; otherwise Message carries the server explanation.
type Envelope[T any] struct {
	Error   int    `json:"error"`
	Payload T      `json:"payload"`
	Message string `json:"message,omitempty"`
}
