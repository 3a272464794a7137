package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"domestique/pkg/domestique"
)

// Message is a message event anchored in the entity graph.
//
// Resolved messages hold their channel wrapper directly. Unresolved ones
// look the guild and channel up on demand.
type Message interface {
	ID() string
	AuthorID() string
	GuildID() string
	ChannelID() string
	Timestamp() time.Time
	Content() string
	Raw() domestique.Message
	// Author returns the hydrated author; ok is false before Hydrate succeeds.
	Author() (domestique.User, bool)
	Resolved() bool
	Guild(ctx context.Context) (*Guild, error)
	Channel(ctx context.Context) (*Channel, error)
	// Hydrate fetches the author profile.
	Hydrate(ctx context.Context) error
}

type messageData struct {
	raw   domestique.Message
	users UserFetcher

	mu     sync.RWMutex
	author *domestique.User
}

func (m *messageData) ID() string              { return m.raw.MessageID }
func (m *messageData) AuthorID() string        { return m.raw.AuthorID }
func (m *messageData) GuildID() string         { return m.raw.GuildID }
func (m *messageData) ChannelID() string       { return m.raw.ChannelID }
func (m *messageData) Timestamp() time.Time    { return m.raw.Time() }
func (m *messageData) Content() string         { return m.raw.Content }
func (m *messageData) Raw() domestique.Message { return m.raw }

func (m *messageData) Author() (domestique.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.author == nil {
		return domestique.User{}, false
	}

	return *m.author, true
}

func (m *messageData) Hydrate(ctx context.Context) error {
	user, err := m.users.GetUser(ctx, m.raw.AuthorID)
	if err != nil {
		return fmt.Errorf("hydrate message %s: %w", m.raw.MessageID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.author = &user

	return nil
}

// ResolvedMessage belongs to a channel whose wrapper was cached on arrival.
type ResolvedMessage struct {
	messageData
	channel *Channel
}

func newResolvedMessage(raw domestique.Message, channel *Channel, users UserFetcher) *ResolvedMessage {
	return &ResolvedMessage{
		messageData: messageData{raw: raw, users: users},
		channel:     channel,
	}
}

// Resolved always reports true.
func (m *ResolvedMessage) Resolved() bool { return true }

// Guild returns the owning guild wrapper without fetching.
func (m *ResolvedMessage) Guild(context.Context) (*Guild, error) {
	return m.channel.Guild(), nil
}

// Channel returns the owning channel wrapper without fetching.
func (m *ResolvedMessage) Channel(context.Context) (*Channel, error) {
	return m.channel, nil
}

// UnresolvedMessage arrived before its channel wrapper was cached.
// Guild and Channel resolve through the GuildManager on every call and
// return the same wrappers a direct lookup would.
type UnresolvedMessage struct {
	messageData
	guilds *GuildManager
}

func newUnresolvedMessage(raw domestique.Message, guilds *GuildManager, users UserFetcher) *UnresolvedMessage {
	return &UnresolvedMessage{
		messageData: messageData{raw: raw, users: users},
		guilds:      guilds,
	}
}

// Resolved always reports false.
func (m *UnresolvedMessage) Resolved() bool { return false }

// Guild resolves the guild wrapper, fetching it when absent.
func (m *UnresolvedMessage) Guild(ctx context.Context) (*Guild, error) {
	return m.guilds.Get(ctx, m.raw.GuildID)
}

// Channel resolves the guild and then the channel wrapper.
func (m *UnresolvedMessage) Channel(ctx context.Context) (*Channel, error) {
	guild, err := m.guilds.Get(ctx, m.raw.GuildID)
	if err != nil {
		return nil, err
	}

	return guild.Channels().Get(ctx, m.raw.ChannelID)
}
