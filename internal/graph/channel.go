package graph

import (
	"context"
	"fmt"
	"sync"

	"domestique/internal/cache"
	"domestique/pkg/domestique"

	"golang.org/x/sync/singleflight"
)

// ChannelManager memoizes Channel wrappers of one guild.
type ChannelManager struct {
	store   *cache.Cache
	fetcher Fetcher
	guild   *Guild
	flights singleflight.Group
}

func newChannelManager(store *cache.Cache, fetcher Fetcher, guild *Guild) *ChannelManager {
	store.EnsureCategory(cache.CategoryChannelWrappers)

	return &ChannelManager{
		store:   store,
		fetcher: fetcher,
		guild:   guild,
	}
}

// Get returns the memoized channel wrapper for id, fetching the channel on first use.
func (m *ChannelManager) Get(ctx context.Context, id string) (*Channel, error) {
	if channel, found := cache.Lookup[*Channel](m.store, cache.CategoryChannelWrappers, id); found {
		return channel, nil
	}

	value, err := await(ctx, m.flights.DoChan(id, func() (any, error) {
		if channel, found := cache.Lookup[*Channel](m.store, cache.CategoryChannelWrappers, id); found {
			return channel, nil
		}

		payload, err := m.fetcher.GetChannel(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		actual, _, err := m.store.LoadOrStore(cache.CategoryChannelWrappers, id, &Channel{
			ID:      payload.ID,
			Name:    payload.Name,
			Topic:   payload.Topic,
			GuildID: payload.GuildID,
			guild:   m.guild,
			fetcher: m.fetcher,
		})
		if err != nil {
			return nil, err
		}

		return actual, nil
	}))
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", id, err)
	}

	return value.(*Channel), nil
}

// Loaded reports whether a wrapper for id is cached. It never fetches.
func (m *ChannelManager) Loaded(id string) bool {
	return m.store.Has(cache.CategoryChannelWrappers, id)
}

// Channel is the memoized wrapper around one channel payload.
//
// Its message list starts empty and is filled by Load or by live messages
// prepended by the stream dispatcher.
type Channel struct {
	ID      string
	Name    string
	Topic   string
	GuildID string

	guild   *Guild
	fetcher Fetcher

	loadMu   sync.Mutex
	mu       sync.RWMutex
	messages []*ResolvedMessage
	loaded   bool
}

// Guild returns the owning guild wrapper.
func (c *Channel) Guild() *Guild {
	return c.guild
}

// Messages returns a snapshot of known messages, newest live messages first.
func (c *Channel) Messages() []*ResolvedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]*ResolvedMessage(nil), c.messages...)
}

// Prepend records a live message at the front of the list.
func (c *Channel) Prepend(message *ResolvedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append([]*ResolvedMessage{message}, c.messages...)
}

// Loaded reports whether message history was loaded.
func (c *Channel) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.loaded
}

// Load fetches message history once and hydrates every author. Later calls
// are no-ops.
func (c *Channel) Load(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if c.Loaded() {
		return nil
	}

	history, err := c.fetcher.GetMessages(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("load channel %s: %w", c.ID, err)
	}
	messages := make([]*ResolvedMessage, 0, len(history))
	for _, raw := range history {
		message := newResolvedMessage(raw, c, c.fetcher)
		if err := message.Hydrate(ctx); err != nil {
			return fmt.Errorf("load channel %s: %w", c.ID, err)
		}
		messages = append(messages, message)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = mergeHistory(c.messages, messages)
	c.loaded = true

	return nil
}

// mergeHistory keeps live messages ahead of fetched history. History entries
// already delivered live are skipped.
func mergeHistory(live []*ResolvedMessage, history []*ResolvedMessage) []*ResolvedMessage {
	seen := make(map[string]struct{}, len(live))
	for _, message := range live {
		seen[message.ID()] = struct{}{}
	}

	merged := make([]*ResolvedMessage, 0, len(live)+len(history))
	merged = append(merged, live...)
	for _, message := range history {
		if _, found := seen[message.ID()]; found {
			continue
		}
		merged = append(merged, message)
	}

	return merged
}

// Send posts content into the channel.
func (c *Channel) Send(ctx context.Context, content string) (domestique.Message, error) {
	posted, err := c.fetcher.PostMessage(ctx, domestique.PostMessageRequest{
		GuildID:   c.GuildID,
		ChannelID: c.ID,
		Content:   content,
	})
	if err != nil {
		return domestique.Message{}, fmt.Errorf("send to channel %s: %w", c.ID, err)
	}

	return posted, nil
}
