package graph

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"domestique/internal/cache"
	"domestique/pkg/domestique"

	"golang.org/x/sync/singleflight"
)

// UserFetcher resolves user profiles for message authors.
type UserFetcher interface {
	GetUser(ctx context.Context, id string) (domestique.User, error)
}

// Fetcher is the remote lookup surface the graph builds wrappers from.
// *rest.Fetcher satisfies it.
type Fetcher interface {
	UserFetcher
	GetChannel(ctx context.Context, id string) (domestique.Channel, error)
	GetGuild(ctx context.Context, id string) (domestique.Guild, error)
	GetMessages(ctx context.Context, channelID string) ([]domestique.Message, error)
	PostMessage(ctx context.Context, request domestique.PostMessageRequest) (domestique.Message, error)
}

// GuildManager memoizes Guild wrappers in the shared cache.
//
// Concurrent Get calls for one id perform one remote fetch and observe the
// same *Guild.
type GuildManager struct {
	store   *cache.Cache
	fetcher Fetcher
	flights singleflight.Group
}

// NewGuildManager creates a manager over store. Constructing several managers
// against one cache is safe; existing wrappers are kept.
func NewGuildManager(store *cache.Cache, fetcher Fetcher) *GuildManager {
	store.EnsureCategory(cache.CategoryGuildWrappers)
	store.EnsureCategory(cache.CategoryChannelWrappers)

	return &GuildManager{
		store:   store,
		fetcher: fetcher,
	}
}

// Get returns the memoized guild wrapper for id, fetching the guild on first use.
func (m *GuildManager) Get(ctx context.Context, id string) (*Guild, error) {
	if guild, found := cache.Lookup[*Guild](m.store, cache.CategoryGuildWrappers, id); found {
		return guild, nil
	}

	value, err := await(ctx, m.flights.DoChan(id, func() (any, error) {
		if guild, found := cache.Lookup[*Guild](m.store, cache.CategoryGuildWrappers, id); found {
			return guild, nil
		}

		payload, err := m.fetcher.GetGuild(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		actual, loaded, err := m.store.LoadOrStore(cache.CategoryGuildWrappers, id, m.newGuild(payload))
		if err != nil {
			return nil, err
		}
		guild := actual.(*Guild)
		if !loaded {
			guild.load()
		}

		return guild, nil
	}))
	if err != nil {
		return nil, fmt.Errorf("get guild %s: %w", id, err)
	}

	return value.(*Guild), nil
}

// Loaded reports whether a wrapper for id is cached. It never fetches.
func (m *GuildManager) Loaded(id string) bool {
	return m.store.Has(cache.CategoryGuildWrappers, id)
}

// ChannelLoaded reports whether some cached guild claims channel id and has
// its wrapper cached. It never fetches.
func (m *GuildManager) ChannelLoaded(id string) bool {
	var owner *Guild
	m.store.Range(cache.CategoryGuildWrappers, func(_ string, value any) bool {
		guild, ok := value.(*Guild)
		if ok && guild.HasChannel(id) {
			owner = guild
			return false
		}
		return true
	})
	if owner == nil {
		return false
	}

	return owner.Channels().Loaded(id)
}

// await waits for a shared build or for the caller's ctx, whichever ends
// first. The build keeps running for the other callers.
func await(ctx context.Context, results <-chan singleflight.Result) (any, error) {
	select {
	case result := <-results:
		return result.Val, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *GuildManager) newGuild(payload domestique.Guild) *Guild {
	guild := &Guild{
		ID:         payload.ID,
		Name:       payload.Name,
		Topic:      payload.Topic,
		channelIDs: slices.Clone(payload.ChannelIDs),
	}
	guild.channels = newChannelManager(m.store, m.fetcher, guild)

	return guild
}

// Guild is the memoized wrapper around one guild payload.
type Guild struct {
	ID    string
	Name  string
	Topic string

	channelIDs []string
	channels   *ChannelManager
	loaded     atomic.Bool
}

// ChannelIDs returns the member channel ids in server order.
func (g *Guild) ChannelIDs() []string {
	return slices.Clone(g.channelIDs)
}

// HasChannel reports whether the guild payload lists channel id.
func (g *Guild) HasChannel(id string) bool {
	return slices.Contains(g.channelIDs, id)
}

// Channels returns the guild-scoped channel manager.
func (g *Guild) Channels() *ChannelManager {
	return g.channels
}

// Loaded reports whether the guild finished its load step.
func (g *Guild) Loaded() bool {
	return g.loaded.Load()
}

// load runs after the wrapper is first cached. Channels are fetched lazily.
func (g *Guild) load() {
	g.loaded.Store(true)
}
