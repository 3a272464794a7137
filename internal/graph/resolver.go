package graph

import (
	"context"

	"domestique/pkg/domestique"
)

// Resolver anchors incoming message payloads in the entity graph.
type Resolver struct {
	guilds *GuildManager
	users  UserFetcher
}

// NewResolver creates a resolver over guilds. Authors are hydrated through users.
func NewResolver(guilds *GuildManager, users UserFetcher) *Resolver {
	return &Resolver{guilds: guilds, users: users}
}

// Resolve returns a ResolvedMessage when both the guild and the channel
// wrapper are already cached, otherwise an UnresolvedMessage. It never
// triggers a guild or channel fetch.
func (r *Resolver) Resolve(ctx context.Context, raw domestique.Message) (Message, error) {
	if r.guilds.Loaded(raw.GuildID) {
		guild, err := r.guilds.Get(ctx, raw.GuildID)
		if err != nil {
			return nil, err
		}
		if guild.Channels().Loaded(raw.ChannelID) {
			channel, err := guild.Channels().Get(ctx, raw.ChannelID)
			if err != nil {
				return nil, err
			}
			return newResolvedMessage(raw, channel, r.users), nil
		}
	}

	return newUnresolvedMessage(raw, r.guilds, r.users), nil
}
