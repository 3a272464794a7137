package main

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"domestique/internal/gateway"
	"domestique/internal/graph"
	"domestique/pkg/domestique"
)

const (
	commandPrefix       = "/"
	helpCommandName     = "help"
	unknownCommandReply = "idk that command"
)

// chatCommand is one entry of the bot command catalog. A nil reply marks
// the help command, which renders the catalog itself.
type chatCommand struct {
	name        string
	description string
	reply       func(args []string) string
}

var commandCatalog = []chatCommand{
	{
		name:        "meow",
		description: "meow back",
		reply:       func([]string) string { return "meow" },
	},
	{
		name:        "echo",
		description: "repeat the words after the command",
		reply:       func(args []string) string { return strings.Join(args, " ") },
	},
	{
		name:        helpCommandName,
		description: "show all available commands",
	},
}

// bridgePrefix matches the "name: " prefix a relay account puts before the
// relayed author's text.
var bridgePrefix = regexp.MustCompile(`^.+?: `)

type channelSender interface {
	Send(ctx context.Context, content string) (domestique.Message, error)
}

type bot struct {
	logger      *slog.Logger
	bridgeUsers []string
	channelOf   func(ctx context.Context, message graph.Message) (channelSender, error)
}

func newBot(logger *slog.Logger, bridgeUsers []string) *bot {
	return &bot{
		logger:      logger,
		bridgeUsers: bridgeUsers,
		channelOf: func(ctx context.Context, message graph.Message) (channelSender, error) {
			return message.Channel(ctx)
		},
	}
}

func (b *bot) handleReady(ctx context.Context, event gateway.Event) error {
	if event.Self == nil {
		return nil
	}
	b.logger.InfoContext(ctx, "ready",
		"user_id", event.Self.ID,
		"username", event.Self.Username,
		"guilds", len(event.Self.AvailableGuilds()),
		"channels", len(event.Self.AvailableChannels()),
	)

	return nil
}

func (b *bot) handleMessage(ctx context.Context, event gateway.Event) error {
	if event.Message == nil || event.Message.Message == nil {
		return nil
	}
	message := event.Message.Message
	author, _ := message.Author()

	content := message.Content()
	if slices.Contains(b.bridgeUsers, author.Username) {
		content = stripBridgePrefix(content)
	}
	b.logger.InfoContext(ctx, fmt.Sprintf("@%s: %s", author.Username, content),
		"message_id", message.ID(),
		"channel_id", message.ChannelID(),
	)

	reply, ok := commandReply(content)
	// A bare /echo produces no message.
	if !ok || reply == "" {
		return nil
	}

	channel, err := b.channelOf(ctx, message)
	if err != nil {
		return fmt.Errorf("resolve reply channel %s: %w", message.ChannelID(), err)
	}
	if _, err := channel.Send(ctx, reply); err != nil {
		return fmt.Errorf("send command reply: %w", err)
	}

	return nil
}

func stripBridgePrefix(content string) string {
	return bridgePrefix.ReplaceAllString(content, "")
}

// commandReply returns the reply for a "/command args..." text. ok is false
// when content is not a command.
func commandReply(content string) (string, bool) {
	if !strings.HasPrefix(content, commandPrefix) {
		return "", false
	}
	fields := strings.Split(strings.TrimPrefix(content, commandPrefix), " ")

	for _, command := range commandCatalog {
		if command.name != fields[0] {
			continue
		}
		if command.reply == nil {
			return renderHelp(commandCatalog), true
		}
		return command.reply(fields[1:]), true
	}

	return unknownCommandReply, true
}

func renderHelp(catalog []chatCommand) string {
	sorted := slices.Clone(catalog)
	slices.SortFunc(sorted, func(left, right chatCommand) int {
		return strings.Compare(left.name, right.name)
	})

	lines := make([]string, 0, len(sorted)+3)
	lines = append(lines, "domestique example bot", "", "commands:")
	for _, command := range sorted {
		lines = append(lines, fmt.Sprintf("  %s%s - %s", commandPrefix, command.name, command.description))
	}

	return strings.Join(lines, "\n")
}
