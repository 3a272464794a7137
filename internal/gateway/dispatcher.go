package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"domestique/internal/graph"
	"domestique/internal/metrics"
	"domestique/pkg/domestique"
)

// State is the stream session lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateSyncing
	StateReady
	StateStreaming
	StateReconnecting
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSyncing:
		return "syncing"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is what the dispatcher publishes to subscribers.
type Event struct {
	Kind domestique.EventKind
	// Packet is the inbound packet behind the event. It is nil for ready.
	Packet domestique.Packet
	// Message is set for EventMessage.
	Message *MessageEvent
	// Self is set for EventReady.
	Self *SelfUser
}

// MessageEvent carries one hydrated message and the ids it was posted under.
type MessageEvent struct {
	Message   graph.Message
	GuildID   string
	ChannelID string
}

// Publisher receives dispatcher events. *bus.Bus[Event] satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// SelfUser is the signed-in account plus the ids announced during sync.
type SelfUser struct {
	domestique.User
	ID string

	dispatcher *Dispatcher
}

// AvailableGuilds returns guild ids announced in the current session.
func (u *SelfUser) AvailableGuilds() []string {
	return u.dispatcher.AvailableGuilds()
}

// AvailableChannels returns channel ids announced in the current session.
func (u *SelfUser) AvailableChannels() []string {
	return u.dispatcher.AvailableChannels()
}

// Dispatcher applies stream packets to session state and the entity graph.
//
// Handle must be called from one goroutine in arrival order.
type Dispatcher struct {
	users     graph.UserFetcher
	resolver  *graph.Resolver
	publisher Publisher
	logger    *slog.Logger

	mu       sync.RWMutex
	state    State
	userID   string
	guilds   []string
	channels []string
	self     *SelfUser
}

// NewDispatcher creates a dispatcher in StateIdle.
func NewDispatcher(users graph.UserFetcher, resolver *graph.Resolver, publisher Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		users:     users,
		resolver:  resolver,
		publisher: publisher,
		logger:    logger,
	}
}

// BeginSession prepares for a freshly dialed socket. Availability lists
// restart empty; the previous self user stays visible until the next ready.
func (d *Dispatcher) BeginSession() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.userID = ""
	d.guilds = nil
	d.channels = nil
	d.setStateLocked(StateAuthenticating)
}

// SetState moves the session to state.
func (d *Dispatcher) SetState(state State) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.setStateLocked(state)
}

func (d *Dispatcher) setStateLocked(state State) {
	d.state = state
	metrics.SessionState.Set(float64(state))
}

// State returns the current session state.
func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.state
}

// UserID returns the id reported by the last authStatus packet.
func (d *Dispatcher) UserID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.userID
}

// Self returns the signed-in user once a ready event fired, otherwise nil.
func (d *Dispatcher) Self() *SelfUser {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.self
}

// AvailableGuilds returns guild ids announced in the current session, duplicates included.
func (d *Dispatcher) AvailableGuilds() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return slices.Clone(d.guilds)
}

// AvailableChannels returns channel ids announced in the current session, duplicates included.
func (d *Dispatcher) AvailableChannels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return slices.Clone(d.channels)
}

// Handle decodes one frame, applies it and publishes the derived event
// followed by the pass-through event under the packet's own type.
//
// The pass-through event is published even when applying the packet fails;
// that failure is returned.
func (d *Dispatcher) Handle(ctx context.Context, frame []byte) error {
	packet, err := domestique.DecodePacket(frame)
	if err != nil {
		return err
	}
	metrics.PacketsReceived.WithLabelValues(string(packet.Type())).Inc()

	applyErr := d.apply(ctx, packet)
	if applyErr != nil {
		applyErr = fmt.Errorf("handle %s: %w", packet.Type(), applyErr)
	}
	d.publish(ctx, Event{Kind: domestique.PacketEventKind(packet.Type()), Packet: packet})

	return applyErr
}

func (d *Dispatcher) apply(ctx context.Context, packet domestique.Packet) error {
	switch p := packet.(type) {
	case *domestique.AuthStatusPacket:
		d.mu.Lock()
		d.userID = p.UserID
		if p.Success {
			d.setStateLocked(StateSyncing)
		}
		d.mu.Unlock()
		if !p.Success {
			d.logger.WarnContext(ctx, "stream authentication rejected", "user_id", p.UserID, "reason", p.Error)
		}
	case *domestique.GuildAvailablePacket:
		d.mu.Lock()
		d.guilds = append(d.guilds, p.UUID)
		d.mu.Unlock()
	case *domestique.ChannelAvailablePacket:
		d.mu.Lock()
		d.channels = append(d.channels, p.UUID)
		d.mu.Unlock()
	case *domestique.ServerFinishedPacket:
		return d.finishSync(ctx)
	case *domestique.MessageCreatePacket:
		return d.deliverMessage(ctx, p)
	case *domestique.UnknownPacket:
		d.logger.DebugContext(ctx, "passing through unknown packet", "type", p.Kind)
	}

	return nil
}

func (d *Dispatcher) finishSync(ctx context.Context) error {
	userID := d.UserID()
	user, err := d.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	self := &SelfUser{User: user, ID: userID, dispatcher: d}
	d.mu.Lock()
	d.self = self
	d.setStateLocked(StateReady)
	d.mu.Unlock()

	d.publish(ctx, Event{Kind: domestique.EventReady, Self: self})
	d.SetState(StateStreaming)

	return nil
}

func (d *Dispatcher) deliverMessage(ctx context.Context, packet *domestique.MessageCreatePacket) error {
	raw := packet.Message
	message, err := d.resolver.Resolve(ctx, raw)
	if err != nil {
		return err
	}
	if err := message.Hydrate(ctx); err != nil {
		return err
	}

	d.publish(ctx, Event{
		Kind:   domestique.EventMessage,
		Packet: packet,
		Message: &MessageEvent{
			Message:   message,
			GuildID:   raw.GuildID,
			ChannelID: raw.ChannelID,
		},
	})

	resolved, ok := message.(*graph.ResolvedMessage)
	if !ok {
		return nil
	}
	channel, err := resolved.Channel(ctx)
	if err != nil {
		return err
	}
	channel.Prepend(resolved)

	return nil
}

func (d *Dispatcher) publish(ctx context.Context, event Event) {
	if err := d.publisher.Publish(ctx, event); err != nil {
		d.logger.ErrorContext(ctx, "publish stream event", "kind", event.Kind, "error", err)
	}
}
