package domestique

import (
	"encoding/json"
	"fmt"
)

// PacketType is the discriminator carried by every stream frame.
type PacketType string

const (
	// PacketAuthStatus reports the outcome of socket authentication.
	PacketAuthStatus PacketType = "authStatus"
	// PacketGuildAvailable announces one guild id known to the session.
	PacketGuildAvailable PacketType = "guildAvailable"
	// PacketChannelAvailable announces one channel id known to the session.
	PacketChannelAvailable PacketType = "channelAvailable"
	// PacketServerFinished marks the end of the availability sync.
	PacketServerFinished PacketType = "serverFinished"
	// PacketMessageCreate carries one newly posted message.
	PacketMessageCreate PacketType = "messageCreate"
)

// Packet is the closed set of inbound stream frames.
//
// Use a type switch over the concrete variants; UnknownPacket covers frame
// types this client does not interpret.
type Packet interface {
	// Type returns the wire discriminator.
	Type() PacketType
	// Raw returns the undecoded frame payload.
	Raw() json.RawMessage

	isPacket()
}

// AuthStatusPacket is the server answer to the socket token.
type AuthStatusPacket struct {
	UserID  string
	Success bool
	Error   string
	raw     json.RawMessage
}

// GuildAvailablePacket announces a guild id.
type GuildAvailablePacket struct {
	UUID string
	raw  json.RawMessage
}

// ChannelAvailablePacket announces a channel id.
type ChannelAvailablePacket struct {
	UUID string
	raw  json.RawMessage
}

// ServerFinishedPacket ends the availability sync. Its payload is ignored.
type ServerFinishedPacket struct {
	raw json.RawMessage
}

// MessageCreatePacket carries a full message plus its declared guild and channel ids.
type MessageCreatePacket struct {
	Message Message
	raw     json.RawMessage
}

// UnknownPacket preserves frames whose type is not interpreted by the dispatcher.
type UnknownPacket struct {
	Kind PacketType
	raw  json.RawMessage
}

// Type implements Packet.
func (p *AuthStatusPacket) Type() PacketType { return PacketAuthStatus }

// Type implements Packet.
func (p *GuildAvailablePacket) Type() PacketType { return PacketGuildAvailable }

// Type implements Packet.
func (p *ChannelAvailablePacket) Type() PacketType { return PacketChannelAvailable }

// Type implements Packet.
func (p *ServerFinishedPacket) Type() PacketType { return PacketServerFinished }

// Type implements Packet.
func (p *MessageCreatePacket) Type() PacketType { return PacketMessageCreate }

// Type implements Packet.
func (p *UnknownPacket) Type() PacketType { return p.Kind }

// Raw implements Packet.
func (p *AuthStatusPacket) Raw() json.RawMessage { return p.raw }

// Raw implements Packet.
func (p *GuildAvailablePacket) Raw() json.RawMessage { return p.raw }

// Raw implements Packet.
func (p *ChannelAvailablePacket) Raw() json.RawMessage { return p.raw }

// Raw implements Packet.
func (p *ServerFinishedPacket) Raw() json.RawMessage { return p.raw }

// Raw implements Packet.
func (p *MessageCreatePacket) Raw() json.RawMessage { return p.raw }

// Raw implements Packet.
func (p *UnknownPacket) Raw() json.RawMessage { return p.raw }

func (*AuthStatusPacket) isPacket()       {}
func (*GuildAvailablePacket) isPacket()   {}
func (*ChannelAvailablePacket) isPacket() {}
func (*ServerFinishedPacket) isPacket()   {}
func (*MessageCreatePacket) isPacket()    {}
func (*UnknownPacket) isPacket()          {}

type wireFrame struct {
	Type    PacketType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wireAuthStatus struct {
	UserID  string `json:"userId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type wireAvailable struct {
	UUID string `json:"uuid"`
}

// DecodePacket decodes one stream frame into its typed variant.
func DecodePacket(frame []byte) (Packet, error) {
	var wire wireFrame
	if err := json.Unmarshal(frame, &wire); err != nil {
		return nil, fmt.Errorf("decode packet: %w: %v", ErrInvalidPacket, err)
	}
	if wire.Type == "" {
		return nil, fmt.Errorf("decode packet: %w: missing type", ErrInvalidPacket)
	}

	raw := append(json.RawMessage(nil), frame...)

	switch wire.Type {
	case PacketAuthStatus:
		var payload wireAuthStatus
		if err := decodePayload(wire, &payload); err != nil {
			return nil, err
		}
		return &AuthStatusPacket{
			UserID:  payload.UserID,
			Success: payload.Success,
			Error:   payload.Error,
			raw:     raw,
		}, nil
	case PacketGuildAvailable:
		var payload wireAvailable
		if err := decodePayload(wire, &payload); err != nil {
			return nil, err
		}
		return &GuildAvailablePacket{UUID: payload.UUID, raw: raw}, nil
	case PacketChannelAvailable:
		var payload wireAvailable
		if err := decodePayload(wire, &payload); err != nil {
			return nil, err
		}
		return &ChannelAvailablePacket{UUID: payload.UUID, raw: raw}, nil
	case PacketServerFinished:
		return &ServerFinishedPacket{raw: raw}, nil
	case PacketMessageCreate:
		var payload Message
		if err := decodePayload(wire, &payload); err != nil {
			return nil, err
		}
		return &MessageCreatePacket{Message: payload, raw: raw}, nil
	default:
		return &UnknownPacket{Kind: wire.Type, raw: raw}, nil
	}
}

func decodePayload(wire wireFrame, target any) error {
	if len(wire.Payload) == 0 {
		return fmt.Errorf("decode packet %s: %w: missing payload", wire.Type, ErrInvalidPacket)
	}
	if err := json.Unmarshal(wire.Payload, target); err != nil {
		return fmt.Errorf("decode packet %s: %w: %v", wire.Type, ErrInvalidPacket, err)
	}

	return nil
}
