package domestique

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDecodePacketVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, packet Packet)
	}{
		{
			name:  "auth status success",
			frame: `{"type":"authStatus","payload":{"userId":"u1","success":true}}`,
			check: func(t *testing.T, packet Packet) {
				status, ok := packet.(*AuthStatusPacket)
				if !ok {
					t.Fatalf("packet type = %T, want *AuthStatusPacket", packet)
				}
				if status.UserID != "u1" || !status.Success || status.Error != "" {
					t.Fatalf("auth status = %+v", status)
				}
			},
		},
		{
			name:  "auth status failure",
			frame: `{"type":"authStatus","payload":{"userId":"","success":false,"error":"bad token"}}`,
			check: func(t *testing.T, packet Packet) {
				status := packet.(*AuthStatusPacket)
				if status.Success || status.Error != "bad token" {
					t.Fatalf("auth status = %+v", status)
				}
			},
		},
		{
			name:  "guild available",
			frame: `{"type":"guildAvailable","payload":{"uuid":"g1"}}`,
			check: func(t *testing.T, packet Packet) {
				available, ok := packet.(*GuildAvailablePacket)
				if !ok || available.UUID != "g1" {
					t.Fatalf("packet = %#v, want guild g1", packet)
				}
			},
		},
		{
			name:  "channel available",
			frame: `{"type":"channelAvailable","payload":{"uuid":"c1"}}`,
			check: func(t *testing.T, packet Packet) {
				available, ok := packet.(*ChannelAvailablePacket)
				if !ok || available.UUID != "c1" {
					t.Fatalf("packet = %#v, want channel c1", packet)
				}
			},
		},
		{
			name:  "server finished without payload",
			frame: `{"type":"serverFinished"}`,
			check: func(t *testing.T, packet Packet) {
				if _, ok := packet.(*ServerFinishedPacket); !ok {
					t.Fatalf("packet type = %T, want *ServerFinishedPacket", packet)
				}
			},
		},
		{
			name: "message create",
			frame: `{"type":"messageCreate","payload":{"messageId":"m1","authorId":"u1",` +
				`"guildId":"g1","channelId":"c1","timestamp":1700000000000,"content":"hi"}}`,
			check: func(t *testing.T, packet Packet) {
				created, ok := packet.(*MessageCreatePacket)
				if !ok {
					t.Fatalf("packet type = %T, want *MessageCreatePacket", packet)
				}
				want := Message{
					MessageID: "m1",
					AuthorID:  "u1",
					GuildID:   "g1",
					ChannelID: "c1",
					Timestamp: 1700000000000,
					Content:   "hi",
				}
				if diff := cmp.Diff(want, created.Message); diff != "" {
					t.Fatalf("message mismatch (-want +got):\n%s", diff)
				}
				if !created.Message.Time().Equal(time.UnixMilli(1700000000000)) {
					t.Fatalf("message time = %v", created.Message.Time())
				}
			},
		},
		{
			name:  "unknown type is preserved",
			frame: `{"type":"typingStart","payload":{"userId":"u1"}}`,
			check: func(t *testing.T, packet Packet) {
				unknown, ok := packet.(*UnknownPacket)
				if !ok {
					t.Fatalf("packet type = %T, want *UnknownPacket", packet)
				}
				if unknown.Type() != "typingStart" {
					t.Fatalf("type = %s, want typingStart", unknown.Type())
				}
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			packet, err := DecodePacket([]byte(testCase.frame))
			if err != nil {
				t.Fatalf("DecodePacket failed: %v", err)
			}
			if string(packet.Raw()) != testCase.frame {
				t.Fatalf("raw = %s, want original frame", packet.Raw())
			}
			testCase.check(t, packet)
		})
	}
}

func TestDecodePacketRejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	frames := map[string]string{
		"not json":         `{"type":`,
		"missing type":     `{"payload":{}}`,
		"missing payload":  `{"type":"guildAvailable"}`,
		"mistyped payload": `{"type":"authStatus","payload":{"success":"yes"}}`,
	}
	for name, frame := range frames {
		name, frame := name, frame
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := DecodePacket([]byte(frame))
			if !errors.Is(err, ErrInvalidPacket) {
				t.Fatalf("error = %v, want ErrInvalidPacket", err)
			}
		})
	}
}

func TestFlagDecodesNumbersAndBooleans(t *testing.T) {
	t.Parallel()

	var user User
	payload := `{"username":"wlod","displayName":"W","verified":1,"isAdmin":false}`
	if err := json.Unmarshal([]byte(payload), &user); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	if !bool(user.Verified) {
		t.Fatal("verified = false, want true")
	}
	if bool(user.IsAdmin) {
		t.Fatal("isAdmin = true, want false")
	}

	encoded, err := json.Marshal(user.Verified)
	if err != nil {
		t.Fatalf("marshal flag: %v", err)
	}
	if string(encoded) != "1" {
		t.Fatalf("encoded flag = %s, want 1", encoded)
	}
}

func TestPacketEventKind(t *testing.T) {
	t.Parallel()

	if got := PacketEventKind(PacketMessageCreate); got != EventKind("messageCreate") {
		t.Fatalf("event kind = %s, want messageCreate", got)
	}
}
