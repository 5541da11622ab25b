package mcproto

import (
	"fmt"

	"github.com/google/uuid"
)

type Frame struct {
	Length  int
	Payload []byte
}

var trimLimit = 64

func trimBytes(data []byte) ([]byte, string) {
	if len(data) < trimLimit {
		return data, ""
	} else {
		return data[:trimLimit], "..."
	}
}

func (f *Frame) String() string {
	trimmed, cont := trimBytes(f.Payload)
	return fmt.Sprintf("Frame:[len=%d, payload=%#X%s]", f.Length, trimmed, cont)
}

// Packet is a decoded frame. Data is either the raw packet body as []byte or,
// for a legacy server list ping, a *LegacyServerListPing.
type Packet struct {
	Length   int
	PacketID int
	Data     interface{}
}

func (p *Packet) String() string {
	if data, ok := p.Data.([]byte); ok {
		trimmed, cont := trimBytes(data)
		return fmt.Sprintf("Packet:[len=%d, packetId=%d, data=%#X%s]", p.Length, p.PacketID, trimmed, cont)
	}
	return fmt.Sprintf("Packet:[len=%d, packetId=%d, data=%v]", p.Length, p.PacketID, p.Data)
}

// Bytes returns the packet body, or nil when the packet did not carry raw bytes.
func (p *Packet) Bytes() []byte {
	data, _ := p.Data.([]byte)
	return data
}

type State int

const (
	StateHandshaking State = iota
	StateStatus
	StateLogin
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateStatus:
		return "status"
	case StateLogin:
		return "login"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

const (
	PacketIdHandshake            = 0x00
	PacketIdStatusRequest        = 0x00
	PacketIdStatusResponse       = 0x00
	PacketIdPing                 = 0x01
	PacketIdPong                 = 0x01
	PacketIdLoginStart           = 0x00
	PacketIdLoginDisconnect      = 0x00
	PacketIdLegacyServerListPing = 0xFE
)

// PacketLengthFieldBytes is the assumed width of the frame length field when
// reporting a packet's overall length.
const PacketLengthFieldBytes = 1

// MaxFrameLength is the largest frame a client may send, 2^21 - 1.
const MaxFrameLength = 2097151

type ProtocolVersion int

const (
	ProtocolVersion1_19   ProtocolVersion = 759
	ProtocolVersion1_19_2 ProtocolVersion = 760
	ProtocolVersion1_20_2 ProtocolVersion = 764
)

type Handshake struct {
	ProtocolVersion ProtocolVersion
	ServerAddress   string
	ServerPort      uint16
	NextState       State
}

type LegacyServerListPing struct {
	ProtocolVersion int
	ServerAddress   string
	ServerPort      uint16
}

// UnknownPlayerUuid is the textual placeholder stored when a login start did not carry a UUID.
const UnknownPlayerUuid = "unknown"

type LoginStart struct {
	Name       string
	PlayerUuid uuid.UUID
	HasUuid    bool
}

func NewLoginStart() *LoginStart {
	return &LoginStart{PlayerUuid: uuid.Nil}
}

// UuidHex renders the player UUID as 32 lowercase hex characters, or UnknownPlayerUuid.
func (l *LoginStart) UuidHex() string {
	if !l.HasUuid {
		return UnknownPlayerUuid
	}
	return fmt.Sprintf("%x", l.PlayerUuid[:])
}
