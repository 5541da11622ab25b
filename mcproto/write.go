package mcproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"strconv"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// EncodeVarInt returns the minimal varint encoding of value. Negative values take
// the full five bytes of their two's complement form.
func EncodeVarInt(value int32) []byte {
	var buf [maxVarIntBytes]byte
	i := 0
	v := uint32(value)
	for {
		temp := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			temp |= 0x80
		}
		buf[i] = temp
		i++
		if v == 0 {
			break
		}
	}
	return buf[:i]
}

// WriteVarInt writes a VarInt (Minecraft format) to w
func WriteVarInt(w io.Writer, value int32) error {
	_, err := w.Write(EncodeVarInt(value))
	return err
}

// WriteString writes a Minecraft length-prefixed string
func WriteString(w io.Writer, s string) error {
	if err := WriteVarInt(w, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// WriteFrame writes payload behind its varint length in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLength {
		return protocolErrorf("frame length %d too large", len(payload))
	}
	framed := make([]byte, 0, len(payload)+maxVarIntBytes)
	framed = append(framed, EncodeVarInt(int32(len(payload)))...)
	framed = append(framed, payload...)
	_, err := w.Write(framed)
	return err
}

// FramePacket builds a framed packet: [length VarInt][packetId VarInt][payload]
func FramePacket(packetID int, payload []byte) []byte {
	var b bytes.Buffer
	_ = WriteVarInt(&b, int32(packetID))
	b.Write(payload)

	var framed bytes.Buffer
	_ = WriteVarInt(&framed, int32(b.Len()))
	framed.Write(b.Bytes())
	return framed.Bytes()
}

// WritePacket frames packetID and payload and writes them in a single Write call.
func WritePacket(w io.Writer, packetID int, payload []byte) error {
	_, err := w.Write(FramePacket(packetID, payload))
	return err
}

// Reframe re-attaches the length prefix and packet id to a packet read by ReadPacket.
func Reframe(packet *Packet) ([]byte, error) {
	data, ok := packet.Data.([]byte)
	if !ok {
		return nil, errors.New(invalidPacketDataBytesMsg)
	}
	return FramePacket(packet.PacketID, data), nil
}

type StatusVersion struct {
	Name     string `json:"name"`
	Protocol int    `json:"protocol"`
}

type PlayerEntry struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

type StatusPlayers struct {
	Max    int           `json:"max"`
	Online int           `json:"online"`
	Sample []PlayerEntry `json:"sample"`
}

type StatusText struct {
	Text string `json:"text"`
}

// StatusResponse is the JSON document carried by a status response packet.
type StatusResponse struct {
	Version     StatusVersion `json:"version"`
	Players     StatusPlayers `json:"players"`
	Description StatusText    `json:"description"`
	Favicon     string        `json:"favicon,omitempty"`
}

// WriteStatusJSONPacket writes a Status Response (packet 0x00) with the provided JSON string
func WriteStatusJSONPacket(w io.Writer, jsonString string) error {
	var payload bytes.Buffer
	if err := WriteString(&payload, jsonString); err != nil {
		return err
	}
	return WritePacket(w, PacketIdStatusResponse, payload.Bytes())
}

// WriteStatusResponse serializes status and writes it as a Status Response packet.
func WriteStatusResponse(w io.Writer, status *StatusResponse) error {
	if status.Players.Sample == nil {
		status.Players.Sample = []PlayerEntry{}
	}
	b, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "failed to marshal status response")
	}
	return WriteStatusJSONPacket(w, string(b))
}

// WritePongPacket writes Pong (packet 0x01) echoing the ping payload verbatim
func WritePongPacket(w io.Writer, payload []byte) error {
	return WritePacket(w, PacketIdPong, payload)
}

// WriteHandshake writes a handshake packet announcing nextState.
func WriteHandshake(w io.Writer, protocolVersion ProtocolVersion, serverAddress string, serverPort uint16, nextState State) error {
	var payload bytes.Buffer
	_ = WriteVarInt(&payload, int32(protocolVersion))
	_ = WriteString(&payload, serverAddress)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], serverPort)
	payload.Write(portBuf[:])
	_ = WriteVarInt(&payload, int32(nextState))
	return WritePacket(w, PacketIdHandshake, payload.Bytes())
}

// WriteStatusRequest writes the empty status request packet.
func WriteStatusRequest(w io.Writer) error {
	return WritePacket(w, PacketIdStatusRequest, nil)
}

// WriteLoginDisconnect writes a login-phase disconnect carrying reason as a plain chat component.
func WriteLoginDisconnect(w io.Writer, reason string) error {
	text, err := json.Marshal(StatusText{Text: reason})
	if err != nil {
		return errors.Wrap(err, "failed to marshal disconnect reason")
	}
	var payload bytes.Buffer
	if err := WriteString(&payload, string(text)); err != nil {
		return err
	}
	return WritePacket(w, PacketIdLoginDisconnect, payload.Bytes())
}

// WriteLegacySLPResponse writes the 1.6-compatible legacy response packet (0xFF)
// Format: FF, [length short], UTF16BE string beginning with "§1\u0000" then null-delimited fields
// fields: protocol, version, motd, online, max
func WriteLegacySLPResponse(w io.Writer, protocol int, version string, motd string, online int, max int) error {
	s := "§1\u0000" +
		strconv.Itoa(protocol) + "\u0000" +
		version + "\u0000" +
		motd + "\u0000" +
		strconv.Itoa(online) + "\u0000" +
		strconv.Itoa(max)

	encoded := utf16.Encode([]rune(s))
	var be bytes.Buffer
	for _, v := range encoded {
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], v)
		be.Write(tmp[:])
	}

	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(0xFF); err != nil {
		return err
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(encoded)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(be.Bytes()); err != nil {
		return err
	}
	return bw.Flush()
}
