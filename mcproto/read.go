package mcproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	maxVarIntBytes = 5
	// maxStringBytes bounds a length-prefixed string: 32767 UTF-16 units of up to 4 UTF-8 bytes.
	maxStringBytes = 32767 * 4
)

// ReadPacket reads one frame from reader and splits off its packet id. The same
// buffered reader must be used for every packet on a connection so that bytes it
// has buffered ahead are not lost.
func ReadPacket(reader *bufio.Reader, addr net.Addr, state State) (*Packet, error) {
	logrus.
		WithField("client", addr).
		WithField("state", state).
		Trace("Reading packet")

	if state == StateHandshaking {
		data, err := reader.Peek(1)
		if err != nil {
			return nil, err
		}

		if data[0] == PacketIdLegacyServerListPing {
			return ReadLegacyServerListPing(reader, addr)
		}
	}

	frame, err := ReadFrame(reader, addr)
	if err != nil {
		return nil, err
	}

	packet := &Packet{Length: frame.Length + PacketLengthFieldBytes}

	remainder := bytes.NewBuffer(frame.Payload)

	packet.PacketID, err = ReadVarInt(remainder)
	if err != nil {
		return nil, truncated(err, "packet id")
	}

	packet.Data = remainder.Bytes()

	logrus.
		WithField("client", addr).
		WithField("packet", packet).
		Debug("Read packet")
	return packet, nil
}

func ReadLegacyServerListPing(reader *bufio.Reader, addr net.Addr) (*Packet, error) {
	logrus.
		WithField("client", addr).
		Debug("Reading legacy server list ping")

	packetId, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if packetId != PacketIdLegacyServerListPing {
		return nil, protocolErrorf("expected legacy server listing ping packet ID, got %x", packetId)
	}

	payload, err := reader.ReadByte()
	if err != nil {
		return nil, truncated(err, "legacy ping payload")
	}
	if payload != 0x01 {
		return nil, protocolErrorf("expected payload=1 from legacy server listing ping, got %x", payload)
	}

	packetIdForPluginMsg, err := reader.ReadByte()
	if err != nil {
		return nil, truncated(err, "legacy ping plugin message id")
	}
	if packetIdForPluginMsg != 0xFA {
		return nil, protocolErrorf("expected packetIdForPluginMsg=0xFA from legacy server listing ping, got %x", packetIdForPluginMsg)
	}

	messageNameShortLen, err := ReadUnsignedShort(reader)
	if err != nil {
		return nil, truncated(err, "legacy ping message name length")
	}
	if messageNameShortLen != 11 {
		return nil, protocolErrorf("expected messageNameShortLen=11 from legacy server listing ping, got %d", messageNameShortLen)
	}

	messageName, err := ReadUTF16BEString(reader, messageNameShortLen)
	if err != nil {
		return nil, truncated(err, "legacy ping message name")
	}
	if messageName != "MC|PingHost" {
		return nil, protocolErrorf("expected messageName=MC|PingHost, got %s", messageName)
	}

	remainingLen, err := ReadUnsignedShort(reader)
	if err != nil {
		return nil, truncated(err, "legacy ping remaining length")
	}
	remainingReader := io.LimitReader(reader, int64(remainingLen))

	protocolVersion, err := ReadByte(remainingReader)
	if err != nil {
		return nil, truncated(err, "legacy ping protocol version")
	}

	hostnameLen, err := ReadUnsignedShort(remainingReader)
	if err != nil {
		return nil, truncated(err, "legacy ping hostname length")
	}
	hostname, err := ReadUTF16BEString(remainingReader, hostnameLen)
	if err != nil {
		return nil, truncated(err, "legacy ping hostname")
	}

	port, err := ReadUnsignedInt(remainingReader)
	if err != nil {
		return nil, truncated(err, "legacy ping port")
	}

	return &Packet{
		PacketID: PacketIdLegacyServerListPing,
		Length:   0,
		Data: &LegacyServerListPing{
			ProtocolVersion: int(protocolVersion),
			ServerAddress:   hostname,
			ServerPort:      uint16(port),
		},
	}, nil
}

func ReadUTF16BEString(reader io.Reader, symbolLen uint16) (string, error) {
	bsUtf16be := make([]byte, int(symbolLen)*2)

	_, err := io.ReadFull(reader, bsUtf16be)
	if err != nil {
		return "", err
	}

	result, _, err := transform.Bytes(unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder(), bsUtf16be)
	if err != nil {
		return "", err
	}

	return string(result), nil
}

// ReadFrame reads a varint length followed by exactly that many payload bytes.
func ReadFrame(reader io.Reader, addr net.Addr) (*Frame, error) {
	var err error
	frame := &Frame{}

	frame.Length, err = ReadVarInt(reader)
	if err != nil {
		return nil, err
	}

	if frame.Length < 1 {
		return nil, protocolErrorf("frame length %d too small", frame.Length)
	}
	if frame.Length > MaxFrameLength {
		return nil, protocolErrorf("frame length %d too large", frame.Length)
	}

	logrus.
		WithField("client", addr).
		WithField("length", frame.Length).
		Trace("Read frame length")

	frame.Payload = make([]byte, frame.Length)
	if _, err := io.ReadFull(reader, frame.Payload); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	logrus.
		WithField("client", addr).
		WithField("frame", frame).
		Trace("Read frame")
	return frame, nil
}

// ReadVarInt decodes a varint of at most five bytes. A clean end of stream before
// the first byte is io.EOF; one in the middle is io.ErrUnexpectedEOF.
func ReadVarInt(reader io.Reader) (int, error) {
	var b [1]byte
	var result uint32
	for numRead := 0; numRead < maxVarIntBytes; numRead++ {
		if _, err := io.ReadFull(reader, b[:]); err != nil {
			if err == io.EOF && numRead > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		result |= uint32(b[0]&0x7F) << (7 * numRead)

		if b[0]&0x80 == 0 {
			return int(int32(result)), nil
		}
	}

	return 0, protocolErrorf("VarInt is too big")
}

func ReadString(reader io.Reader) (string, error) {
	length, err := ReadVarInt(reader)
	if err != nil {
		return "", err
	}
	if length < 0 || length > maxStringBytes {
		return "", protocolErrorf("string length %d out of range", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return "", err
	}

	return string(buf), nil
}

func ReadByte(reader io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(reader, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func ReadBoolean(reader io.Reader) (bool, error) {
	b, err := ReadByte(reader)
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func ReadUnsignedShort(reader io.Reader) (uint16, error) {
	var value uint16
	err := binary.Read(reader, binary.BigEndian, &value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

func ReadUnsignedInt(reader io.Reader) (uint32, error) {
	var value uint32
	err := binary.Read(reader, binary.BigEndian, &value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

func ReadLong(reader io.Reader) (int64, error) {
	var value int64
	err := binary.Read(reader, binary.BigEndian, &value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

func ReadByteArray(reader io.Reader, length int) ([]byte, error) {
	if length < 0 || length > MaxFrameLength {
		return nil, protocolErrorf("byte array length %d out of range", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func ReadUuid(reader io.Reader) (uuid.UUID, error) {
	var buf [16]byte
	if _, err := io.ReadFull(reader, buf[:]); err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(buf[:])
}

// truncated turns a short read inside an already framed packet into a protocol error.
func truncated(err error, what string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return protocolErrorf("truncated %s", what)
	}
	return errors.Wrapf(err, "failed to read %s", what)
}
