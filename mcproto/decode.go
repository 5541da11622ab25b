package mcproto

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

const invalidPacketDataBytesMsg = "data should be byte slice from Packet.Data"

// DecodeHandshake takes the Packet.Data bytes and decodes a Handshake message from it.
// Only the status and login next states are accepted.
func DecodeHandshake(data interface{}) (*Handshake, error) {

	dataBytes, ok := data.([]byte)
	if !ok {
		return nil, errors.New(invalidPacketDataBytesMsg)
	}

	handshake := &Handshake{}
	buffer := bytes.NewBuffer(dataBytes)
	var err error

	protocolVersion, err := ReadVarInt(buffer)
	if err != nil {
		return nil, truncated(err, "protocol version")
	}
	handshake.ProtocolVersion = ProtocolVersion(protocolVersion)

	handshake.ServerAddress, err = ReadString(buffer)
	if err != nil {
		return nil, truncated(err, "server address")
	}

	// Forge Mod Loader adds some data after the server address. Truncate it.
	handshake.ServerAddress, _, _ = strings.Cut(handshake.ServerAddress, string(rune(0)))

	handshake.ServerPort, err = ReadUnsignedShort(buffer)
	if err != nil {
		return nil, truncated(err, "server port")
	}

	nextState, err := ReadVarInt(buffer)
	if err != nil {
		return nil, truncated(err, "next state")
	}
	handshake.NextState, err = ClassifyNextState(nextState)
	if err != nil {
		return nil, err
	}
	return handshake, nil
}

// ClassifyNextState maps the handshake's next state field onto the phase that follows it.
func ClassifyNextState(nextState int) (State, error) {
	switch State(nextState) {
	case StateStatus, StateLogin:
		return State(nextState), nil
	default:
		return StateHandshaking, protocolErrorf("unknown next state %d", nextState)
	}
}

// DecodeLoginStart takes the Packet.Data bytes and decodes a LoginStart message from it
func DecodeLoginStart(protocolVersion ProtocolVersion, data interface{}) (*LoginStart, error) {
	dataBytes, ok := data.([]byte)
	if !ok {
		return nil, errors.New(invalidPacketDataBytesMsg)
	}

	loginStart := NewLoginStart()
	buffer := bytes.NewBuffer(dataBytes)
	var err error

	loginStart.Name, err = ReadString(buffer)
	if err != nil {
		return loginStart, truncated(err, "username")
	}
	if loginStart.Name == "" {
		return loginStart, protocolErrorf("empty username")
	}

	// These versions can send player keypair data. Ignore it.
	if protocolVersion >= ProtocolVersion1_19 && protocolVersion <= ProtocolVersion1_19_2 {
		hasSignatureData, err := ReadBoolean(buffer)
		if err != nil {
			return loginStart, truncated(err, "has signature data flag")
		}

		if hasSignatureData {
			if _, err = ReadLong(buffer); err != nil {
				return loginStart, truncated(err, "expiration time")
			}

			pubKeyLength, err := ReadVarInt(buffer)
			if err != nil {
				return loginStart, truncated(err, "public key length")
			}
			if _, err = ReadByteArray(buffer, pubKeyLength); err != nil {
				return loginStart, truncated(err, "public key")
			}

			signatureLength, err := ReadVarInt(buffer)
			if err != nil {
				return loginStart, truncated(err, "signature length")
			}
			if _, err = ReadByteArray(buffer, signatureLength); err != nil {
				return loginStart, truncated(err, "signature")
			}
		}
	}

	switch {
	case protocolVersion >= ProtocolVersion1_19_2 && protocolVersion < ProtocolVersion1_20_2:
		hasUuid, err := ReadBoolean(buffer)
		if err != nil {
			// older 1.19.2 clients may end the packet here
			break
		}
		if !hasUuid {
			break
		}
		fallthrough
	case protocolVersion >= ProtocolVersion1_20_2:
		playerUuid, err := ReadUuid(buffer)
		if err != nil {
			return loginStart, truncated(err, "player uuid")
		}
		loginStart.PlayerUuid = playerUuid
		loginStart.HasUuid = true
	default:
		// The protocol itself carries no UUID here, but some clients and proxies append one.
		if buffer.Len() >= 16 {
			playerUuid, err := ReadUuid(buffer)
			if err != nil {
				return loginStart, truncated(err, "player uuid")
			}
			loginStart.PlayerUuid = playerUuid
			loginStart.HasUuid = true
		}
	}

	return loginStart, nil
}

// DecodeStatusResponse extracts the JSON document carried by a status response packet.
func DecodeStatusResponse(data interface{}) (string, error) {
	dataBytes, ok := data.([]byte)
	if !ok {
		return "", errors.New(invalidPacketDataBytesMsg)
	}

	jsonString, err := ReadString(bytes.NewBuffer(dataBytes))
	if err != nil {
		return "", truncated(err, "status json")
	}
	return jsonString, nil
}
