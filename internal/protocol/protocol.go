package protocol

import (
	"bytes"
	"encoding"
	"fmt"

	"github.com/blukai/rorrelay/internal/byteorder"
	"github.com/blukai/rorrelay/internal/debug"
	"github.com/blukai/rorrelay/internal/zigzag"
)

const (
	Version = "RoRnet_2.1"

	// command (4) + source (4) + stream id (4) + size (4)
	HeaderSize     = 16
	MaxPayloadSize = 8 << 10
	// handshake frames are tiny. anything above this during the handshake
	// is garbage.
	MaxHandshakePayloadSize = 256
)

const (
	// ServerSource is the source id of frames originated by the relay.
	ServerSource int32 = -1
	// ToAll addresses every flowing client in Say.
	ToAll int32 = -1

	// NOTE: the master server probes the relay with a HELLO from this
	// source carrying MasterServerTag. it must not get a session.
	MasterServerSource int32 = 5000
	MasterServerTag          = "MasterServ"
)

type MessageType uint32

const (
	MsgHello MessageType = 1000 + iota
	MsgVersion
	MsgFull
	MsgBanned
	MsgWelcome
	MsgUseVehicle
	MsgSpawn
	MsgBufferSize
	MsgVehicleData
	MsgUser
	MsgDelete
	MsgChat
	MsgForce
)

const (
	MsgUserCredentials MessageType = 1017 + iota
	_
	MsgTerrainResponse
	MsgWrongPassword
	MsgRconLogin
	MsgRconLoginFailed
	MsgRconLoginSuccess
	MsgRconLoginNotAvailable
	MsgRconCommand
	MsgRconCommandFailed
	MsgRconCommandSuccess
	MsgGameCommand
	MsgPrivateChat
	MsgWrongVersion
)

var messageTypeNames = map[MessageType]string{
	MsgHello:                 "HELLO",
	MsgVersion:               "VERSION",
	MsgFull:                  "FULL",
	MsgBanned:                "BANNED",
	MsgWelcome:               "WELCOME",
	MsgUseVehicle:            "USE_VEHICLE",
	MsgSpawn:                 "SPAWN",
	MsgBufferSize:            "BUFFER_SIZE",
	MsgVehicleData:           "VEHICLE_DATA",
	MsgUser:                  "USER",
	MsgDelete:                "DELETE",
	MsgChat:                  "CHAT",
	MsgForce:                 "FORCE",
	MsgUserCredentials:       "USER_CREDENTIALS",
	MsgTerrainResponse:       "TERRAIN_RESPONSE",
	MsgWrongPassword:         "WRONG_PASSWORD",
	MsgRconLogin:             "RCON_LOGIN",
	MsgRconLoginFailed:       "RCON_LOGIN_FAILED",
	MsgRconLoginSuccess:      "RCON_LOGIN_SUCCESS",
	MsgRconLoginNotAvailable: "RCON_LOGIN_NOT_AVAILABLE",
	MsgRconCommand:           "RCON_COMMAND",
	MsgRconCommandFailed:     "RCON_COMMAND_FAILED",
	MsgRconCommandSuccess:    "RCON_COMMAND_SUCCESS",
	MsgGameCommand:           "GAME_COMMAND",
	MsgPrivateChat:           "PRIVATE_CHAT",
	MsgWrongVersion:          "WRONG_VERSION",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

// IsStreamData reports whether t belongs to the continuous, best-effort class
// that is the first to be dropped when a client falls behind.
func (t MessageType) IsStreamData() bool {
	return t == MsgVehicleData
}

type Header struct {
	Type     MessageType
	Source   int32
	StreamID uint32
	Size     uint32
}

var (
	_ encoding.BinaryMarshaler   = (*Header)(nil)
	_ encoding.BinaryUnmarshaler = (*Header)(nil)
)

func (h *Header) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.Write(byteorder.Htonl(uint32(h.Type)))
	buf.Write(byteorder.Htonl(zigzag.Encode32(h.Source)))
	buf.Write(byteorder.Htonl(h.StreamID))
	buf.Write(byteorder.Htonl(h.Size))

	data := buf.Bytes()
	debug.Assert(len(data) == HeaderSize)

	return data, nil
}

func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) != HeaderSize {
		return fmt.Errorf("invalid header size (got %d; want %d)", len(data), HeaderSize)
	}

	h.Type = MessageType(byteorder.Ntohl(data[0:4]))
	h.Source = zigzag.Decode32(byteorder.Ntohl(data[4:8]))
	h.StreamID = byteorder.Ntohl(data[8:12])
	h.Size = byteorder.Ntohl(data[12:16])

	return nil
}

type Message struct {
	Header
	Payload []byte
}

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
)

func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large (got %d; max %d)", len(m.Payload), MaxPayloadSize)
	}

	header := m.Header
	header.Size = uint32(len(m.Payload))
	headerBytes, err := header.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("could not marshal header: %w", err)
	}

	data := make([]byte, 0, HeaderSize+len(m.Payload))
	data = append(data, headerBytes...)
	data = append(data, m.Payload...)
	return data, nil
}

func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("invalid message size (got %d; want >= %d)", len(data), HeaderSize)
	}

	if err := m.Header.UnmarshalBinary(data[0:HeaderSize]); err != nil {
		return fmt.Errorf("could not unmarshal header: %w", err)
	}
	if int(m.Header.Size) != len(data)-HeaderSize {
		return fmt.Errorf("payload size mismatch (header %d; got %d)", m.Header.Size, len(data)-HeaderSize)
	}

	m.Payload = append([]byte(nil), data[HeaderSize:]...)
	return nil
}
