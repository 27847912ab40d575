package protocol

import (
	"bytes"
	"encoding"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/blukai/rorrelay/internal/byteorder"
	"github.com/blukai/rorrelay/internal/debug"
)

// AuthFlags is the privilege bitmask of a session.
type AuthFlags uint32

const (
	AuthNone   AuthFlags = 0
	AuthAdmin  AuthFlags = 1 << 0
	AuthRanked AuthFlags = 1 << 1
	AuthMod    AuthFlags = 1 << 2
	AuthBot    AuthFlags = 1 << 3
	AuthBanned AuthFlags = 1 << 4
)

func (f AuthFlags) Has(flag AuthFlags) bool {
	return f&flag != 0
}

// IsStaff reports whether the session may see and issue "!" commands.
func (f AuthFlags) IsStaff() bool {
	return f.Has(AuthAdmin) || f.Has(AuthMod) || f.Has(AuthBot)
}

func (f AuthFlags) String() string {
	if f == AuthNone {
		return "none"
	}

	parts := []string{}
	for _, it := range []struct {
		flag AuthFlags
		name string
	}{
		{AuthAdmin, "admin"},
		{AuthRanked, "ranked"},
		{AuthMod, "mod"},
		{AuthBot, "bot"},
		{AuthBanned, "banned"},
	} {
		if f.Has(it.flag) {
			parts = append(parts, it.name)
		}
	}
	return strings.Join(parts, ",")
}

// cString reads a NUL terminated (or NUL padded) string.
func cString(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data)
}

// putCString fills a fixed-size field. a value that fills the whole field is
// stored without a terminator.
func putCString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

const (
	usernameSize = 20
	passwordSize = 40
	uniqueIDSize = 40

	UserCredentialsSize = usernameSize + passwordSize + uniqueIDSize
)

// UserCredentials is the fixed-size record a client sends after the version
// exchange. Password is the hex sha1 of the plain password (or empty).
type UserCredentials struct {
	Username string
	Password string
	UniqueID string
}

var (
	_ encoding.BinaryMarshaler   = (*UserCredentials)(nil)
	_ encoding.BinaryUnmarshaler = (*UserCredentials)(nil)
)

func (c *UserCredentials) MarshalBinary() ([]byte, error) {
	data := make([]byte, UserCredentialsSize)

	putCString(data[0:usernameSize], c.Username)
	putCString(data[usernameSize:usernameSize+passwordSize], c.Password)
	putCString(data[usernameSize+passwordSize:], c.UniqueID)

	return data, nil
}

// UnmarshalBinary accepts short records (missing tail fields are empty) and
// rejects oversized ones.
func (c *UserCredentials) UnmarshalBinary(data []byte) error {
	if len(data) > UserCredentialsSize {
		return fmt.Errorf("credentials too large (got %d; max %d)", len(data), UserCredentialsSize)
	}

	padded := make([]byte, UserCredentialsSize)
	copy(padded, data)

	c.Username = cString(padded[0:usernameSize])
	c.Password = cString(padded[usernameSize : usernameSize+passwordSize])
	c.UniqueID = cString(padded[usernameSize+passwordSize:])

	return nil
}

type Vector3 struct {
	X, Y, Z float32
}

var (
	_ encoding.BinaryMarshaler   = (*Vector3)(nil)
	_ encoding.BinaryUnmarshaler = (*Vector3)(nil)
)

func (v *Vector3) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.Write(byteorder.Htonf(v.X))
	buf.Write(byteorder.Htonf(v.Y))
	buf.Write(byteorder.Htonf(v.Z))

	return buf.Bytes(), nil
}

func (v *Vector3) UnmarshalBinary(data []byte) error {
	debug.Assert(len(data) == 12)

	v.X = byteorder.Ntohf(data[0:4])
	v.Y = byteorder.Ntohf(data[4:8])
	v.Z = byteorder.Ntohf(data[8:12])

	return nil
}

func (v Vector3) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", v.X, v.Y, v.Z)
}

// VehicleStateSize is the size of the fixed prefix of a VEHICLE_DATA payload.
// node data that may follow it is relayed untouched.
const VehicleStateSize = 28

type VehicleState struct {
	Time        int32
	EngineSpeed float32
	EngineForce float32
	Flags       uint32
	Position    Vector3
}

var (
	_ encoding.BinaryMarshaler   = (*VehicleState)(nil)
	_ encoding.BinaryUnmarshaler = (*VehicleState)(nil)
)

func (s *VehicleState) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.Write(byteorder.Htonl(uint32(s.Time)))
	buf.Write(byteorder.Htonf(s.EngineSpeed))
	buf.Write(byteorder.Htonf(s.EngineForce))
	buf.Write(byteorder.Htonl(s.Flags))

	position, err := s.Position.MarshalBinary()
	debug.Assert(err == nil)
	buf.Write(position)

	data := buf.Bytes()
	debug.Assert(len(data) == VehicleStateSize)

	return data, nil
}

func (s *VehicleState) UnmarshalBinary(data []byte) error {
	if len(data) < VehicleStateSize {
		return fmt.Errorf("vehicle state too small (got %d; want >= %d)", len(data), VehicleStateSize)
	}

	s.Time = int32(byteorder.Ntohl(data[0:4]))
	s.EngineSpeed = byteorder.Ntohf(data[4:8])
	s.EngineForce = byteorder.Ntohf(data[8:12])
	s.Flags = byteorder.Ntohl(data[12:16])

	return s.Position.UnmarshalBinary(data[16:28])
}

// VehicleRegistration is the USE_VEHICLE payload. clients send the vehicle
// name only, the relay appends the owner's nickname before fanning it out.
type VehicleRegistration struct {
	Vehicle  string
	Nickname string
}

var (
	_ encoding.BinaryMarshaler   = (*VehicleRegistration)(nil)
	_ encoding.BinaryUnmarshaler = (*VehicleRegistration)(nil)
)

func (r *VehicleRegistration) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.WriteString(r.Vehicle)
	buf.WriteByte(0)
	if r.Nickname != "" {
		buf.WriteString(r.Nickname)
		buf.WriteByte(0)
	}

	return buf.Bytes(), nil
}

func (r *VehicleRegistration) UnmarshalBinary(data []byte) error {
	parts := bytes.SplitN(data, []byte{0}, 3)
	r.Vehicle = string(parts[0])
	r.Nickname = ""
	if len(parts) > 1 {
		r.Nickname = cString(parts[1])
	}
	return nil
}

const NetForceSize = 20

// NetForce is the FORCE payload, delivered only to TargetUID.
type NetForce struct {
	TargetUID uint32
	NodeID    uint32
	Force     Vector3
}

var (
	_ encoding.BinaryMarshaler   = (*NetForce)(nil)
	_ encoding.BinaryUnmarshaler = (*NetForce)(nil)
)

func (f *NetForce) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.Write(byteorder.Htonl(f.TargetUID))
	buf.Write(byteorder.Htonl(f.NodeID))

	force, err := f.Force.MarshalBinary()
	debug.Assert(err == nil)
	buf.Write(force)

	return buf.Bytes(), nil
}

func (f *NetForce) UnmarshalBinary(data []byte) error {
	if len(data) < NetForceSize {
		return fmt.Errorf("force too small (got %d; want >= %d)", len(data), NetForceSize)
	}

	f.TargetUID = byteorder.Ntohl(data[0:4])
	f.NodeID = byteorder.Ntohl(data[4:8])

	return f.Force.UnmarshalBinary(data[8:20])
}

// PrivateChat is the PRIVATE_CHAT payload. the text is delivered to
// TargetUID as a regular CHAT frame.
type PrivateChat struct {
	TargetUID uint32
	Text      string
}

var (
	_ encoding.BinaryMarshaler   = (*PrivateChat)(nil)
	_ encoding.BinaryUnmarshaler = (*PrivateChat)(nil)
)

func (c *PrivateChat) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.Write(byteorder.Htonl(c.TargetUID))
	buf.WriteString(c.Text)

	return buf.Bytes(), nil
}

func (c *PrivateChat) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("private chat too small (got %d; want >= 4)", len(data))
	}

	c.TargetUID = byteorder.Ntohl(data[0:4])
	c.Text = cString(data[4:])

	return nil
}

// Text decodes a string payload (chat, version, terrain, rcon).
func Text(payload []byte) string {
	return cString(payload)
}

// TextPayload encodes text for a frame. text longer than MaxPayloadSize is
// cut on a rune boundary.
func TextPayload(text string) []byte {
	if len(text) <= MaxPayloadSize {
		return []byte(text)
	}
	cut := MaxPayloadSize
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return []byte(text[:cut])
}
