package byteorder

import (
	"encoding/binary"
	"math"
)

// https://linux.die.net/man/3/ntohl
//
// h = host, n = network, l = long (32 bit), f = float (ieee 754, 32 bit)

func Htonl(val uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)
	return buf
}

func Ntohl(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

func Htonf(val float32) []byte {
	return Htonl(math.Float32bits(val))
}

func Ntohf(buf []byte) float32 {
	return math.Float32frombits(Ntohl(buf))
}
