package zigzag

// NOTE(blukai): source ids are signed on the wire (-1 means "the server"), the
// header stores them unsigned. zigzag keeps small magnitudes small:
//
//	 0 -> 0
//	-1 -> 1
//	 1 -> 2
//	-2 -> 3

func Encode32(n int32) uint32 {
	return uint32((n << 1) ^ (n >> 31))
}

func Decode32(n uint32) int32 {
	return int32(n>>1) ^ -int32(n&1)
}
