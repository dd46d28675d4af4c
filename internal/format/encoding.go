package format

import "encoding/binary"

// Little-endian integer encoding for header fields. encoding/binary is
// already inlined well by the compiler; there is nothing to gain from
// unsafe loads here.

// PutU32 writes v at b[off:off+4].
func PutU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// PutU64 writes v at b[off:off+8].
func PutU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

// ReadU32 reads the uint32 at b[off:off+4].
func ReadU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// ReadU64 reads the uint64 at b[off:off+8].
func ReadU64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}
