package format

import "testing"

func TestEncodingRoundTrip(t *testing.T) {
	b := make([]byte, 16)
	PutU32(b, 0, 0xDEADBEEF)
	PutU64(b, 8, 0x0102030405060708)
	if b[0] != 0xEF || b[3] != 0xDE {
		t.Fatalf("PutU32 is not little-endian: % x", b[:4])
	}
	if ReadU32(b, 0) != 0xDEADBEEF {
		t.Fatalf("ReadU32=%#x", ReadU32(b, 0))
	}
	if ReadU64(b, 8) != 0x0102030405060708 {
		t.Fatalf("ReadU64=%#x", ReadU64(b, 8))
	}
}
