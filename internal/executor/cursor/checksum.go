package cursor

import (
	"encoding/base64"
	"time"
)

// jyhSeed is the running XOR key's starting value, per spec.md §4.B:
// "XOR-chained with a running key seeded at 165".
const jyhSeed = byte(165)

// ComputeChecksum signs a Cursor request: floor-of-1e6-microseconds
// timestamp, XOR-chained with a running key seeded at 165, base64-URL
// encoded, then appended to the machine ID. The exact upstream window and
// rotation cadence are undocumented (spec.md §9 open question 1); this
// implements the algorithm literally with no invented rotation.
func ComputeChecksum(machineID string) string {
	return computeChecksumAt(machineID, time.Now().UnixMicro())
}

func computeChecksumAt(machineID string, unixMicro int64) string {
	seconds := unixMicro / 1_000_000

	buf := make([]byte, 6)
	v := seconds
	for i := 5; i >= 0; i-- {
		buf[i] = byte(v & 0xff)
		v >>= 8
	}

	key := jyhSeed
	ciphered := make([]byte, 6)
	for i, b := range buf {
		x := b ^ key
		ciphered[i] = x
		key = x
	}

	return machineID + base64.RawURLEncoding.EncodeToString(ciphered)
}
