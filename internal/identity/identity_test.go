package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"math/bits"
	"testing"
)

// littleEndianFold is the original derivation: fold little-endian words,
// then swap to network order.
func littleEndianFold(phrase string) uint64 {
	sum := sha256.Sum256([]byte(phrase))
	var v uint64
	for i := 0; i < len(sum); i += 8 {
		v ^= binary.LittleEndian.Uint64(sum[i : i+8])
	}
	return bits.ReverseBytes64(v)
}

func TestHashMatchesLittleEndianFold(t *testing.T) {
	for _, p := range []string{"", "account", "device-1", "ünïcødé"} {
		if got, want := Hash64(p), littleEndianFold(p); got != want {
			t.Fatalf("Hash64(%q) = %x; want %x", p, got, want)
		}
	}
}

func TestHash63(t *testing.T) {
	a := Hash63("alice")
	if a>>63 != 0 {
		t.Fatalf("top bit set: %x", a)
	}
	if a != Hash63("alice") {
		t.Fatalf("hash is not stable")
	}
	if a == Hash63("bob") {
		t.Fatalf("distinct phrases collide")
	}
}

func TestRand63(t *testing.T) {
	seen := map[uint64]bool{}
	for i := 0; i < 1000; i++ {
		v := Rand63()
		if v == 0 || v>>63 != 0 {
			t.Fatalf("bad id %x", v)
		}
		seen[v] = true
	}
	if len(seen) < 1000 {
		t.Fatalf("duplicates in 1000 random ids")
	}
}

func TestDefaultDeviceName(t *testing.T) {
	if DefaultDeviceName() == "" {
		t.Fatalf("empty device name")
	}
}
