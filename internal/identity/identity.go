// Package identity derives the 63-bit ids used on the wire.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

const mask63 = 0x7FFFFFFFFFFFFFFF

// Hash64 folds the SHA-256 of phrase into 64 bits by XOR of its four
// big-endian words.
func Hash64(phrase string) uint64 {
	sum := sha256.Sum256([]byte(phrase))
	var v uint64
	for i := 0; i < len(sum); i += 8 {
		v ^= binary.BigEndian.Uint64(sum[i : i+8])
	}
	return v
}

// Hash63 is Hash64 with the top bit cleared.
func Hash63(phrase string) uint64 { return Hash64(phrase) & mask63 }

// Rand63 returns a random id with the top bit cleared. It never returns 0.
func Rand63() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(err)
		}
		if v := binary.BigEndian.Uint64(b[:]) & mask63; v != 0 {
			return v
		}
	}
}

// DefaultDeviceName returns the host name, or a random name when the host
// cannot be queried.
func DefaultDeviceName() string {
	if info, err := host.Info(); err == nil && strings.TrimSpace(info.Hostname) != "" {
		return info.Hostname
	}
	return "device-" + uuid.NewString()[:8]
}
