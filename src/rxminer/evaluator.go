package rxminer

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/onemorebsmith/rxstratum/src/digest"
)

// pools compare the last 8 bytes of the digest, read little endian
const hashValueOffset = 24

func HashValue(d digest.Digest) uint64 {
	return binary.LittleEndian.Uint64(d[hashValueOffset:])
}

func IsValid(hashValue, target uint64) bool {
	return hashValue <= target
}

type Share struct {
	JobID      string
	Generation uint64
	Nonce      uint32
	Digest     digest.Digest
	HashValue  uint64
	Worker     int
	FoundAt    time.Time
}

func (s Share) NonceHex() string {
	return hex.EncodeToString(digest.NonceBytes(s.Nonce))
}

func (s Share) ResultHex() string {
	return hex.EncodeToString(s.Digest[:])
}
