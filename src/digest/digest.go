// Package digest is the boundary around the proof of work hash function. The
// rest of the miner only ever sees compute(blob, nonce) -> 32 byte digest.
package digest

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	DigestSize = 32
	// NonceOffset is where CryptoNote style hashing blobs keep the 4 byte
	// little endian nonce.
	NonceOffset = 39
	MinBlobSize = NonceOffset + 4
)

type Digest [DigestSize]byte

type Profile string

const (
	ProfileFull  Profile = "full"
	ProfileLight Profile = "light"
)

func ParseProfile(s string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case ProfileFull, "":
		return ProfileFull, nil
	case ProfileLight:
		return ProfileLight, nil
	}
	return "", fmt.Errorf("unknown hashing profile %q, expected full or light", s)
}

// Engine builds per-seed hashing handles. Handles for the same seed may share
// memory, so callers must Close every handle they get.
type Engine interface {
	Name() string
	Init(seed []byte) (Handle, error)
}

// Handle computes digests for one seed. Compute writes the nonce into blob in
// place, the caller owns blob and must not share it across goroutines.
type Handle interface {
	Compute(blob []byte, nonce uint32) (Digest, error)
	Close()
}

type EngineError struct {
	Engine string
	Op     string
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s engine failed to %s: %s", e.Engine, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

var ErrShortBlob = fmt.Errorf("hashing blob shorter than %d bytes", MinBlobSize)

func PutNonce(blob []byte, nonce uint32) error {
	if len(blob) < MinBlobSize {
		return ErrShortBlob
	}
	binary.LittleEndian.PutUint32(blob[NonceOffset:], nonce)
	return nil
}

// NonceBytes is the wire form of a nonce as pools expect it in submits.
func NonceBytes(nonce uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, nonce)
	return out
}

const (
	mib             = 1024 * 1024
	cacheBytes      = 256 * mib
	datasetBytes    = 2080 * mib
	scratchpadBytes = 2 * mib
)

// MemoryRequirement estimates how much memory a profile needs with one shared
// dataset and a scratchpad per thread.
func MemoryRequirement(profile Profile, threads int) uint64 {
	total := uint64(cacheBytes) + uint64(threads)*scratchpadBytes
	if profile == ProfileFull {
		total += datasetBytes
	}
	return total
}
