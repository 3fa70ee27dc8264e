package digest

import (
	"hash"

	"golang.org/x/crypto/blake2b"
)

// Blake2b is a cheap keyed stand-in for RandomX. The seed is used as the MAC
// key so different seeds still give different digests.
type Blake2b struct{}

func NewBlake2b() *Blake2b {
	return &Blake2b{}
}

func (Blake2b) Name() string {
	return "blake2b"
}

func (b Blake2b) Init(seed []byte) (Handle, error) {
	key := seed
	if len(key) > blake2b.Size {
		key = key[:blake2b.Size]
	}
	hasher, err := blake2b.New256(key)
	if err != nil {
		return nil, &EngineError{Engine: b.Name(), Op: "initialize", Err: err}
	}
	return &blake2bHandle{hasher: hasher}, nil
}

type blake2bHandle struct {
	hasher hash.Hash
}

func (h *blake2bHandle) Compute(blob []byte, nonce uint32) (Digest, error) {
	if err := PutNonce(blob, nonce); err != nil {
		return Digest{}, err
	}
	h.hasher.Reset()
	h.hasher.Write(blob)
	var out Digest
	h.hasher.Sum(out[:0])
	return out, nil
}

func (h *blake2bHandle) Close() {}
