package rxminer

import (
	"github.com/pkg/errors"
)

const maxExtranonceBytes = 3

// NonceRange is inclusive on both ends.
type NonceRange struct {
	Start uint32
	End   uint32
}

func (r NonceRange) Contains(nonce uint32) bool {
	return nonce >= r.Start && nonce <= r.End
}

func (r NonceRange) Size() uint64 {
	return uint64(r.End) - uint64(r.Start) + 1
}

// Next walks the range and wraps back to Start after End.
func (r NonceRange) Next(nonce uint32) uint32 {
	if nonce >= r.End || nonce < r.Start {
		return r.Start
	}
	return nonce + 1
}

// PartitionNonces splits the nonce space left over by the pool's extranonce
// into one contiguous band per worker. The extranonce occupies the high
// bytes of the 32 bit nonce, bands cover the low bits between them without
// gaps or overlap.
func PartitionNonces(workers int, extranonce []byte) ([]NonceRange, error) {
	if workers < 1 {
		return nil, errors.Errorf("cannot partition nonces for %d workers", workers)
	}
	if len(extranonce) > maxExtranonceBytes {
		return nil, errors.Errorf("extranonce of %d bytes leaves no nonce space", len(extranonce))
	}
	freeBits := uint(32 - 8*len(extranonce))
	space := uint64(1) << freeBits
	if uint64(workers) > space {
		return nil, errors.Errorf("%d workers do not fit into %d nonces", workers, space)
	}
	var prefix uint64
	for _, b := range extranonce {
		prefix = prefix<<8 | uint64(b)
	}
	base := prefix << freeBits

	ranges := make([]NonceRange, workers)
	band := space / uint64(workers)
	remainder := space % uint64(workers)
	start := uint64(0)
	for i := 0; i < workers; i++ {
		size := band
		if uint64(i) < remainder {
			size++
		}
		ranges[i] = NonceRange{
			Start: uint32(base + start),
			End:   uint32(base + start + size - 1),
		}
		start += size
	}
	return ranges, nil
}
