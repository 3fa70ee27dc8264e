package rxminer

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"

	"github.com/onemorebsmith/rxstratum/src/digest"
	"github.com/onemorebsmith/rxstratum/src/gostratum"
	"github.com/pkg/errors"
)

// Job is immutable once published. A new notification replaces it wholesale.
type Job struct {
	ID         string
	Blob       []byte
	Target     uint64
	Seed       []byte
	Extranonce []byte
	Algorithm  string
	Height     uint64
}

// JobParams is the wire shape of a job, both inside the login result and in
// "job" notifications.
type JobParams struct {
	JobID    string `json:"job_id"`
	Blob     string `json:"blob"`
	Target   string `json:"target"`
	SeedHash string `json:"seed_hash,omitempty"`
	Algo     string `json:"algo,omitempty"`
	Height   uint64 `json:"height,omitempty"`
	Id       string `json:"id,omitempty"`
}

// ParseTarget decodes a pool target. 4 byte targets are the compact
// CryptoNote form and get expanded to 64 bits, 8 byte targets are taken as
// little endian u64 values.
func ParseTarget(in string) (uint64, error) {
	raw, err := hex.DecodeString(in)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidJob, "target %q is not hex", in)
	}
	switch len(raw) {
	case 4:
		t32 := binary.LittleEndian.Uint32(raw)
		if t32 == 0 {
			return 0, errors.Wrap(ErrInvalidJob, "zero target")
		}
		return math.MaxUint64 / (math.MaxUint32 / uint64(t32)), nil
	case 8:
		target := binary.LittleEndian.Uint64(raw)
		if target == 0 {
			return 0, errors.Wrap(ErrInvalidJob, "zero target")
		}
		return target, nil
	}
	return 0, errors.Wrapf(ErrInvalidJob, "target %q must be 4 or 8 bytes", in)
}

// EncodeTarget is the 8 byte little endian form understood by ParseTarget.
func EncodeTarget(target uint64) string {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, target)
	return hex.EncodeToString(raw)
}

// DefaultTarget is the "ffffffff" compact target, used for notifications
// that arrive before the pool has said anything about difficulty.
const DefaultTarget uint64 = math.MaxUint64

func TargetFromDifficulty(diff uint64) uint64 {
	if diff <= 1 {
		return math.MaxUint64
	}
	return math.MaxUint64 / diff
}

func DifficultyFromTarget(target uint64) uint64 {
	if target == 0 {
		return math.MaxUint64
	}
	return math.MaxUint64 / target
}

// ToJob validates the wire job. fallbackTarget is used when the pool left the
// target out, which only happens on mining.notify after set_difficulty.
func (p JobParams) ToJob(fallbackTarget uint64, extranonce []byte) (*Job, error) {
	if p.JobID == "" {
		return nil, errors.Wrap(ErrInvalidJob, "missing job_id")
	}
	blob, err := hex.DecodeString(p.Blob)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidJob, "blob for job %s is not hex", p.JobID)
	}
	if len(blob) < digest.MinBlobSize {
		return nil, errors.Wrapf(ErrInvalidJob, "blob for job %s is %d bytes, need %d", p.JobID, len(blob), digest.MinBlobSize)
	}
	target := fallbackTarget
	if p.Target != "" {
		if target, err = ParseTarget(p.Target); err != nil {
			return nil, err
		}
	}
	if target == 0 {
		return nil, errors.Wrapf(ErrInvalidJob, "job %s has no target", p.JobID)
	}
	seed, err := hex.DecodeString(p.SeedHash)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidJob, "seed_hash for job %s is not hex", p.JobID)
	}
	if len(extranonce) > maxExtranonceBytes {
		return nil, errors.Wrapf(ErrInvalidJob, "extranonce of %d bytes leaves no nonce space", len(extranonce))
	}
	return &Job{
		ID:         p.JobID,
		Blob:       blob,
		Target:     target,
		Seed:       seed,
		Extranonce: append([]byte(nil), extranonce...),
		Algorithm:  p.Algo,
		Height:     p.Height,
	}, nil
}

// ParseJobParams accepts the object form used by "job" notifications and the
// positional [job_id, blob, seed_hash, ..., target] form of mining.notify.
func ParseJobParams(raw json.RawMessage) (JobParams, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return JobParams{}, errors.Wrap(ErrInvalidJob, "empty job params")
	}
	if raw[0] == '{' {
		var params struct {
			JobParams
			BlobHex     string `json:"blob_hex"`
			SeedHashHex string `json:"seed_hash_hex"`
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			return JobParams{}, errors.Wrap(ErrInvalidJob, err.Error())
		}
		// some pools spell the hex fields out in their mining.notify objects
		if params.Blob == "" {
			params.Blob = params.BlobHex
		}
		if params.SeedHash == "" {
			params.SeedHash = params.SeedHashHex
		}
		return params.JobParams, nil
	}
	var positional []any
	if err := json.Unmarshal(raw, &positional); err != nil {
		return JobParams{}, errors.Wrap(ErrInvalidJob, err.Error())
	}
	if len(positional) == 1 {
		// some pools wrap the object in a one element array
		if obj, ok := positional[0].(map[string]any); ok {
			encoded, _ := json.Marshal(obj)
			return ParseJobParams(encoded)
		}
	}
	if len(positional) < 2 {
		return JobParams{}, errors.Wrapf(ErrInvalidJob, "notify carries %d params", len(positional))
	}
	str := func(i int) string {
		if i >= len(positional) {
			return ""
		}
		s, _ := positional[i].(string)
		return s
	}
	return JobParams{
		JobID:    str(0),
		Blob:     str(1),
		SeedHash: str(2),
		Target:   str(6),
	}, nil
}

func (j *Job) Params() JobParams {
	return JobParams{
		JobID:    j.ID,
		Blob:     hex.EncodeToString(j.Blob),
		Target:   EncodeTarget(j.Target),
		SeedHash: hex.EncodeToString(j.Seed),
		Algo:     j.Algorithm,
		Height:   j.Height,
	}
}

// Notification renders the job as the "job" notification a pool would send.
func (j *Job) Notification() gostratum.JsonRpcEvent {
	return gostratum.NewEvent(nil, gostratum.StratumMethodJob, j.Params())
}

// WithExtranonce copies the job under a different pool nonce prefix.
func (j *Job) WithExtranonce(extranonce []byte) *Job {
	clone := *j
	clone.Extranonce = append([]byte(nil), extranonce...)
	return &clone
}
