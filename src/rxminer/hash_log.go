package rxminer

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/onemorebsmith/rxstratum/src/utils"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const hashLogQueue = 64 * 1024

// Candidate is one computed hash as written to the analysis log.
type Candidate struct {
	Nonce     uint32
	HashValue uint64
	Target    uint64
	JobID     string
}

func (c Candidate) Valid() bool {
	return IsValid(c.HashValue, c.Target)
}

// String is the log line format: nonce,hash_value,target,job_id
func (c Candidate) String() string {
	var sb strings.Builder
	sb.Grow(48 + len(c.JobID))
	sb.WriteString(strconv.FormatUint(uint64(c.Nonce), 10))
	sb.WriteByte(',')
	sb.WriteString(strconv.FormatUint(c.HashValue, 10))
	sb.WriteByte(',')
	sb.WriteString(strconv.FormatUint(c.Target, 10))
	sb.WriteByte(',')
	sb.WriteString(c.JobID)
	return sb.String()
}

func ParseCandidate(line string) (Candidate, error) {
	parts := strings.SplitN(strings.TrimSpace(line), ",", 4)
	if len(parts) != 4 {
		return Candidate{}, errors.Errorf("expected 4 fields in %q", line)
	}
	nonce, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Candidate{}, errors.Wrapf(err, "bad nonce in %q", line)
	}
	hashValue, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Candidate{}, errors.Wrapf(err, "bad hash value in %q", line)
	}
	target, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Candidate{}, errors.Wrapf(err, "bad target in %q", line)
	}
	return Candidate{
		Nonce:     uint32(nonce),
		HashValue: hashValue,
		Target:    target,
		JobID:     parts[3],
	}, nil
}

// HashLog writes every candidate to a file for offline analysis. Record never
// blocks the hashing loop, candidates that don't fit the queue are counted
// and dropped.
type HashLog struct {
	logger  *zap.SugaredLogger
	file    *os.File
	sink    *utils.BufferedWriteSyncer
	records chan Candidate
	quit    chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

func OpenHashLog(path string, logger *zap.SugaredLogger) (*HashLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed opening hash log %s", path)
	}
	h := &HashLog{
		logger:  logger.With(zap.String("component", "hashlog")),
		file:    file,
		sink:    utils.NewBufferedWriteSyncer(zapcore.AddSync(file), 0, 0),
		records: make(chan Candidate, hashLogQueue),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.writeLoop()
	h.logger.Infof("writing hash analysis log to %s", path)
	return h, nil
}

func (h *HashLog) Record(c Candidate) {
	select {
	case <-h.quit:
		return
	default:
	}
	select {
	case h.records <- c:
	default:
		h.dropped.Add(1)
	}
}

func (h *HashLog) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *HashLog) write(c Candidate) {
	if _, err := h.sink.Write([]byte(c.String() + "\n")); err != nil {
		h.logger.Warnf("failed writing hash log: %s", err)
	}
}

func (h *HashLog) writeLoop() {
	defer close(h.done)
	for {
		select {
		case c := <-h.records:
			h.write(c)
		case <-h.quit:
			for {
				select {
				case c := <-h.records:
					h.write(c)
				default:
					return
				}
			}
		}
	}
}

func (h *HashLog) Close() error {
	close(h.quit)
	<-h.done
	if dropped := h.Dropped(); dropped > 0 {
		h.logger.Warnf("hash log dropped %d candidates", dropped)
	}
	return multierr.Append(h.sink.Stop(), h.file.Close())
}
