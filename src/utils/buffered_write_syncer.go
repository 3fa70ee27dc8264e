package utils

import (
	"bufio"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

const (
	defaultBufferSize    = 256 * 1024
	defaultFlushInterval = 5 * time.Second
	lockAttempts         = 5
	lockBackoff          = time.Millisecond
)

// BufferedWriteSyncer batches writes in memory and flushes them to the
// wrapped WriteSyncer when the buffer fills up or on a fixed interval. Writers
// never wait long: if the buffer stays locked for a few attempts the write is
// dropped and counted instead of stalling the caller.
type BufferedWriteSyncer struct {
	ws       zapcore.WriteSyncer
	mu       sync.Mutex
	writer   *bufio.Writer
	ticker   *time.Ticker
	stop     chan struct{}
	done     chan struct{}
	stopped  bool
	dropped  atomic.Uint64
	stopOnce sync.Once
}

func NewBufferedWriteSyncer(ws zapcore.WriteSyncer, size int, flushInterval time.Duration) *BufferedWriteSyncer {
	if size <= 0 {
		size = defaultBufferSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	s := &BufferedWriteSyncer{
		ws:     ws,
		writer: bufio.NewWriterSize(ws, size),
		ticker: time.NewTicker(flushInterval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

func (s *BufferedWriteSyncer) Write(bs []byte) (int, error) {
	locked := false
	for i := 0; i < lockAttempts; i++ {
		if locked = s.mu.TryLock(); locked {
			break
		}
		time.Sleep(lockBackoff)
	}
	if !locked {
		s.dropped.Add(1)
		return len(bs), nil
	}
	defer s.mu.Unlock()

	if s.stopped {
		s.dropped.Add(1)
		return len(bs), nil
	}
	// flush first so a record is never split across two flushes
	if len(bs) > s.writer.Available() && s.writer.Buffered() > 0 {
		if err := s.writer.Flush(); err != nil {
			return 0, err
		}
	}
	return s.writer.Write(bs)
}

// Dropped is the number of writes discarded because the buffer was busy.
func (s *BufferedWriteSyncer) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *BufferedWriteSyncer) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return multierr.Append(s.writer.Flush(), s.ws.Sync())
}

func (s *BufferedWriteSyncer) flushLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.ticker.C:
			// bufio keeps the error around, Stop reports it
			_ = s.Sync()
		case <-s.stop:
			return
		}
	}
}

// Stop ends the flush loop and writes out whatever is still buffered.
func (s *BufferedWriteSyncer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.ticker.Stop()
		close(s.stop)
		<-s.done
		err = s.Sync()
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
	})
	return err
}
