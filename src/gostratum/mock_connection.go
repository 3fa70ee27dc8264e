package gostratum

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// MockConnection is an in memory net.Conn. Data queued with
// AsyncWriteTestDataToReadBuffer is what the code under test reads, anything
// it writes shows up in ReadTestDataFromBuffer.
type MockConnection struct {
	id       string
	lock     sync.Mutex
	inChan   chan []byte
	outChan  chan []byte
	closed   chan struct{}
	once     sync.Once
	pending  []byte
	deadline time.Time
}

var channelCounter int32

func NewMockConnection() *MockConnection {
	return &MockConnection{
		id:      fmt.Sprintf("mc_%d", atomic.AddInt32(&channelCounter, 1)),
		inChan:  make(chan []byte, 64),
		outChan: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (mc *MockConnection) AsyncWriteTestDataToReadBuffer(s string) {
	go func() {
		select {
		case mc.inChan <- []byte(s):
		case <-mc.closed:
		}
	}()
}

// ReadTestDataFromBuffer waits up to timeout for the next write made by the
// code under test.
func (mc *MockConnection) ReadTestDataFromBuffer(timeout time.Duration) ([]byte, error) {
	select {
	case data := <-mc.outChan:
		return data, nil
	case <-time.After(timeout):
		return nil, os.ErrDeadlineExceeded
	}
}

func (mc *MockConnection) Read(b []byte) (int, error) {
	mc.lock.Lock()
	if len(mc.pending) > 0 {
		n := copy(b, mc.pending)
		mc.pending = mc.pending[n:]
		mc.lock.Unlock()
		return n, nil
	}
	deadline := mc.deadline
	mc.lock.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data := <-mc.inChan:
		n := copy(b, data)
		if n < len(data) {
			mc.lock.Lock()
			mc.pending = append(mc.pending, data[n:]...)
			mc.lock.Unlock()
		}
		return n, nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	case <-mc.closed:
		return 0, net.ErrClosed
	}
}

func (mc *MockConnection) Write(b []byte) (int, error) {
	buf := make([]byte, len(b))
	copy(buf, b)
	select {
	case mc.outChan <- buf:
		return len(b), nil
	case <-mc.closed:
		return 0, net.ErrClosed
	}
}

func (mc *MockConnection) Close() error {
	mc.once.Do(func() { close(mc.closed) })
	return nil
}

type MockAddr struct {
	id string
}

func (ma MockAddr) Network() string { return "mock" }
func (ma MockAddr) String() string  { return ma.id }

func (mc *MockConnection) LocalAddr() net.Addr {
	return MockAddr{id: mc.id}
}

func (mc *MockConnection) RemoteAddr() net.Addr {
	return MockAddr{id: mc.id}
}

func (mc *MockConnection) SetDeadline(t time.Time) error {
	return mc.SetReadDeadline(t)
}

func (mc *MockConnection) SetReadDeadline(t time.Time) error {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.deadline = t
	return nil
}

func (mc *MockConnection) SetWriteDeadline(t time.Time) error {
	return nil
}
