package testmocks

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onemorebsmith/rxstratum/src/gostratum"
	"github.com/pkg/errors"
)

// MockPool is a real tcp listener on loopback. Tests script the pool side by
// accepting connections and reading/writing lines on them.
type MockPool struct {
	Addr     string
	listener net.Listener
	conns    chan *PoolConn
	lock     sync.Mutex
	accepted []*PoolConn
}

type PoolConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func NewMockPool(t testing.TB) *MockPool {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start mock pool: %s", err)
	}
	pool := &MockPool{
		Addr:     listener.Addr().String(),
		listener: listener,
		conns:    make(chan *PoolConn, 16),
	}
	go pool.acceptLoop()
	t.Cleanup(pool.Close)
	return pool
}

func (p *MockPool) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			close(p.conns)
			return
		}
		pc := &PoolConn{conn: conn, reader: bufio.NewReader(conn)}
		p.lock.Lock()
		p.accepted = append(p.accepted, pc)
		p.lock.Unlock()
		p.conns <- pc
	}
}

func (p *MockPool) Accept(timeout time.Duration) (*PoolConn, error) {
	select {
	case pc, ok := <-p.conns:
		if !ok {
			return nil, errors.New("mock pool closed")
		}
		return pc, nil
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for miner to connect")
	}
}

func (p *MockPool) Close() {
	p.listener.Close()
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, pc := range p.accepted {
		pc.Close()
	}
}

func (pc *PoolConn) ReadMessage(timeout time.Duration) (gostratum.JsonRpcMessage, error) {
	pc.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := pc.reader.ReadString('\n')
	if err != nil {
		return gostratum.JsonRpcMessage{}, errors.Wrap(err, "failed reading from miner")
	}
	return gostratum.UnmarshalMessage(strings.TrimSpace(line))
}

// ReadMethod skips messages until one with the given method shows up.
func (pc *PoolConn) ReadMethod(method gostratum.StratumMethod, timeout time.Duration) (gostratum.JsonRpcMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return gostratum.JsonRpcMessage{}, errors.Errorf("timed out waiting for %s", method)
		}
		msg, err := pc.ReadMessage(remaining)
		if err != nil {
			return msg, err
		}
		if msg.Method == method {
			return msg, nil
		}
	}
}

func (pc *PoolConn) Write(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	pc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := pc.conn.Write([]byte(line))
	return err
}

func (pc *PoolConn) Close() error {
	return pc.conn.Close()
}
