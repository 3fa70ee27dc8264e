package gostratum

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const maxLineLength = 64 * 1024

// StratumConn is the client side of a line delimited json-rpc stream. Writes
// may come from several goroutines, reads are expected from exactly one.
type StratumConn struct {
	RemoteAddr    string
	Logger        *zap.SugaredLogger
	connection    net.Conn
	reader        *bufio.Reader
	writeLock     int32
	disconnecting int32
	idCounter     int64
}

var ErrorDisconnected = fmt.Errorf("disconnecting")
var ErrorLineTooLong = fmt.Errorf("line exceeds %d bytes", maxLineLength)

func NewStratumConn(connection net.Conn, logger *zap.SugaredLogger) *StratumConn {
	remote := "unknown"
	if addr := connection.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &StratumConn{
		RemoteAddr: remote,
		Logger:     logger.With(zap.String("remote", remote)),
		connection: connection,
		reader:     bufio.NewReaderSize(connection, 4096),
	}
}

func (sc *StratumConn) Connected() bool {
	return atomic.LoadInt32(&sc.disconnecting) == 0
}

// NextId hands out request ids, starting at 1.
func (sc *StratumConn) NextId() int64 {
	return atomic.AddInt64(&sc.idCounter, 1)
}

func (sc *StratumConn) Send(event JsonRpcEvent) error {
	if !sc.Connected() {
		return ErrorDisconnected
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed encoding jsonrpc event")
	}
	encoded = append(encoded, '\n')
	return sc.writeWithBackoff(encoded)
}

func (sc *StratumConn) Reply(response JsonRpcResponse) error {
	if !sc.Connected() {
		return ErrorDisconnected
	}
	encoded, err := json.Marshal(response)
	if err != nil {
		return errors.Wrap(err, "failed encoding jsonrpc response")
	}
	encoded = append(encoded, '\n')
	return sc.writeWithBackoff(encoded)
}

var errWriteBlocked = fmt.Errorf("error writing to socket, previous write pending")

func (sc *StratumConn) write(data []byte) error {
	if atomic.CompareAndSwapInt32(&sc.writeLock, 0, 1) {
		defer atomic.StoreInt32(&sc.writeLock, 0)
		deadline := time.Now().Add(5 * time.Second)
		if err := sc.connection.SetWriteDeadline(deadline); err != nil {
			return errors.Wrap(err, "failed setting write deadline for connection")
		}
		_, err := sc.connection.Write(data)
		return err
	}
	return errWriteBlocked
}

func (sc *StratumConn) writeWithBackoff(data []byte) error {
	for i := 0; i < 3; i++ {
		err := sc.write(data)
		if err == nil {
			return nil
		} else if err == errWriteBlocked {
			time.Sleep(5 * time.Millisecond)
			continue
		} else {
			return err
		}
	}
	// a healthy socket only blocks here when the pool stopped draining its
	// receive buffer long enough for ours to fill up
	return fmt.Errorf("failed writing to socket after 3 attempts")
}

// ReadLine blocks until a full non-empty line arrives or the deadline passes.
// Null bytes some pools pad their frames with are stripped.
func (sc *StratumConn) ReadLine(deadline time.Time) (string, error) {
	if err := sc.connection.SetReadDeadline(deadline); err != nil {
		return "", errors.Wrap(err, "failed setting read deadline for connection")
	}
	for {
		var line []byte
		for {
			chunk, isPrefix, err := sc.reader.ReadLine()
			if err != nil {
				return "", err
			}
			line = append(line, chunk...)
			if len(line) > maxLineLength {
				return "", ErrorLineTooLong
			}
			if !isPrefix {
				break
			}
		}
		cleaned := strings.TrimSpace(strings.ReplaceAll(string(line), "\x00", ""))
		if len(cleaned) > 0 {
			return cleaned, nil
		}
	}
}

func (sc *StratumConn) Disconnect() error {
	if atomic.CompareAndSwapInt32(&sc.disconnecting, 0, 1) {
		sc.Logger.Debug("disconnecting")
		return sc.connection.Close()
	}
	return nil
}
