package gostratum

import (
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func testLogger() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(colorable.NewColorableStdout()),
		zapcore.DebugLevel,
	)).Sugar()
}

func TestErrorShapes(t *testing.T) {
	cases := map[string]*JsonRpcError{
		`{"id":1,"result":null,"error":{"code":-1,"message":"Low difficulty share"}}`: {Code: -1, Message: "Low difficulty share"},
		`{"id":1,"result":null,"error":[23,"Invalid difficulty",null]}`:                {Code: 23, Message: "Invalid difficulty"},
		`{"id":1,"result":{"status":"OK"},"error":null}`:                              nil,
	}
	for line, expected := range cases {
		msg, err := UnmarshalMessage(line)
		if err != nil {
			t.Fatalf("failed to parse %s: %s", line, err)
		}
		if d := cmp.Diff(expected, msg.Error); d != "" {
			t.Errorf("error parsed incorrectly for %s: %s", line, d)
		}
		if msg.IsRequest() {
			t.Errorf("response %s classified as request", line)
		}
	}
}

func TestIntId(t *testing.T) {
	cases := map[string]struct {
		id int64
		ok bool
	}{
		`{"id":7,"result":true}`:    {7, true},
		`{"id":"12","result":true}`: {12, true},
		`{"id":null,"method":"job"}`: {0, false},
		`{"method":"job"}`:           {0, false},
		`{"id":"abc","result":true}`: {0, false},
	}
	for line, expected := range cases {
		msg, err := UnmarshalMessage(line)
		if err != nil {
			t.Fatalf("failed to parse %s: %s", line, err)
		}
		id, ok := msg.IntId()
		if id != expected.id || ok != expected.ok {
			t.Errorf("wrong id for %s, expected (%d, %t) got (%d, %t)", line, expected.id, expected.ok, id, ok)
		}
	}
}

func TestSendAndReadLine(t *testing.T) {
	mc := NewMockConnection()
	sc := NewStratumConn(mc, testLogger())

	id := sc.NextId()
	if id != 1 {
		t.Fatalf("expected first id to be 1, got %d", id)
	}
	if err := sc.Send(NewEvent(id, StratumMethodKeepAlive, map[string]string{"id": "abc"})); err != nil {
		t.Fatalf("send failed: %s", err)
	}
	written, err := mc.ReadTestDataFromBuffer(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if written[len(written)-1] != '\n' {
		t.Fatalf("event not newline terminated: %q", written)
	}
	event := map[string]any{}
	if err := json.Unmarshal(written, &event); err != nil {
		t.Fatal(err)
	}
	if event["method"] != "keepalived" {
		t.Errorf("unexpected method %v", event["method"])
	}

	// a line split across reads and padded with nulls arrives as one line
	mc.AsyncWriteTestDataToReadBuffer("\x00{\"id\":1,")
	time.Sleep(10 * time.Millisecond)
	mc.AsyncWriteTestDataToReadBuffer("\"result\":true}\n\n")
	line, err := sc.ReadLine(time.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff(`{"id":1,"result":true}`, line); d != "" {
		t.Errorf("wrong line read: %s", d)
	}

	if _, err := sc.ReadLine(time.Now().Add(20 * time.Millisecond)); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}

	sc.Disconnect()
	if sc.Connected() {
		t.Errorf("connection still reported as connected")
	}
	if err := sc.Send(NewEvent(sc.NextId(), StratumMethodKeepAlive, nil)); !errors.Is(err, ErrorDisconnected) {
		t.Errorf("expected ErrorDisconnected after disconnect, got %v", err)
	}
}

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in      string
		address string
		tls     bool
		fails   bool
	}{
		{"pool.example.com:3333", "pool.example.com:3333", false, false},
		{"stratum+tcp://pool.example.com:3333", "pool.example.com:3333", false, false},
		{"stratum+ssl://pool.example.com:443/", "pool.example.com:443", true, false},
		{"http://pool.example.com:80", "", false, true},
		{"pool.example.com", "", false, true},
	}
	for _, c := range cases {
		address, useTLS, err := ParseAddress(c.in)
		if c.fails {
			if err == nil {
				t.Errorf("expected %s to fail", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("unexpected error for %s: %s", c.in, err)
			continue
		}
		if address != c.address || useTLS != c.tls {
			t.Errorf("wrong parse for %s: %s %t", c.in, address, useTLS)
		}
	}
}
