package gostratum

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type JsonRpcEvent struct {
	Id      any           `json:"id"` // id can be nil, a string, or an int 🙄
	Version string        `json:"jsonrpc,omitempty"`
	Method  StratumMethod `json:"method"`
	Params  any           `json:"params"`
}

type JsonRpcResponse struct {
	Id      any           `json:"id"`
	Version string        `json:"jsonrpc,omitempty"`
	Result  any           `json:"result"`
	Error   *JsonRpcError `json:"error"`
}

// JsonRpcMessage is an inbound line before we know whether it is a
// notification from the pool or a response to one of our requests.
type JsonRpcMessage struct {
	Id      json.RawMessage `json:"id"`
	Version string          `json:"jsonrpc"`
	Method  StratumMethod   `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *JsonRpcError   `json:"error"`
}

type JsonRpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *JsonRpcError) Error() string {
	return fmt.Sprintf("pool error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts both the object form {"code":..,"message":..} and
// the array form [code, "message", data] that some pools still send.
func (e *JsonRpcError) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '{':
		type plain JsonRpcError
		var p plain
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*e = JsonRpcError(p)
		return nil
	case '[':
		var parts []any
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if len(parts) > 0 {
			if code, ok := parts[0].(float64); ok {
				e.Code = int(code)
			}
		}
		if len(parts) > 1 {
			if msg, ok := parts[1].(string); ok {
				e.Message = msg
			}
		}
		return nil
	case '"':
		return json.Unmarshal(data, &e.Message)
	}
	return fmt.Errorf("unexpected jsonrpc error shape: %s", string(data))
}

func NewEvent(id any, method StratumMethod, params any) JsonRpcEvent {
	return JsonRpcEvent{
		Id:      id,
		Version: "2.0",
		Method:  method,
		Params:  params,
	}
}

func NewResponse(id any, result any, err *JsonRpcError) JsonRpcResponse {
	return JsonRpcResponse{
		Id:      id,
		Version: "2.0",
		Result:  result,
		Error:   err,
	}
}

func UnmarshalMessage(in string) (JsonRpcMessage, error) {
	msg := JsonRpcMessage{}
	if err := json.Unmarshal([]byte(in), &msg); err != nil {
		return JsonRpcMessage{}, err
	}
	return msg, nil
}

// IsRequest reports whether the message is a pool initiated call rather than
// a response to something we sent.
func (m JsonRpcMessage) IsRequest() bool {
	return len(m.Method) > 0
}

// IntId returns the numeric id of the message. Pools echo our ids back either
// as numbers or as quoted numbers.
func (m JsonRpcMessage) IntId() (int64, bool) {
	raw := bytes.TrimSpace(m.Id)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, false
	}
	parsed, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func (m JsonRpcMessage) HasResult() bool {
	raw := bytes.TrimSpace(m.Result)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}
