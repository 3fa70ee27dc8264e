package rxminer

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/onemorebsmith/rxstratum/src/gostratum"
	"github.com/pkg/errors"
)

type LoginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent"`
	RigID string `json:"rigid,omitempty"`
}

type LoginResult struct {
	Id         string     `json:"id"`
	Job        *JobParams `json:"job"`
	Status     string     `json:"status"`
	Extensions []string   `json:"extensions,omitempty"`
}

type SubmitParams struct {
	Id     string `json:"id"`
	JobID  string `json:"job_id"`
	Nonce  string `json:"nonce"`
	Result string `json:"result"`
}

type KeepAliveParams struct {
	Id string `json:"id"`
}

type StatusResult struct {
	Status string `json:"status"`
}

type MessageKind int

const (
	MessageUnknown MessageKind = iota
	MessageJobNotification
	MessageSubmitAck
	MessageSubmitReject
	MessageKeepAlive
	MessageError
	MessageDifficulty
	MessageExtranonce
)

func (k MessageKind) String() string {
	switch k {
	case MessageJobNotification:
		return "job"
	case MessageSubmitAck:
		return "submit_ack"
	case MessageSubmitReject:
		return "submit_reject"
	case MessageKeepAlive:
		return "keepalive"
	case MessageError:
		return "error"
	case MessageDifficulty:
		return "set_difficulty"
	case MessageExtranonce:
		return "set_extranonce"
	}
	return "unknown"
}

func decodeResult(msg gostratum.JsonRpcMessage, out any) error {
	if !msg.HasResult() {
		return errors.Wrap(ErrProtocol, "response without result")
	}
	if err := json.Unmarshal(msg.Result, out); err != nil {
		return errors.Wrapf(ErrProtocol, "unexpected result %s: %s", string(msg.Result), err)
	}
	return nil
}

// OnMessage handles one line from the pool. The returned error is a protocol
// error, the caller decides whether the connection survives it.
func (s *Session) OnMessage(line string) (MessageKind, error) {
	msg, err := gostratum.UnmarshalMessage(line)
	if err != nil {
		return MessageUnknown, errors.Wrapf(ErrProtocol, "unparseable line %q: %s", line, err)
	}
	return s.dispatch(msg)
}

func (s *Session) dispatch(msg gostratum.JsonRpcMessage) (MessageKind, error) {
	if msg.IsRequest() {
		return s.handleRequest(msg)
	}
	return s.handleResponse(msg)
}

func (s *Session) handleRequest(msg gostratum.JsonRpcMessage) (MessageKind, error) {
	switch msg.Method {
	case gostratum.StratumMethodJob, gostratum.StratumMethodNotify:
		params, err := ParseJobParams(msg.Params)
		if err != nil {
			return MessageJobNotification, err
		}
		if err := s.publish(params); err != nil {
			return MessageJobNotification, err
		}
		return MessageJobNotification, nil
	case gostratum.StratumMethodSetDifficulty:
		var params []json.Number
		if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
			return MessageDifficulty, errors.Wrapf(ErrProtocol, "bad set_difficulty params %s", string(msg.Params))
		}
		diff, err := params[0].Float64()
		if err != nil || diff <= 0 {
			return MessageDifficulty, errors.Wrapf(ErrProtocol, "bad difficulty %s", params[0])
		}
		s.msgLock.Lock()
		s.diffTarget = TargetFromDifficulty(uint64(diff))
		s.msgLock.Unlock()
		s.logger.Infof("pool set difficulty to %s", params[0])
		return MessageDifficulty, nil
	case gostratum.StratumMethodSetExtranonce:
		var params []any
		if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
			return MessageExtranonce, errors.Wrapf(ErrProtocol, "bad set_extranonce params %s", string(msg.Params))
		}
		encoded, _ := params[0].(string)
		extranonce, err := hex.DecodeString(encoded)
		if err != nil || len(extranonce) > maxExtranonceBytes {
			return MessageExtranonce, errors.Wrapf(ErrProtocol, "unusable extranonce %q", encoded)
		}
		s.msgLock.Lock()
		s.extranonce = extranonce
		s.msgLock.Unlock()
		s.logger.Infof("pool set extranonce to %q", encoded)
		if job, _ := s.registry.Current(); job != nil {
			if _, err := s.registry.Publish(job.WithExtranonce(extranonce)); err != nil {
				return MessageExtranonce, err
			}
		}
		return MessageExtranonce, nil
	case gostratum.StratumMethodKeepAlive, gostratum.StratumMethodPing:
		if conn := s.currentConn(); conn != nil {
			var id any
			if len(bytes.TrimSpace(msg.Id)) > 0 {
				id = msg.Id
			}
			if err := conn.Reply(gostratum.NewResponse(id, StatusResult{Status: gostratum.StatusKeepAlived}, nil)); err != nil {
				s.logger.Warnf("failed answering keepalive probe: %s", err)
			}
		}
		return MessageKeepAlive, nil
	}
	return MessageUnknown, errors.Wrapf(ErrProtocol, "unknown method %q", msg.Method)
}

func (s *Session) handleResponse(msg gostratum.JsonRpcMessage) (MessageKind, error) {
	ep := s.Target()
	id, hasId := msg.IntId()
	if hasId {
		s.msgLock.Lock()
		pending, ok := s.pending[id]
		delete(s.pending, id)
		s.msgLock.Unlock()
		if ok {
			if msg.Error != nil {
				s.rejected.Add(1)
				RecordShareRejected(ep.Name, msg.Error.Code)
				s.logger.Warnf("share for job %s rejected: %s", pending.share.JobID, msg.Error.Message)
				return MessageSubmitReject, nil
			}
			if !acceptedResult(msg.Result) {
				s.rejected.Add(1)
				RecordShareRejected(ep.Name, 0)
				s.logger.Warnf("share for job %s not accepted: %s", pending.share.JobID, string(msg.Result))
				return MessageSubmitReject, nil
			}
			s.accepted.Add(1)
			RecordShareAccepted(ep.Name)
			s.logger.Infof("share for job %s accepted", pending.share.JobID)
			return MessageSubmitAck, nil
		}
	}
	if msg.Error != nil {
		s.logger.Warnf("pool error: %s", msg.Error.Message)
		return MessageError, nil
	}
	status := StatusResult{}
	if msg.HasResult() && json.Unmarshal(msg.Result, &status) == nil &&
		strings.EqualFold(status.Status, gostratum.StatusKeepAlived) {
		return MessageKeepAlive, nil
	}
	if hasId {
		s.logger.Debugf("unmatched response id %s", strconv.FormatInt(id, 10))
	}
	return MessageUnknown, nil
}

// acceptedResult reads the submit result, pools answer with either
// {"status":"OK"} or a bare true.
func acceptedResult(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("true")) {
		return true
	}
	status := StatusResult{}
	if err := json.Unmarshal(raw, &status); err != nil {
		return false
	}
	return strings.EqualFold(status.Status, gostratum.StatusOK)
}
