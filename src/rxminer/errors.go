package rxminer

import (
	"fmt"

	"github.com/onemorebsmith/rxstratum/src/digest"
	"github.com/pkg/errors"
)

type ErrorShortCodeT string

const (
	ErrShortNetwork       ErrorShortCodeT = "err_network"
	ErrShortProtocol      ErrorShortCodeT = "err_protocol"
	ErrShortAuthRejected  ErrorShortCodeT = "err_auth_rejected"
	ErrShortSubmitFailed  ErrorShortCodeT = "err_submit_failed"
	ErrShortEngine        ErrorShortCodeT = "err_engine"
	ErrShortStaleShare    ErrorShortCodeT = "err_stale_share"
	ErrShortInvalidConfig ErrorShortCodeT = "err_invalid_config"
)

var (
	ErrNotConnected      = fmt.Errorf("not connected to a pool")
	ErrStaleShare        = fmt.Errorf("share belongs to a superseded job")
	ErrInvalidJob        = fmt.Errorf("invalid job")
	ErrProtocol          = fmt.Errorf("protocol error")
	ErrAllWorkersRetired = fmt.Errorf("all hashing workers retired")
	errReconnectRequest  = fmt.Errorf("reconnect requested")
)

type ConnectErrorKind int

const (
	ConnectNetwork ConnectErrorKind = iota
	ConnectProtocolMismatch
	ConnectAuthRejected
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectNetwork:
		return "network error"
	case ConnectProtocolMismatch:
		return "protocol mismatch"
	case ConnectAuthRejected:
		return "login rejected"
	}
	return "unknown"
}

func (k ConnectErrorKind) ShortCode() ErrorShortCodeT {
	switch k {
	case ConnectProtocolMismatch:
		return ErrShortProtocol
	case ConnectAuthRejected:
		return ErrShortAuthRejected
	}
	return ErrShortNetwork
}

type ConnectError struct {
	Kind     ConnectErrorKind
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connecting to %s: %s", e.Kind, e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

type SubmitError struct {
	JobID string
	Nonce uint32
	Err   error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("failed submitting nonce %08x for job %s: %s", e.Nonce, e.JobID, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// ShortCode maps an error onto the metric label used for it.
func ShortCode(err error) ErrorShortCodeT {
	var connectErr *ConnectError
	var engineErr *digest.EngineError
	switch {
	case errors.As(err, &connectErr):
		return connectErr.Kind.ShortCode()
	case errors.As(err, &engineErr):
		return ErrShortEngine
	case errors.Is(err, ErrStaleShare):
		return ErrShortStaleShare
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrInvalidJob):
		return ErrShortProtocol
	}
	var submitErr *SubmitError
	if errors.As(err, &submitErr) {
		return ErrShortSubmitFailed
	}
	return ErrShortNetwork
}
