package testmocks

import (
	"encoding/json"

	"github.com/onemorebsmith/rxstratum/src/gostratum"
)

type MockJob struct {
	JobID    string `json:"job_id"`
	Blob     string `json:"blob"`
	Target   string `json:"target"`
	SeedHash string `json:"seed_hash,omitempty"`
	Algo     string `json:"algo,omitempty"`
	Height   uint64 `json:"height,omitempty"`
}

func encode(v any) string {
	encoded, _ := json.Marshal(v)
	return string(encoded) + "\n"
}

func NewLoginResponse(id any, loginID string, job *MockJob) string {
	result := map[string]any{
		"id":     loginID,
		"status": gostratum.StatusOK,
	}
	if job != nil {
		result["job"] = job
	}
	return encode(gostratum.NewResponse(id, result, nil))
}

func NewErrorResponse(id any, code int, message string) string {
	return encode(gostratum.NewResponse(id, nil, &gostratum.JsonRpcError{Code: code, Message: message}))
}

// NewLegacyErrorResponse uses the [code, message, data] error shape.
func NewLegacyErrorResponse(id any, code int, message string) string {
	return encode(map[string]any{
		"id":     id,
		"result": nil,
		"error":  []any{code, message, nil},
	})
}

func NewStatusResponse(id any, status string) string {
	return encode(gostratum.NewResponse(id, map[string]any{"status": status}, nil))
}

func NewJobNotification(job MockJob) string {
	return encode(gostratum.NewEvent(nil, gostratum.StratumMethodJob, job))
}

func NewNotifyArray(jobID, blob, seed, target string) string {
	return encode(gostratum.NewEvent(nil, gostratum.StratumMethodNotify, []any{
		jobID, blob, seed, nil, nil, nil, target, true,
	}))
}

func NewSetDifficulty(diff uint64) string {
	return encode(gostratum.NewEvent(nil, gostratum.StratumMethodSetDifficulty, []any{diff}))
}

func NewSetExtranonce(extranonce string) string {
	return encode(gostratum.NewEvent(nil, gostratum.StratumMethodSetExtranonce, []any{extranonce, len(extranonce) / 2}))
}
