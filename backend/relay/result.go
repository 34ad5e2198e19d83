package relay

import (
	"encoding/json"

	"github.com/adwski/coursechat/backend/model"
)

const fallbackErrorMessage = "relay request failed"

// Result is the outcome of a relayed request: either data or an error
// message, never both.
type Result struct {
	data json.RawMessage
	err  string
}

func OK(data json.RawMessage) Result {
	if len(data) == 0 {
		data = json.RawMessage(`""`)
	}
	return Result{data: data}
}

func Failed(msg string) Result {
	if msg == "" {
		msg = fallbackErrorMessage
	}
	return Result{err: msg}
}

func (r Result) Ok() bool {
	return r.err == ""
}

func (r Result) Data() json.RawMessage {
	return r.data
}

func (r Result) Error() string {
	return r.err
}

// Response wraps the result into a wire envelope correlated by id.
func (r Result) Response(id string) model.RelayResponse {
	if !r.Ok() {
		return model.RelayResponse{ID: id, Error: r.err}
	}
	return model.RelayResponse{ID: id, Data: r.data}
}
