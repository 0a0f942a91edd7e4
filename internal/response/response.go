// Package response defines the JSON envelope returned by every endpoint and
// the canned client-facing messages.
package response

import (
	"encoding/json"
	"net/http"
)

const (
	CodeSuccess     = 200
	CodeNotFound    = 404
	CodeBadRequest  = 463
	CodeServerError = 500
)

// Message codes looked up by Message.
const (
	MsgGeneric            = 0
	MsgMissingCredentials = 16
	MsgSuccess            = 200
	MsgNotFound           = 404
)

var messages = map[int]string{
	MsgGeneric:            "Something went wrong. Please try again later.",
	MsgMissingCredentials: "Username and password are required.",
	MsgSuccess:            "Success.",
	MsgNotFound:           "The requested resource was not found.",
}

// Message returns the canned text for code, falling back to the generic one.
func Message(code int) string {
	if msg, ok := messages[code]; ok {
		return msg
	}
	return messages[MsgGeneric]
}

type Envelope struct {
	ResponseCode    int    `json:"ResponseCode"`
	ResponseMessage string `json:"ResponseMessage"`
	Result          any    `json:"result,omitempty"`
}

func New(code, msgCode int) Envelope {
	return Envelope{ResponseCode: code, ResponseMessage: Message(msgCode)}
}

// WithResult returns a copy of e carrying result.
func (e Envelope) WithResult(result any) Envelope {
	e.Result = result
	return e
}

// Status maps an envelope code to the HTTP status on the wire. Portal clients
// read the outcome from ResponseCode, so only the route catch-all carries a
// non-200 status.
func Status(code int) int {
	if code == CodeNotFound {
		return http.StatusNotFound
	}
	return http.StatusOK
}

// Write sends env with the HTTP status from Status.
func Write(w http.ResponseWriter, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(Status(env.ResponseCode))
	_ = json.NewEncoder(w).Encode(env)
}
