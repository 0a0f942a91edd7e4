package models

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Credentials is the body of POST {base}/login. Both JSON and form bodies
// are accepted.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c Credentials) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Username, validation.Required),
		validation.Field(&c.Password, validation.Required),
	)
}

// Login outcomes recorded in LoginAttempt.Outcome.
const (
	OutcomeSuccess   = "success"
	OutcomeInvalid   = "invalid_request"
	OutcomeExhausted = "retries_exhausted"
	OutcomeAborted   = "aborted"
)

// LoginAttempt is one audited login request, stored in MongoDB.
type LoginAttempt struct {
	ID           primitive.ObjectID `json:"id"            bson:"_id,omitempty"`
	RequestID    string             `json:"request_id"    bson:"request_id"`
	Username     string             `json:"username"      bson:"username"`
	Attempts     int                `json:"attempts"      bson:"attempts"`
	Outcome      string             `json:"outcome"       bson:"outcome"`
	ResponseCode int                `json:"response_code" bson:"response_code"`
	Error        string             `json:"error,omitempty" bson:"error,omitempty"`
	DurationMS   int64              `json:"duration_ms"   bson:"duration_ms"`
	RemoteAddr   string             `json:"remote_addr"   bson:"remote_addr"`
	CreatedAt    time.Time          `json:"created_at"    bson:"created_at"`
}
