package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ayush/mlportal-service/internal/store"
)

const SessionCookie = "session_id"

// SessionStore wraps Redis for portal sessions shared with the other
// MLPortal services.
type SessionStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSessionStore(rdb *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{rdb: rdb, ttl: ttl}
}

// Create stores the login result under a new session id.
func (s *SessionStore) Create(ctx context.Context, profile store.Row) (string, error) {
	payload, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	sid := uuid.New().String()
	err = s.rdb.Set(ctx, "session:"+sid, payload, s.ttl).Err()
	return sid, err
}

func (s *SessionStore) TTL() time.Duration {
	return s.ttl
}
