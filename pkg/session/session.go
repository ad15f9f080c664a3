// Package session keeps login sessions in Redis.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CookieName is the cookie carrying the session id.
const CookieName = "session_id"

// ErrNoSession is returned when a session id is unknown or expired.
var ErrNoSession = errors.New("no session")

type userKey struct{}

// Store creates and resolves sessions stored as session:<id> keys that
// expire after the TTL.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewStore returns a session store over client.
func NewStore(client redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// TTL is how long a new session lives.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create opens a session for username and returns its id.
func (s *Store) Create(ctx context.Context, username string) (string, error) {
	sid := uuid.NewString()
	if err := s.client.Set(ctx, key(sid), username, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sid, nil
}

// Lookup returns the user owning session sid.
func (s *Store) Lookup(ctx context.Context, sid string) (string, error) {
	if sid == "" {
		return "", ErrNoSession
	}
	user, err := s.client.Get(ctx, key(sid)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && user == "") {
		return "", ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	return user, nil
}

// Delete ends session sid. Unknown ids are ignored.
func (s *Store) Delete(ctx context.Context, sid string) error {
	return s.client.Del(ctx, key(sid)).Err()
}

func key(sid string) string { return "session:" + sid }

// WithUser stores the authenticated user in ctx.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// User returns the authenticated user stored in ctx.
func User(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(userKey{}).(string)
	return u, ok
}
