// Package session resolves bearer tokens to session identities stored in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/gatekeeper/internal/rbac"
)

// ErrUnknownToken indicates the token is absent or expired.
var ErrUnknownToken = errors.New("session: unknown token")

// Store keeps bearer sessions in Redis with a per-user token index.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type payload struct {
	UserID    int64     `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// NewStore constructs a Store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, prefix: "gatekeeper"}
}

// TTL exposes the configured session lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create stores a new session for the identity and returns its bearer token.
func (s *Store) Create(ctx context.Context, identity rbac.Identity) (string, error) {
	if identity.UserID <= 0 || strings.TrimSpace(identity.Email) == "" {
		return "", fmt.Errorf("session: identity requires id and email")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("session: generate token: %w", err)
	}
	token := id.String()
	data, err := json.Marshal(payload{UserID: identity.UserID, Email: identity.Email, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.tokenKey(token), data, s.ttl)
	pipe.SAdd(ctx, s.userKey(identity.UserID), token)
	pipe.Expire(ctx, s.userKey(identity.UserID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("session: create: %w", err)
	}
	return token, nil
}

// Lookup resolves a bearer token to its identity.
func (s *Store) Lookup(ctx context.Context, token string) (rbac.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return rbac.Identity{}, ErrUnknownToken
	}
	raw, err := s.client.Get(ctx, s.tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return rbac.Identity{}, ErrUnknownToken
		}
		return rbac.Identity{}, fmt.Errorf("session: lookup: %w", err)
	}
	var stored payload
	if err := json.Unmarshal(raw, &stored); err != nil {
		return rbac.Identity{}, fmt.Errorf("session: decode: %w", err)
	}
	return rbac.Identity{UserID: stored.UserID, Email: stored.Email}, nil
}

// Revoke deletes a single session.
func (s *Store) Revoke(ctx context.Context, token string) error {
	identity, err := s.Lookup(ctx, token)
	if errors.Is(err, ErrUnknownToken) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.tokenKey(token))
	pipe.SRem(ctx, s.userKey(identity.UserID), token)
	_, err = pipe.Exec(ctx)
	return err
}

// RevokeUser deletes every session of the user and reports how many were removed.
func (s *Store) RevokeUser(ctx context.Context, userID int64) (int, error) {
	tokens, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("session: list user tokens: %w", err)
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, token := range tokens {
		keys = append(keys, s.tokenKey(token))
	}
	keys = append(keys, s.userKey(userID))
	removed, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("session: revoke user: %w", err)
	}
	// The index key itself is not a session.
	if removed > 0 && len(tokens) > 0 {
		removed--
	}
	return int(removed), nil
}

func (s *Store) tokenKey(token string) string {
	return s.prefix + ":session:" + token
}

func (s *Store) userKey(userID int64) string {
	return s.prefix + ":user-sessions:" + strconv.FormatInt(userID, 10)
}
