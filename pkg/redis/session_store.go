package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned when no session exists for a user.
var ErrSessionNotFound = errors.New("session not found")

// SessionInfo is the per-user session record backing an issued JWT.
type SessionInfo struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStore keeps per-session state in Redis: auth sessions, per-user
// submission counters (the quota collaborator) and per-entry voter sets
// (the external vote dedup).
type SessionStore struct {
	client     *redis.Client
	sessionTTL time.Duration
}

// NewSessionStore creates a new session store with the given Redis client.
func NewSessionStore(client *redis.Client, sessionTTL time.Duration) *SessionStore {
	return &SessionStore{client: client, sessionTTL: sessionTTL}
}

// StoreSession stores the user's session record.
func (s *SessionStore) StoreSession(ctx context.Context, userID string, info *SessionInfo) error {
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	key := fmt.Sprintf("session:%s", userID)
	if err := s.client.Set(ctx, key, infoJSON, s.sessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	return nil
}

// GetSession retrieves the user's session record.
func (s *SessionStore) GetSession(ctx context.Context, userID string) (*SessionInfo, error) {
	key := fmt.Sprintf("session:%s", userID)
	infoJSON, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var info SessionInfo
	if err := json.Unmarshal(infoJSON, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &info, nil
}

// DeleteSession removes the user's session record.
func (s *SessionStore) DeleteSession(ctx context.Context, userID string) error {
	key := fmt.Sprintf("session:%s", userID)
	return s.client.Del(ctx, key).Err()
}

func quotaKey(userID, playlistID string) string {
	return fmt.Sprintf("quota:%s:%s", playlistID, userID)
}

// SongsSubmittedThisSession returns how many songs the user has submitted
// to the playlist during the current session. A missing key counts as zero.
func (s *SessionStore) SongsSubmittedThisSession(ctx context.Context, userID, playlistID string) (int, error) {
	count, err := s.client.Get(ctx, quotaKey(userID, playlistID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get submission count: %w", err)
	}
	return count, nil
}

// IncrSongsSubmitted bumps the user's submission counter for the playlist.
func (s *SessionStore) IncrSongsSubmitted(ctx context.Context, userID, playlistID string) error {
	key := quotaKey(userID, playlistID)
	if err := s.client.Incr(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to increment submission count: %w", err)
	}
	return s.client.Expire(ctx, key, s.sessionTTL).Err()
}

// DecrSongsSubmitted releases one submission slot, floored at zero.
func (s *SessionStore) DecrSongsSubmitted(ctx context.Context, userID, playlistID string) error {
	key := quotaKey(userID, playlistID)
	n, err := s.client.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to decrement submission count: %w", err)
	}
	if n < 0 {
		return s.client.Set(ctx, key, 0, s.sessionTTL).Err()
	}
	return nil
}

// RegisterVote records voterID in the entry's voter set. It returns true
// when this is the voter's first vote on the entry, false on a repeat.
func (s *SessionStore) RegisterVote(ctx context.Context, entryID, voterID string) (bool, error) {
	key := fmt.Sprintf("votes:%s", entryID)
	added, err := s.client.SAdd(ctx, key, voterID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to register vote: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.sessionTTL).Err(); err != nil {
		return false, fmt.Errorf("failed to set vote expiry: %w", err)
	}
	return added == 1, nil
}
