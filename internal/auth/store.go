// Package auth holds the client's credentials: the access token, the refresh
// token and the cached user snapshot persisted in bbolt, plus the in-memory
// CSRF token captured from responses.
//
// The API client is the only writer. Everyone else reads through Snapshot.
package auth

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/db"
)

// Fixed keys in db.BucketCredentials.
const (
	KeyToken        = "token"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
	KeyReturnTo     = "returnTo"
)

// Credentials is a point-in-time copy of the store.
type Credentials struct {
	Token        string
	RefreshToken string
	CSRFToken    string
	User         json.RawMessage
}

// Authenticated reports whether an access token is present.
func (c Credentials) Authenticated() bool {
	return c.Token != ""
}

// Store is safe for concurrent use.
type Store struct {
	db *bolt.DB // nil keeps everything in memory

	mu  sync.RWMutex
	cur Credentials
}

// NewStore loads persisted credentials from database.
func NewStore(database *bolt.DB) (*Store, error) {
	s := &Store{db: database}
	err := database.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(db.BucketCredentials)
		if b == nil {
			return fmt.Errorf("bucket %s missing", db.BucketCredentials)
		}
		s.cur.Token = string(b.Get([]byte(KeyToken)))
		s.cur.RefreshToken = string(b.Get([]byte(KeyRefreshToken)))
		if v := b.Get([]byte(KeyUser)); len(v) > 0 {
			s.cur.User = append(json.RawMessage(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return s, nil
}

// NewMemoryStore returns a store that persists nothing.
func NewMemoryStore() *Store {
	return &Store{}
}

// Snapshot returns a copy of the current credentials.
func (s *Store) Snapshot() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.cur
	if c.User != nil {
		c.User = append(json.RawMessage(nil), c.User...)
	}
	return c
}

// SetSession stores a complete session after a login.
func (s *Store) SetSession(token, refreshToken string, user json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.update(func(b *bolt.Bucket) error {
		if err := putOrDelete(b, KeyToken, []byte(token)); err != nil {
			return err
		}
		if err := putOrDelete(b, KeyRefreshToken, []byte(refreshToken)); err != nil {
			return err
		}
		return putOrDelete(b, KeyUser, user)
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	s.cur.Token = token
	s.cur.RefreshToken = refreshToken
	s.cur.User = append(json.RawMessage(nil), user...)
	return nil
}

// SetTokens replaces the access token after a refresh. An empty refreshToken
// keeps the current one.
func (s *Store) SetTokens(token, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if refreshToken == "" {
		refreshToken = s.cur.RefreshToken
	}
	err := s.update(func(b *bolt.Bucket) error {
		if err := putOrDelete(b, KeyToken, []byte(token)); err != nil {
			return err
		}
		return putOrDelete(b, KeyRefreshToken, []byte(refreshToken))
	})
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}

	s.cur.Token = token
	s.cur.RefreshToken = refreshToken
	return nil
}

// SetCSRF records the anti-forgery token from the latest response. Not persisted.
func (s *Store) SetCSRF(token string) {
	s.mu.Lock()
	s.cur.CSRFToken = token
	s.mu.Unlock()
}

// Clear removes tokens, user snapshot and CSRF token in one transaction.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.update(func(b *bolt.Bucket) error {
		for _, k := range []string{KeyToken, KeyRefreshToken, KeyUser} {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}

	s.cur = Credentials{}
	return nil
}

// SetReturnTo remembers where to go after the next sign-in.
func (s *Store) SetReturnTo(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(b *bolt.Bucket) error {
		return putOrDelete(b, KeyReturnTo, []byte(path))
	})
}

// TakeReturnTo returns and forgets the remembered path.
func (s *Store) TakeReturnTo() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", nil
	}
	var path string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(db.BucketCredentials)
		path = string(b.Get([]byte(KeyReturnTo)))
		return b.Delete([]byte(KeyReturnTo))
	})
	return path, err
}

func (s *Store) update(fn func(b *bolt.Bucket) error) error {
	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(db.BucketCredentials))
	})
}

func putOrDelete(b *bolt.Bucket, key string, value []byte) error {
	if len(value) == 0 {
		return b.Delete([]byte(key))
	}
	return b.Put([]byte(key), value)
}

// TokenClaims are the claims the API puts in its access tokens.
type TokenClaims struct {
	UserID   int    `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ParseClaims decodes a JWT without verifying its signature. The client has no
// key; this is only used to read the expiry and identity for display.
func ParseClaims(token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// TokenExpired reports whether token is a JWT whose exp lies before now+skew.
// Opaque tokens and tokens without exp never count as expired.
func TokenExpired(token string, now time.Time, skew time.Duration) bool {
	if token == "" {
		return false
	}
	claims, err := ParseClaims(token)
	if err != nil || claims.ExpiresAt == nil {
		return false
	}
	return !claims.ExpiresAt.Time.After(now.Add(skew))
}
