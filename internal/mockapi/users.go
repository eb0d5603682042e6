package mockapi

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/auth"
)

const bcryptCost = 10

// User is an account the mock server accepts.
type User struct {
	ID       int    `json:"id" yaml:"id"`
	Email    string `json:"email" yaml:"email"`
	Username string `json:"username" yaml:"username"`
	Role     string `json:"role" yaml:"role"`
	Password string `json:"-" yaml:"password"` // plaintext in fixtures, bcrypt hash once loaded
	Disabled bool   `json:"-" yaml:"disabled"`
}

// UserStore keeps accounts and issued refresh tokens in memory.
type UserStore struct {
	secret   []byte
	tokenTTL time.Duration

	mu      sync.RWMutex
	byEmail map[string]*User
	byID    map[int]*User
	refresh map[string]int // refresh token -> user id
	revoked map[string]struct{}
}

func NewUserStore(secret string, tokenTTL time.Duration) *UserStore {
	return &UserStore{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		byEmail:  make(map[string]*User),
		byID:     make(map[int]*User),
		refresh:  make(map[string]int),
		revoked:  make(map[string]struct{}),
	}
}

// Replace swaps the account set. Issued refresh tokens of users that no
// longer exist stop working.
func (s *UserStore) Replace(users []User) error {
	byEmail := make(map[string]*User, len(users))
	byID := make(map[int]*User, len(users))
	for i := range users {
		u := users[i]
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcryptCost)
		if err != nil {
			return fmt.Errorf("hash password for %s: %w", u.Email, err)
		}
		u.Password = string(hash)
		byEmail[strings.ToLower(u.Email)] = &u
		byID[u.ID] = &u
	}

	s.mu.Lock()
	s.byEmail = byEmail
	s.byID = byID
	for tok, id := range s.refresh {
		if _, ok := byID[id]; !ok {
			delete(s.refresh, tok)
		}
	}
	s.mu.Unlock()
	return nil
}

// FindByID returns the user or nil if not found.
func (s *UserStore) FindByID(id int) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.byID[id]; ok {
		cp := *u
		return &cp
	}
	return nil
}

// Authenticate checks an email and password against the stored hash.
func (s *UserStore) Authenticate(email, password string) (*User, bool) {
	s.mu.RLock()
	u, ok := s.byEmail[strings.ToLower(email)]
	s.mu.RUnlock()
	if !ok || u.Disabled {
		return nil, false
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
		return nil, false
	}
	cp := *u
	return &cp, true
}

// Issue creates an access token and a refresh token for u.
func (s *UserStore) Issue(u *User) (access, refresh string, err error) {
	access, err = s.CreateJWT(u)
	if err != nil {
		return "", "", err
	}
	refresh, err = genToken(32)
	if err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	s.mu.Lock()
	s.refresh[refresh] = u.ID
	s.mu.Unlock()
	return access, refresh, nil
}

// Rotate trades a refresh token for a new pair. The old refresh token is
// consumed.
func (s *UserStore) Rotate(refresh string) (access, next string, err error) {
	s.mu.Lock()
	id, ok := s.refresh[refresh]
	delete(s.refresh, refresh)
	u := s.byID[id]
	s.mu.Unlock()
	if !ok || u == nil || u.Disabled {
		return "", "", fmt.Errorf("unknown refresh token")
	}
	return s.Issue(u)
}

// Revoke invalidates an access token until it would have expired anyway.
func (s *UserStore) Revoke(access string) {
	s.mu.Lock()
	s.revoked[access] = struct{}{}
	s.mu.Unlock()
}

// CreateJWT creates an HS256 access token for u.
func (s *UserStore) CreateJWT(u *User) (string, error) {
	now := time.Now()
	claims := auth.TokenClaims{
		UserID:   u.ID,
		Username: u.Username,
		Email:    u.Email,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   fmt.Sprint(u.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// VerifyJWT parses and validates an access token and resolves its user.
func (s *UserStore) VerifyJWT(tokenString string) (*User, error) {
	s.mu.RLock()
	_, revoked := s.revoked[tokenString]
	s.mu.RUnlock()
	if revoked {
		return nil, fmt.Errorf("token revoked")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(tokenString, &auth.TokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*auth.TokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	u := s.FindByID(claims.UserID)
	if u == nil || u.Disabled {
		return nil, fmt.Errorf("user %d not found", claims.UserID)
	}
	return u, nil
}

// genToken returns n random bytes as hex.
func genToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
