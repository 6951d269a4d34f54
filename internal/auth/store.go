package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Pair is the live token pair. Exactly one per session, owned by the
// Coordinator; every other component reads it through accessors.
type Pair struct {
	Access    string
	Refresh   string
	ExpiresAt time.Time
}

// User is the authenticated principal as the backend reports it.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Store holds the token pair. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	pair Pair
	has  bool
	user User
}

func (s *Store) Set(p Pair, u User) {
	s.mu.Lock()
	s.pair = p
	s.user = u
	s.has = true
	s.mu.Unlock()
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.pair = Pair{}
	s.user = User{}
	s.has = false
	s.mu.Unlock()
}

func (s *Store) Get() (Pair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pair, s.has
}

func (s *Store) User() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.has
}

// AccessToken returns the current access token, or "" when anonymous.
func (s *Store) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has {
		return ""
	}
	return s.pair.Access
}

// TimeToExpiry reports the remaining access-token lifetime at now.
// Zero or negative means expired (or anonymous).
func (s *Store) TimeToExpiry(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has || s.pair.ExpiresAt.IsZero() {
		return 0
	}
	return s.pair.ExpiresAt.Sub(now)
}

// ExpiringWithin reports whether the token's remaining lifetime at now is
// below threshold.
func (s *Store) ExpiringWithin(now time.Time, threshold time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has {
		return false
	}
	if s.pair.ExpiresAt.IsZero() {
		return false
	}
	return s.pair.ExpiresAt.Sub(now) < threshold
}

// expiryFromJWT extracts the exp claim without verifying the signature.
// The client has no signing key; verification is the server's job. Used as
// a fallback when the login/refresh reply omits expiresIn.
func expiryFromJWT(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
