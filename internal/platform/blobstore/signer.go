package blobstore

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid download token")

// Signer issues and checks HS256 download tokens bound to one object path.
type Signer struct {
	key     []byte
	baseURL string
	now     func() time.Time
}

// NewSigner returns a Signer producing URLs under baseURL + "/files/".
func NewSigner(key []byte, baseURL string) (*Signer, error) {
	if len(key) < 16 {
		return nil, fmt.Errorf("url signing key must have at least 16 bytes")
	}
	return &Signer{key: key, baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}, nil
}

// Sign returns the download URL for p valid for ttl.
func (s *Signer) Sign(p string, ttl time.Duration) (string, error) {
	key, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", fmt.Errorf("signed url ttl must be positive")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   key,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign download token: %w", err)
	}
	return s.baseURL + "/files/" + escapePath(key) + "?token=" + url.QueryEscape(token), nil
}

// Verify checks that token is valid, unexpired and issued for p.
func (s *Signer) Verify(token, p string) error {
	if token == "" {
		return ErrInvalidToken
	}
	key, err := cleanPath(p)
	if err != nil {
		return ErrInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	if claims.Subject != key {
		return ErrInvalidToken
	}
	return nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
