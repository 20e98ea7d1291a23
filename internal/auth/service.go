package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// JWTClaims are the claims of an issued bearer token.
type JWTClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service authenticates the configured users with a password or a bearer
// token.
type Service struct {
	users  map[string]string
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewService builds a service over users, a map of username to bcrypt hash.
func NewService(users map[string]string, secret string, expiry time.Duration) *Service {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Service{
		users:  users,
		secret: []byte(secret),
		expiry: expiry,
		now:    time.Now,
	}
}

// ValidateUser checks the password of username.
func (s *Service) ValidateUser(username, password string) error {
	hash, ok := s.users[username]
	if !ok {
		// keep the timing of unknown users close to that of wrong passwords
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z5VbUmtQU8dB9Sd5l0zq1Ijq"), []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Login validates the credentials and issues a token.
func (s *Service) Login(username, password string) (string, time.Time, error) {
	if err := s.ValidateUser(username, password); err != nil {
		return "", time.Time{}, err
	}
	return s.GenerateToken(username)
}

// GenerateToken issues an HS256 token for username.
func (s *Service) GenerateToken(username string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.expiry)
	claims := JWTClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ValidateToken parses a bearer token and checks its signature and expiry.
func (s *Service) ValidateToken(tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, ErrInvalidToken
	}
	if _, ok := s.users[claims.Username]; !ok {
		return nil, ErrUserNotFound
	}
	return claims, nil
}

// Authenticate accepts an Authorization header carrying either Basic
// credentials or a Bearer token and returns the username.
func (s *Service) Authenticate(header string) (string, error) {
	scheme, value, ok := strings.Cut(header, " ")
	if !ok {
		return "", ErrMissingCredentials
	}
	switch strings.ToLower(scheme) {
	case "basic":
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return "", ErrInvalidCredentials
		}
		username, password, ok := strings.Cut(string(raw), ":")
		if !ok {
			return "", ErrInvalidCredentials
		}
		if err := s.ValidateUser(username, password); err != nil {
			return "", err
		}
		return username, nil
	case "bearer":
		claims, err := s.ValidateToken(strings.TrimSpace(value))
		if err != nil {
			return "", err
		}
		return claims.Username, nil
	}
	return "", ErrMissingCredentials
}

// HashPassword returns the bcrypt hash stored in auth.users.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

var (
	ErrInvalidCredentials = Error("invalid username or password")
	ErrMissingCredentials = Error("missing credentials")
	ErrUserNotFound       = Error("user not found")
	ErrTokenExpired       = Error("token has expired")
	ErrInvalidToken       = Error("invalid token")
)

type Error string

func (e Error) Error() string {
	return string(e)
}
