package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/froz-husain/sketchsync/internal/config"
)

// ErrInvalidToken is returned when a feed token fails verification
var ErrInvalidToken = errors.New("invalid feed token")

// Authenticator verifies account credentials and mints short-lived feed
// tokens. Basic auth carries bcrypt-hashed account passwords; websocket
// feeds cannot send an Authorization header from browsers, so they
// authenticate with a signed token exchanged beforehand.
type Authenticator struct {
	accounts map[string]string
	secret   []byte
	tokenTTL time.Duration
}

// NewAuthenticator builds an authenticator from the server's auth config
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	accounts := make(map[string]string, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts[a.Username] = a.PasswordHash
	}
	return &Authenticator{
		accounts: accounts,
		secret:   []byte(cfg.TokenSecret),
		tokenTTL: cfg.TokenTTL,
	}
}

// VerifyPassword checks a username/password pair against the account list
func (a *Authenticator) VerifyPassword(username, password string) bool {
	hash, ok := a.accounts[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

type feedClaims struct {
	Database string `json:"db"`
	jwt.RegisteredClaims
}

// IssueFeedToken mints a token granting feed access to one database
func (a *Authenticator) IssueFeedToken(username, database string) (string, error) {
	now := time.Now()
	claims := feedClaims{
		Database: database,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign feed token: %w", err)
	}
	return signed, nil
}

// VerifyFeedToken checks a feed token and returns the subject username.
// The token must grant access to the requested database.
func (a *Authenticator) VerifyFeedToken(tokenString, database string) (string, error) {
	claims := &feedClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Database != database {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
