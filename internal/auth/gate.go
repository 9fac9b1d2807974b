// Package auth implements the credential gate for the poster API. Two
// deployment modes are supported: signed bearer tokens issued to registered
// devices via the login endpoint, and static API keys. Verification is
// stateless apart from the registry lookup.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/posterbeat/posterbeat/internal/config"
)

var (
	ErrMissingCredential = errors.New("auth: missing credential")
	ErrInvalidCredential = errors.New("auth: invalid credential")
	ErrUnknownDevice     = errors.New("auth: device not registered")
	ErrLoginUnsupported  = errors.New("auth: login not available in this mode")
)

// Gate verifies request credentials and, in token mode, issues bearer tokens.
type Gate struct {
	mode        string
	secret      []byte
	issuer      string
	tokenTTL    time.Duration
	neverExpire bool

	// devices maps device ID to its registration secret (token mode).
	devices map[string]string

	// apiKeys maps a SHA-256 hex digest of the key to the key's ID.
	apiKeys map[string]string
}

// Token is the result of a successful login.
type Token struct {
	AccessToken string     `json:"access_token"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func New(cfg config.AuthConfig) (*Gate, error) {
	g := &Gate{
		mode:        cfg.Mode,
		secret:      []byte(cfg.TokenSecret),
		issuer:      cfg.Issuer,
		tokenTTL:    time.Duration(cfg.TokenTTLMinutes) * time.Minute,
		neverExpire: cfg.TokensNeverExpire,
		devices:     map[string]string{},
		apiKeys:     map[string]string{},
	}

	devices, err := parsePairs(cfg.Devices)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_DEVICES: %w", err)
	}
	g.devices = devices

	keys, err := parsePairs(cfg.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_API_KEYS: %w", err)
	}
	for id, key := range keys {
		g.apiKeys[hashKey(key)] = id
	}

	return g, nil
}

// parsePairs parses a comma-separated list of id:value entries.
func parsePairs(s string) (map[string]string, error) {
	pairs := map[string]string{}
	if s == "" {
		return pairs, nil
	}

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, ":")
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("malformed entry %q: expected id:value", entry)
		}
		pairs[id] = value
	}

	return pairs, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Login verifies a device's registration secret and issues a bearer token.
// Only available in token mode.
func (g *Gate) Login(deviceID, credential string) (Token, error) {
	if g.mode != "token" {
		return Token{}, ErrLoginUnsupported
	}

	secret, ok := g.devices[deviceID]
	if !ok {
		return Token{}, ErrUnknownDevice
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(credential)) != 1 {
		return Token{}, ErrInvalidCredential
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   g.issuer,
		Subject:  deviceID,
		ID:       uuid.NewString(),
		IssuedAt: jwt.NewNumericDate(now),
	}

	var expiresAt *time.Time
	if !g.neverExpire {
		expiry := now.Add(g.tokenTTL)
		claims.ExpiresAt = jwt.NewNumericDate(expiry)
		expiresAt = &expiry
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return Token{}, fmt.Errorf("signing token: %w", err)
	}

	return Token{AccessToken: signed, ExpiresAt: expiresAt}, nil
}

// Verify checks a presented credential and resolves it to an identity.
// The returned errors distinguish malformed/mis-signed credentials from
// credentials whose subject is simply not registered.
func (g *Gate) Verify(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrMissingCredential
	}

	switch g.mode {
	case "token":
		return g.verifyToken(credential)
	case "apikey":
		return g.verifyAPIKey(credential)
	default:
		return Identity{}, fmt.Errorf("auth: unknown mode %q", g.mode)
	}
}

func (g *Gate) verifyToken(credential string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(g.issuer),
		jwt.WithLeeway(5 * time.Second),
	}
	if !g.neverExpire {
		opts = append(opts, jwt.WithExpirationRequired())
	}

	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return g.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	if _, registered := g.devices[claims.Subject]; !registered {
		return Identity{}, fmt.Errorf("%w: %q", ErrUnknownDevice, claims.Subject)
	}

	return Identity{Principal: claims.Subject, Method: MethodToken}, nil
}

func (g *Gate) verifyAPIKey(credential string) (Identity, error) {
	id, ok := g.apiKeys[hashKey(strings.TrimSpace(credential))]
	if !ok {
		return Identity{}, ErrInvalidCredential
	}

	return Identity{Principal: id, Method: MethodAPIKey}, nil
}
