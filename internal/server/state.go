package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	stateIssuer     = "karmalink-bot"
	stateAudience   = "karmalink-oauth"
	defaultStateTTL = 15 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("state signing secret must be provided")
	errMissingDeviceSubject = errors.New("device subject must be provided")
)

// StateManagerConfig configures the OAuth state token signer.
type StateManagerConfig struct {
	SigningSecret []byte
	TTL           time.Duration
	Clock         func() time.Time
}

// StateManager signs and validates the state tokens that correlate an OAuth
// callback to the device that initiated it.
type StateManager struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewStateManager constructs a StateManager with sane defaults.
func NewStateManager(cfg StateManagerConfig) *StateManager {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StateManager{secret: cfg.SigningSecret, ttl: ttl, clock: clock}
}

// IssueState produces a signed state token whose subject is the device
// identity.
func (m *StateManager) IssueState(deviceAddress string) (string, error) {
	if len(m.secret) == 0 {
		return "", errMissingSigningSecret
	}
	if deviceAddress == "" {
		return "", errMissingDeviceSubject
	}

	now := m.clock().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   deviceAddress,
		Issuer:    stateIssuer,
		Audience:  []string{stateAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ValidateState checks the token and returns the device identity it binds.
func (m *StateManager) ValidateState(token string) (string, error) {
	if len(m.secret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(parsed *jwt.Token) (interface{}, error) {
			if parsed.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", parsed.Method.Alg())
			}
			return m.secret, nil
		},
		jwt.WithAudience(stateAudience),
		jwt.WithIssuer(stateIssuer),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingDeviceSubject
	}
	return claims.Subject, nil
}
