package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionIssuer   = "amparo-auth"
	sessionAudience = "amparo-api"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// SessionValidatorConfig configures leader-session validation.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Clock         func() time.Time
}

// SessionValidator checks leader session tokens issued by the identity
// service. Only validation lives here; issuance is the identity provider's
// concern.
type SessionValidator struct {
	signingSecret []byte
	clock         func() time.Time
}

// NewSessionValidator returns a ready validator.
func NewSessionValidator(cfg SessionValidatorConfig) *SessionValidator {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{signingSecret: cfg.SigningSecret, clock: clock}
}

// ValidateSession ensures the session JWT is well formed and returns the
// leader subject.
func (v *SessionValidator) ValidateSession(tokenString string) (string, error) {
	if len(v.signingSecret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithAudience(sessionAudience),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
