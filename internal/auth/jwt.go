package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxJWTLen bounds how much of a client-supplied credential we are willing to
// parse. Anything larger is rejected before signature verification.
const maxJWTLen = 8 * 1024

var ErrTokenTooLarge = errors.New("token too large")

type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v JWTVerifier) Verify(token string) error {
	if len(v.secret) == 0 {
		return ErrInvalidCredentials
	}
	if token == "" {
		return ErrMissingCredentials
	}
	if len(token) > maxJWTLen {
		return ErrTokenTooLarge
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	_, err := parser.Parse(token, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	return nil
}
