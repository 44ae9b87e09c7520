// Package auth gates the signaling WebSocket before any coordinator
// operation runs. It supports a shared API key and HS256 JWTs; user-level
// identity is established afterwards by the coordinator's login/join
// operations.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"

	"github.com/wovenlab/callsig/internal/config"
)

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return NewAPIKeyVerifier(cfg.APIKey), nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// APIKeyVerifier admits any connection presenting the shared key. A verifier
// with no key configured admits nothing rather than everything.
type APIKeyVerifier struct {
	key []byte
}

func NewAPIKeyVerifier(key string) APIKeyVerifier {
	return APIKeyVerifier{key: []byte(key)}
}

func (v APIKeyVerifier) Verify(credential string) error {
	if len(v.key) == 0 || credential == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(credential), v.key) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// WireAuthMessage is the first-message alternative to query-string
// credentials for clients that cannot set them (e.g. EventSource polyfills).
type WireAuthMessage struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

func CredentialFromAuthMessage(mode config.AuthMode, msg WireAuthMessage) (string, error) {
	switch mode {
	case config.AuthModeAPIKey:
		if msg.APIKey != "" {
			return msg.APIKey, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if msg.Token != "" {
			return msg.Token, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
