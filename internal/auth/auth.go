// Package auth verifies participant tokens presented to the signaling relay.
package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/teleclinic/consult/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnknownRole        = errors.New("unknown role")
)

type Role string

const (
	RolePatient  Role = "patient"
	RoleDoctor   Role = "doctor"
	RoleObserver Role = "observer"
)

func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RolePatient, RoleDoctor, RoleObserver:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
}

// Identity is who a verified token speaks for.
type Identity struct {
	ParticipantID string
	Role          Role
}

type Verifier interface {
	Verify(token string) (Identity, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return DevVerifier{}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromQuery extracts the participant token from a WebSocket upgrade
// URL. Browsers cannot set headers on WebSocket requests, so the token travels
// as ?token=.
func CredentialFromQuery(q url.Values) (string, error) {
	if token := strings.TrimSpace(q.Get("token")); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// DevVerifier trusts tokens of the form "participantId:role". It is selected
// by --auth-mode=none and must not face untrusted clients.
type DevVerifier struct{}

func (DevVerifier) Verify(token string) (Identity, error) {
	id, rawRole, ok := strings.Cut(token, ":")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return Identity{}, ErrInvalidCredentials
	}
	role, err := ParseRole(rawRole)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	return Identity{ParticipantID: id, Role: role}, nil
}

// DevToken builds a token accepted by DevVerifier.
func DevToken(id Identity) string {
	return id.ParticipantID + ":" + string(id.Role)
}
