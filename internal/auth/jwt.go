package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "consult"

// Claims carries the participant identity inside an HS256 token. The subject
// is the participant id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}
}

func (v JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingCredentials
	}
	if len(v.secret) == 0 {
		return Identity{}, ErrInvalidCredentials
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidCredentials
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	return Identity{ParticipantID: claims.Subject, Role: role}, nil
}

// Issuer mints tokens accepted by JWTVerifier with the same secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("auth: issuer secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: issuer ttl must be > 0")
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (i *Issuer) Issue(id Identity) (string, error) {
	if id.ParticipantID == "" {
		return "", errors.New("auth: participant id is required")
	}
	if _, err := ParseRole(string(id.Role)); err != nil {
		return "", err
	}
	now := i.now()
	claims := &Claims{
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ParticipantID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// PeekIdentity reads the identity a token claims without verifying it. Agents
// use it to learn who they are; the relay still verifies every token.
func PeekIdentity(token string) (Identity, error) {
	if id, err := (DevVerifier{}).Verify(token); err == nil {
		return id, nil
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidCredentials
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	return Identity{ParticipantID: claims.Subject, Role: role}, nil
}
