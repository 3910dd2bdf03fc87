// Package turnrest mints short-lived coturn REST credentials so participant
// agents can use TURN relays without a static password.
//
//	username   = <unix_expiry>:<prefix>:<participant_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	ErrNoSharedSecret  = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL      = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix   = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidIdentity = errors.New("turnrest: participant id must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	// Now defaults to time.Now.
	Now func() time.Time
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, ErrNoSharedSecret
	case cfg.TTL < time.Second:
		return nil, ErrInvalidTTL
	case cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, ErrInvalidPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// Generate mints credentials bound to one participant. Expiry is computed from
// the server clock in UTC and truncated to whole seconds.
func (g *Generator) Generate(participantID string) (Credentials, error) {
	if participantID == "" || strings.Contains(participantID, ":") {
		return Credentials{}, ErrInvalidIdentity
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, participantID)

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		Expires:    expires,
	}, nil
}

// Apply returns a copy of servers with creds set on every entry that has a
// TURN URL. STUN-only entries are left untouched. A nil input yields an empty,
// non-nil slice so JSON encodes it as [].
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		lower := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:") {
			return true
		}
	}
	return false
}
