package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"
)

// ICE servers come from one JSON document or, when that is unset, from the
// STUN/TURN convenience variables.
const (
	envICEServersJSON = "CONSULT_ICE_SERVERS_JSON"

	envStunURLs       = "CONSULT_STUN_URLS"
	envTurnURLs       = "CONSULT_TURN_URLS"
	envTurnUsername   = "CONSULT_TURN_USERNAME"
	envTurnCredential = "CONSULT_TURN_CREDENTIAL"
)

var (
	errNoICEURLs         = errors.New("no urls")
	errTURNNeedsLogin    = errors.New("turn urls need a username and credential")
	errUnsupportedScheme = errors.New("unsupported url scheme")
)

// iceSettings is the raw ICE configuration gathered from env and flags.
type iceSettings struct {
	json           string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
	// mintedTURN is set when the relay issues TURN REST credentials to each
	// participant, so configured TURN entries may leave them blank.
	mintedTURN bool
}

func (s iceSettings) servers() ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(s.json) != "" {
		servers, err := parseICEJSON(s.json, s.mintedTURN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var out []webrtc.ICEServer
	if urls := commaList(s.stunURLs); len(urls) > 0 {
		stun := webrtc.ICEServer{URLs: urls}
		if err := checkICEServer(stun, s.mintedTURN); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		out = append(out, stun)
	}
	if urls := commaList(s.turnURLs); len(urls) > 0 {
		turn := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(s.turnUsername)}
		if cred := strings.TrimSpace(s.turnCredential); cred != "" {
			turn.Credential = cred
		}
		if err := checkICEServer(turn, s.mintedTURN); err != nil {
			if errors.Is(err, errTURNNeedsLogin) {
				return nil, fmt.Errorf("%s/%s: both must be set with %s", envTurnUsername, envTurnCredential, envTurnURLs)
			}
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		out = append(out, turn)
	}
	return out, nil
}

// urlList accepts "urls" as a single string or a list, as browsers do.
type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

type iceServerEntry struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

func parseICEJSON(raw string, mintedTURN bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := webrtc.ICEServer{URLs: trimAll(e.URLs), Username: strings.TrimSpace(e.Username)}
		if strings.TrimSpace(e.Credential) != "" {
			server.Credential = e.Credential
		}
		if err := checkICEServer(server, mintedTURN); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func checkICEServer(server webrtc.ICEServer, mintedTURN bool) error {
	if len(server.URLs) == 0 {
		return errNoICEURLs
	}
	if bad, found := lo.Find(server.URLs, func(u string) bool { return iceScheme(u) == "" }); found {
		return fmt.Errorf("%w: %q", errUnsupportedScheme, bad)
	}
	if HasTURNURL(server) && !mintedTURN && !hasLogin(server) {
		return errTURNNeedsLogin
	}
	return nil
}

// iceScheme returns the lower-cased scheme of an ICE url, or "" when it is
// not one pion can use.
func iceScheme(url string) string {
	scheme, _, ok := strings.Cut(strings.TrimSpace(url), ":")
	if !ok {
		return ""
	}
	switch scheme = strings.ToLower(scheme); scheme {
	case "stun", "stuns", "turn", "turns":
		return scheme
	}
	return ""
}

func IsTURNURL(url string) bool {
	s := iceScheme(url)
	return s == "turn" || s == "turns"
}

// HasTURNURL reports whether any url of server is a TURN url.
func HasTURNURL(server webrtc.ICEServer) bool {
	return lo.SomeBy(server.URLs, IsTURNURL)
}

func hasLogin(server webrtc.ICEServer) bool {
	cred, _ := server.Credential.(string)
	return strings.TrimSpace(server.Username) != "" && strings.TrimSpace(cred) != ""
}

// PeerConnectionICEServers returns the ICE servers the agent's own
// PeerConnections can use. TURN entries waiting for minted credentials are
// left out; the relay hands those to participants with a login filled in.
func (c Config) PeerConnectionICEServers() []webrtc.ICEServer {
	return lo.Filter(c.ICEServers, func(s webrtc.ICEServer, _ int) bool {
		return !HasTURNURL(s) || hasLogin(s)
	})
}

func trimAll(values []string) []string {
	return lo.Compact(lo.Map(values, func(v string, _ int) string { return strings.TrimSpace(v) }))
}

func commaList(value string) []string {
	return trimAll(strings.Split(value, ","))
}
