package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// ICE servers are configured either as a full list (webrtc.ice_servers in
// the file, LIVESTREAM_ICE_SERVERS_JSON or --ice-servers-json) or through the
// STUN/TURN shorthand. The full list wins when both are present.
const (
	envICEServersJSON = "LIVESTREAM_ICE_SERVERS_JSON"

	envStunURLs       = "LIVESTREAM_STUN_URLS"
	envTurnURLs       = "LIVESTREAM_TURN_URLS"
	envTurnUsername   = "LIVESTREAM_TURN_USERNAME"
	envTurnCredential = "LIVESTREAM_TURN_CREDENTIAL"
)

var errTURNAuth = errors.New("turn urls need both a username and a credential")

// iceServerEntry is one ICE server as written in JSON or YAML. urls may be a
// single string or a list.
type iceServerEntry struct {
	URLs       stringList `json:"urls" yaml:"urls"`
	Username   string     `json:"username,omitempty" yaml:"username"`
	Credential string     `json:"credential,omitempty" yaml:"credential"`
}

// iceSettings holds the layered raw ICE values.
type iceSettings struct {
	serversJSON    string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

func (s iceSettings) servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.serversJSON); raw != "" {
		var entries []iceServerEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("invalid %s/--ice-servers-json: %w", envICEServersJSON, err)
		}
		out := make([]webrtc.ICEServer, 0, len(entries))
		for i, e := range entries {
			server, _, err := e.resolve()
			if err != nil {
				return nil, fmt.Errorf("invalid %s/--ice-servers-json: server %d: %w", envICEServersJSON, i, err)
			}
			out = append(out, server)
		}
		return out, nil
	}

	var out []webrtc.ICEServer
	if urls := splitCommaSeparated(s.stunURLs); len(urls) > 0 {
		server, turn, err := iceServerEntry{URLs: urls}.resolve()
		if err == nil && turn {
			err = fmt.Errorf("turn url in STUN list; use %s", envTurnURLs)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid %s/--stun-urls: %w", envStunURLs, err)
		}
		out = append(out, server)
	}
	if urls := splitCommaSeparated(s.turnURLs); len(urls) > 0 {
		server, _, err := iceServerEntry{URLs: urls, Username: s.turnUsername, Credential: s.turnCredential}.resolve()
		if errors.Is(err, errTURNAuth) {
			return nil, fmt.Errorf("%s/--turn-username and %s/--turn-credential must be set with %s", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid %s/--turn-urls: %w", envTurnURLs, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// resolve checks every url with pion's STUN URI parser and reports whether
// any of them is a TURN relay.
func (e iceServerEntry) resolve() (webrtc.ICEServer, bool, error) {
	server := webrtc.ICEServer{Username: strings.TrimSpace(e.Username)}
	turn := false
	for _, raw := range e.URLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return webrtc.ICEServer{}, false, fmt.Errorf("url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			turn = true
		}
		server.URLs = append(server.URLs, raw)
	}
	if len(server.URLs) == 0 {
		return webrtc.ICEServer{}, false, errors.New("no urls")
	}
	if cred := strings.TrimSpace(e.Credential); cred != "" {
		server.Credential = cred
	}
	if turn && (server.Username == "" || server.Credential == nil) {
		return webrtc.ICEServer{}, true, errTURNAuth
	}
	return server, turn, nil
}
