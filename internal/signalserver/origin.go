package signalserver

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeOrigin validates a browser Origin value and returns it as
// scheme://host[:port] together with its host[:port] part. Default ports are
// dropped. The opaque origin "null" is returned unchanged with an empty host.
func NormalizeOrigin(raw string) (origin, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}
	// IPv6 literals must be bracketed in an authority.
	if !strings.HasPrefix(authority, "[") && strings.Count(authority, ":") > 1 {
		return "", false
	}
	if strings.HasSuffix(authority, ":") {
		return "", false
	}
	u := &url.URL{Host: authority}
	hostname, port := u.Hostname(), u.Port()
	if hostname == "" {
		return "", false
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}
	if port == "" {
		if strings.Contains(hostname, ":") {
			return "[" + hostname + "]", true
		}
		return hostname, true
	}
	return net.JoinHostPort(hostname, port), true
}

type originPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginPolicy(list []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(list))}
	for _, entry := range list {
		if strings.TrimSpace(entry) == "*" {
			p.any = true
			continue
		}
		if o, _, ok := NormalizeOrigin(entry); ok {
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

// allows reports whether r may open a signaling session. Requests without an
// Origin header come from non-browser clients and are always allowed. With no
// configured origins, the Origin host must match the request Host; the scheme
// is not compared so TLS-terminating proxies keep working.
func (p originPolicy) allows(r *http.Request) bool {
	raw := strings.TrimSpace(r.Header.Get("Origin"))
	if raw == "" {
		return true
	}
	origin, host, ok := NormalizeOrigin(raw)
	if !ok {
		return false
	}
	if p.any {
		return true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[origin]
		return ok
	}
	if origin == "null" {
		return false
	}
	scheme, _, _ := strings.Cut(origin, "://")
	reqHost, ok := canonicalHost(r.Host, scheme)
	return ok && reqHost == host
}
