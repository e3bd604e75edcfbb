package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ErrUnauthorized is returned when no credential on a webhook push matches
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator checks webhook pushes against shared tokens and a source
// CIDR allow-list. Any single match admits the request.
type Authenticator struct {
	tokens     [][]byte
	prefixes   []netip.Prefix
	trustProxy bool
}

// NewAuthenticator builds an Authenticator. Entries in cidrs may be bare
// addresses.
func NewAuthenticator(tokens, cidrs []string, trustProxy bool) (*Authenticator, error) {
	a := &Authenticator{trustProxy: trustProxy}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		prefix, err := parsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook CIDR %q: %w", c, err)
		}
		a.prefixes = append(a.prefixes, prefix)
	}
	return a, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Configured reports whether any credential source is set up. An
// unconfigured gate rejects every push.
func (a *Authenticator) Configured() bool {
	return len(a.tokens) > 0 || len(a.prefixes) > 0
}

// HeaderToken returns the token carried by the Authorization header,
// X-Webhook-Token header or token query parameter, in that order
func HeaderToken(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.Header.Get("X-Webhook-Token")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// BearerToken returns the token of an Authorization: Bearer header
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// AuthenticateRequest admits r on its header/query token or source address
func (a *Authenticator) AuthenticateRequest(r *http.Request) error {
	if a.MatchToken(HeaderToken(r)) {
		return nil
	}
	if a.allowedAddr(a.ClientIP(r)) {
		return nil
	}
	return ErrUnauthorized
}

// MatchToken compares token against every configured token in constant time
func (a *Authenticator) MatchToken(token string) bool {
	if token == "" {
		return false
	}
	candidate := []byte(token)
	match := 0
	for _, t := range a.tokens {
		match |= subtle.ConstantTimeCompare(candidate, t)
	}
	return match == 1
}

func (a *Authenticator) allowedAddr(ip string) bool {
	if len(a.prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the caller's address. Forwarding headers are honored only
// when the gate sits behind a trusted proxy.
func (a *Authenticator) ClientIP(r *http.Request) string {
	if a.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
