// Package domain resolves user-supplied seeds to a canonical base domain
// and normalizes page URLs so the ledger keys on one spelling per page.
package domain

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/idna"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

// Site is the resolved identity of a seed.
type Site struct {
	// BaseDomain is the lowercased ASCII host without a leading "www." and
	// without a port.
	BaseDomain string
	// Host is the host as given, with port.
	Host string
	// SeedURL is the normalized seed.
	SeedURL string
}

// Resolve turns a seed such as "www.Example.com/docs" into its Site. A
// missing scheme defaults to https.
func Resolve(input string) (Site, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Site{}, fmt.Errorf("%w: empty seed", corpus.ErrInvalidInput)
	}
	if strings.ContainsAny(raw, " \t\n") {
		return Site{}, fmt.Errorf("%w: malformed seed %q", corpus.ErrInvalidInput, raw)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	seed, err := NormalizeURL(raw)
	if err != nil {
		return Site{}, err
	}
	parsed, err := url.Parse(seed)
	if err != nil {
		return Site{}, fmt.Errorf("%w: %v", corpus.ErrInvalidInput, err)
	}
	base := baseOf(parsed.Hostname())
	if base == "" {
		return Site{}, fmt.Errorf("%w: seed %q has no host", corpus.ErrInvalidInput, input)
	}
	if !strings.Contains(base, ".") && net.ParseIP(base) == nil && base != "localhost" {
		return Site{}, fmt.Errorf("%w: %q is not a domain", corpus.ErrInvalidInput, base)
	}
	return Site{BaseDomain: base, Host: parsed.Host, SeedURL: seed}, nil
}

// NormalizeURL canonicalizes an absolute http(s) URL: lowercase scheme and
// host, punycode host, no fragment, no trailing slash except the root path,
// sorted query parameters.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty url", corpus.ErrInvalidInput)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", corpus.ErrInvalidInput, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme in %q", corpus.ErrInvalidInput, raw)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host in %q", corpus.ErrInvalidInput, raw)
	}

	host, err := idna.Lookup.ToASCII(strings.ToLower(parsed.Hostname()))
	if err != nil {
		return "", fmt.Errorf("%w: host %q: %v", corpus.ErrInvalidInput, parsed.Hostname(), err)
	}
	if port := parsed.Port(); port != "" && !defaultPort(scheme, port) {
		host = net.JoinHostPort(host, port)
	}

	parsed.Scheme = scheme
	parsed.Host = host
	parsed.User = nil
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	parsed.RawQuery = sortedQuery(parsed.Query())
	parsed.ForceQuery = false
	return parsed.String(), nil
}

// SameSite reports whether raw belongs to baseDomain exactly. The www.
// variant matches; any other subdomain does not.
func SameSite(baseDomain, raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host, err := idna.Lookup.ToASCII(strings.ToLower(parsed.Hostname()))
	if err != nil {
		return false
	}
	return host != "" && baseOf(host) == baseDomain
}

// PathOf returns the path of raw, "/" when empty.
func PathOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Path == "" {
		return "/"
	}
	return parsed.Path
}

func baseOf(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return strings.TrimPrefix(host, "www.")
}

func defaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

func sortedQuery(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	for _, k := range keys {
		vals := params[k]
		sort.Strings(vals)
		for _, v := range vals {
			if buf.Len() > 0 {
				buf.WriteByte('&')
			}
			buf.WriteString(url.QueryEscape(k))
			buf.WriteByte('=')
			buf.WriteString(url.QueryEscape(v))
		}
	}
	return buf.String()
}
