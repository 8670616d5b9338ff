package urlutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/netip"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"pagesift/internal/apperr"
)

// trackingExact are query parameter names dropped during normalization.
var trackingExact = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"ref":     {},
	"ref_src": {},
}

// blockedRanges covers loopback, link-local, cloud metadata, private,
// ULA, multicast, and unspecified addresses.
var blockedRanges = func() []netip.Prefix {
	cidrs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"224.0.0.0/4",
		"0.0.0.0/8",
		"::1/128",
		"::/128",
		"fe80::/10",
		"fc00::/7",
		"ff00::/8",
		"fd00:ec2::254/128",
	}
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}()

var localhostAliases = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
	"ip6-localhost":         {},
	"ip6-loopback":          {},
}

// Normalize canonicalizes a raw URL, optionally resolving it against a
// base. Scheme and host are lower-cased, IDN hosts punycoded, default
// ports elided, the path cleaned, tracking parameters removed, the
// remaining query sorted by name, and the fragment dropped. The result
// is deterministic: Normalize(Normalize(u)) == Normalize(u).
func Normalize(raw, base string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", apperr.New(apperr.CodeInvalidURL, "empty url")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInvalidURL, "parse url", err)
	}

	if base != "" && !u.IsAbs() {
		bu, err := url.Parse(base)
		if err != nil {
			return "", apperr.Wrap(apperr.CodeInvalidURL, "parse base url", err)
		}
		u = bu.ResolveReference(u)
	}

	if u.Scheme == "" {
		return "", apperr.New(apperr.CodeInvalidURL, "relative url without base")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", apperr.Newf(apperr.CodeUnsupportedScheme, "unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", apperr.New(apperr.CodeInvalidURL, "missing host")
	}

	host := strings.ToLower(u.Hostname())
	if puny, err := idna.Lookup.ToASCII(host); err == nil && puny != "" {
		host = puny
	}

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	path := normalizePath(u.EscapedPath())

	out := url.URL{Scheme: scheme, Host: host}
	if port != "" {
		out.Host = host + ":" + port
	}
	out.RawPath = path
	if un, err := url.PathUnescape(path); err == nil {
		out.Path = un
	} else {
		out.Path = path
	}
	out.RawQuery = normalizeQuery(u.Query())

	return out.String(), nil
}

// normalizePath collapses dot segments and duplicate slashes, and
// strips the trailing slash except for the bare root.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}

	segments := strings.Split(p, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}

	if len(out) == 0 {
		return "/"
	}
	return "/" + strings.Join(out, "/")
}

// normalizeQuery removes tracking parameters and stable-sorts the rest.
func normalizeQuery(values url.Values) string {
	names := make([]string, 0, len(values))
	for name := range values {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "utm_") {
			continue
		}
		if _, tracked := trackingExact[lower]; tracked {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		vals := values[name]
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			if v != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	return b.String()
}

// Hash returns the hex SHA-256 of a canonical URL, the primary cache key.
func Hash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// GuardAddr rejects addresses in the SSRF-blocked set.
func GuardAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	for _, p := range blockedRanges {
		if p.Contains(addr) {
			return apperr.Newf(apperr.CodeSSRFBlocked, "address %s is in a blocked range", addr)
		}
	}
	return nil
}

// Resolver is the DNS dependency, overridable in tests.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// CheckHost rejects hostnames that point into the blocked set, either
// as raw IP literals or after DNS resolution. Every resolved address
// must be safe; one bad address fails the whole host.
func CheckHost(ctx context.Context, resolver Resolver, host string) error {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return apperr.New(apperr.CodeInvalidURL, "empty host")
	}

	if _, alias := localhostAliases[host]; alias {
		return apperr.Newf(apperr.CodeSSRFBlocked, "host %q is a localhost alias", host)
	}

	// Raw IP literal: no DNS needed.
	if addr, err := netip.ParseAddr(host); err == nil {
		return GuardAddr(addr)
	}

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return apperr.Wrap(apperr.CodeFetchError, "resolve host "+host, err)
	}
	for _, addr := range addrs {
		if err := GuardAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

// CheckURL runs the SSRF guard for a URL's host. Used on the initial
// request and re-run per redirect hop.
func CheckURL(ctx context.Context, resolver Resolver, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidURL, "parse url", err)
	}
	return CheckHost(ctx, resolver, u.Hostname())
}

// RegistrableDomain returns the public-suffix-aware base domain used to
// classify links as internal or external. Falls back to the raw host
// for IPs and hosts without a public suffix.
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimPrefix(host, "."))
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}
