package util

import (
	"fmt"
	"net"
	"net/url"
)

// IPClassification is the security classification of a redirect URI host
type IPClassification int

const (
	// IPClassificationPublic is a routable address or a DNS name
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback is 127.0.0.0/8, ::1 or "localhost"
	IPClassificationLoopback
	// IPClassificationPrivate is RFC 1918 or fc00::/7
	IPClassificationPrivate
	// IPClassificationLinkLocal is 169.254.0.0/16 or fe80::/10 (cloud metadata range)
	IPClassificationLinkLocal
	// IPClassificationUnspecified is 0.0.0.0 or ::
	IPClassificationUnspecified
)

// String returns a human-readable name for the classification
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the classification of an IP address. A nil IP is unspecified.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}

// ClassifyHost classifies a URL hostname (as returned by url.URL.Hostname()).
// DNS names other than "localhost" are public.
func ClassifyHost(hostname string) IPClassification {
	if hostname == "localhost" {
		return IPClassificationLoopback
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ClassifyIP(ip)
	}
	return IPClassificationPublic
}

// RedirectURIOptions controls which redirect URIs are accepted at registration
type RedirectURIOptions struct {
	// AllowInsecureLoopback permits http:// redirect URIs on loopback hosts
	// for native apps (RFC 8252 Section 7.3)
	AllowInsecureLoopback bool

	// AllowPrivateIP permits IP-literal hosts in private ranges
	AllowPrivateIP bool
}

// ValidateRedirectURI checks a redirect URI offered at client registration.
// The URI must be absolute and carry no fragment. Plain http is only allowed on
// loopback hosts when opts permits it. Link-local and unspecified hosts are rejected.
func ValidateRedirectURI(raw string, opts RedirectURIOptions) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redirect_uri is not a valid URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("redirect_uri must be an absolute URL")
	}
	if u.Fragment != "" || u.RawFragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}

	class := ClassifyHost(u.Hostname())
	switch class {
	case IPClassificationUnspecified, IPClassificationLinkLocal:
		return fmt.Errorf("redirect_uri host is %s", class)
	case IPClassificationPrivate:
		if !opts.AllowPrivateIP {
			return fmt.Errorf("redirect_uri host is a private address")
		}
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if class == IPClassificationLoopback && opts.AllowInsecureLoopback {
			return nil
		}
		return fmt.Errorf("redirect_uri must use https")
	default:
		return fmt.Errorf("redirect_uri scheme %q is not allowed", u.Scheme)
	}
}
