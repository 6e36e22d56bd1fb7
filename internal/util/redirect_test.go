package util

import (
	"net"
	"testing"
)

func TestClassifyIP(t *testing.T) {
	tests := []struct {
		name     string
		ip       string
		expected IPClassification
	}{
		{"IPv4 unspecified", "0.0.0.0", IPClassificationUnspecified},
		{"IPv6 unspecified", "::", IPClassificationUnspecified},
		{"IPv4 loopback", "127.0.0.1", IPClassificationLoopback},
		{"IPv4 loopback range", "127.255.255.255", IPClassificationLoopback},
		{"IPv6 loopback", "::1", IPClassificationLoopback},
		{"IPv4 cloud metadata", "169.254.169.254", IPClassificationLinkLocal},
		{"IPv6 link-local", "fe80::1", IPClassificationLinkLocal},
		{"IPv4 private 10.x", "10.0.0.1", IPClassificationPrivate},
		{"IPv4 private 192.168.x", "192.168.1.1", IPClassificationPrivate},
		{"IPv6 ULA", "fd00::1", IPClassificationPrivate},
		{"IPv4 public", "8.8.8.8", IPClassificationPublic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyIP(net.ParseIP(tt.ip)); got != tt.expected {
				t.Errorf("ClassifyIP(%s) = %s, want %s", tt.ip, got, tt.expected)
			}
		})
	}
}

func TestClassifyIP_Nil(t *testing.T) {
	if got := ClassifyIP(nil); got != IPClassificationUnspecified {
		t.Errorf("ClassifyIP(nil) = %s, want unspecified", got)
	}
}

func TestClassifyHost(t *testing.T) {
	tests := []struct {
		host string
		want IPClassification
	}{
		{"localhost", IPClassificationLoopback},
		{"127.0.0.1", IPClassificationLoopback},
		{"::1", IPClassificationLoopback},
		{"app.example.com", IPClassificationPublic},
		{"169.254.169.254", IPClassificationLinkLocal},
	}

	for _, tt := range tests {
		if got := ClassifyHost(tt.host); got != tt.want {
			t.Errorf("ClassifyHost(%q) = %s, want %s", tt.host, got, tt.want)
		}
	}
}

func TestValidateRedirectURI(t *testing.T) {
	loopbackOK := RedirectURIOptions{AllowInsecureLoopback: true}

	tests := []struct {
		name    string
		uri     string
		opts    RedirectURIOptions
		wantErr bool
	}{
		{"https", "https://app.example.com/cb", RedirectURIOptions{}, false},
		{"https with query", "https://app.example.com/cb?x=1", RedirectURIOptions{}, false},
		{"http public", "http://app.example.com/cb", loopbackOK, true},
		{"http localhost allowed", "http://localhost:8080/cb", loopbackOK, false},
		{"http ipv6 loopback allowed", "http://[::1]:8080/cb", loopbackOK, false},
		{"http localhost not allowed", "http://localhost:8080/cb", RedirectURIOptions{}, true},
		{"fragment", "https://app.example.com/cb#frag", RedirectURIOptions{}, true},
		{"relative", "/cb", RedirectURIOptions{}, true},
		{"custom scheme", "myapp://cb", RedirectURIOptions{}, true},
		{"javascript", "javascript:alert(1)", RedirectURIOptions{}, true},
		{"link-local", "https://169.254.169.254/cb", RedirectURIOptions{}, true},
		{"unspecified", "https://0.0.0.0/cb", RedirectURIOptions{}, true},
		{"private denied", "https://10.0.0.5/cb", RedirectURIOptions{}, true},
		{"private allowed", "https://10.0.0.5/cb", RedirectURIOptions{AllowPrivateIP: true}, false},
		{"unparseable", "https://exa mple.com/%zz", RedirectURIOptions{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRedirectURI(tt.uri, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRedirectURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}

func TestIPClassification_String(t *testing.T) {
	if IPClassificationLinkLocal.String() != "link_local" {
		t.Errorf("String() = %s", IPClassificationLinkLocal.String())
	}
	if IPClassification(99).String() != "unknown" {
		t.Errorf("String() for unknown = %s", IPClassification(99).String())
	}
}
