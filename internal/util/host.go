package util

import (
	"net/netip"
	"strings"
)

// HostKind says what a URL hostname points at.
type HostKind int

const (
	// HostName is a DNS name other than localhost.
	HostName HostKind = iota
	HostPublic
	HostPrivate
	HostLoopback
	// HostLinkLocal covers 169.254.0.0/16 and fe80::/10, which includes
	// cloud metadata endpoints.
	HostLinkLocal
	HostUnspecified
)

func (k HostKind) String() string {
	switch k {
	case HostName:
		return "name"
	case HostPublic:
		return "public"
	case HostPrivate:
		return "private"
	case HostLoopback:
		return "loopback"
	case HostLinkLocal:
		return "link_local"
	case HostUnspecified:
		return "unspecified"
	}
	return "unknown"
}

// ClassifyHost reports the kind of a hostname as returned by url.URL.Hostname.
// Bracketed IPv6 literals and zones are accepted.
func ClassifyHost(hostname string) HostKind {
	h := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]"))
	if h == "localhost" {
		return HostLoopback
	}
	addr, err := netip.ParseAddr(h)
	if err != nil {
		return HostName
	}
	addr = addr.Unmap()
	switch {
	case addr.IsUnspecified():
		return HostUnspecified
	case addr.IsLoopback():
		return HostLoopback
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return HostLinkLocal
	case addr.IsPrivate():
		return HostPrivate
	}
	return HostPublic
}

// IsLoopbackHostname is true for localhost, 127.0.0.0/8 and ::1.
func IsLoopbackHostname(hostname string) bool {
	return ClassifyHost(hostname) == HostLoopback
}
