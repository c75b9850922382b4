package domain

import (
	"net/netip"
	"strings"
)

// StripHostSuffix removes a single-host CIDR suffix (/32 for IPv4, /128 for IPv6)
// as returned by inet columns.
func StripHostSuffix(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.IndexByte(raw, '/'); idx >= 0 {
		switch raw[idx+1:] {
		case "32", "128":
			return raw[:idx]
		}
	}
	return raw
}

// NormalizeIP validates raw as a single IPv4 or IPv6 address and returns its
// canonical text. IPv4-mapped IPv6 addresses collapse to IPv4.
func NormalizeIP(raw string) (string, error) {
	trimmed := StripHostSuffix(raw)
	if trimmed == "" {
		return "", &ValidationError{Field: "ip", Value: raw, Reason: "empty address"}
	}
	addr, err := netip.ParseAddr(trimmed)
	if err != nil || addr.Zone() != "" {
		return "", &ValidationError{Field: "ip", Value: raw, Reason: "invalid format"}
	}
	return addr.Unmap().String(), nil
}

// ValidIP reports whether raw is a syntactically valid address.
func ValidIP(raw string) bool {
	_, err := NormalizeIP(raw)
	return err == nil
}
