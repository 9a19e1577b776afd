package httpapi

import (
	"fmt"
	"net"
	"net/url"
)

// validateWebhookURL implements §6's "Validates webhook URL (reject private
// CIDRs, non-HTTP(S) schemes, DNS-rebinding resolutions), unless destination
// host appears in a configured allow-list." Every resolved address is
// checked, not just the first, so a multi-A-record rebinding attempt where
// only one answer is public still fails closed.
func validateWebhookURL(raw string, allowed func(host string) bool) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook url has no host")
	}
	if allowed != nil && allowed(host) {
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve webhook host %q: %w", host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("webhook host %q did not resolve", host)
	}
	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return fmt.Errorf("webhook host %q resolves to a disallowed address %s", host, ip)
		}
	}
	return nil
}

// isDisallowedIP reports whether ip is loopback, link-local, unspecified, or
// within a private range — the set a webhook destination must not land in
// unless explicitly allow-listed.
func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsPrivate()
}
