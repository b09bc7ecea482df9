package outbox

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

var errUnsafeWebhookURL = errors.New("unsafe webhook url")

// checkWebhookURL accepts only https URLs whose host is not loopback, private or link-local.
// Hostnames are checked literally; DNS is not resolved here.
func checkWebhookURL(raw string, allowInsecure bool) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return errUnsafeWebhookURL
	}
	if allowInsecure {
		if u.Scheme != "http" && u.Scheme != "https" {
			return errUnsafeWebhookURL
		}
		return nil
	}
	if u.Scheme != "https" {
		return errUnsafeWebhookURL
	}

	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return errUnsafeWebhookURL
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
			ip.IsUnspecified() || ip.IsMulticast() {
			return errUnsafeWebhookURL
		}
	}
	return nil
}
