// Package privacy removes credentials and host details from text that leaves
// the process, such as log fields and telemetry messages.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`\b(?:https?|mqtts?|tcp|ssl|tls|wss?)://\S+`)

// ScrubMessage replaces every URL in message with an anonymized token.
func ScrubMessage(message string) string {
	return urlPattern.ReplaceAllStringFunc(message, AnonymizeURL)
}

// AnonymizeURL returns a stable token derived from the scheme, host class
// and port of rawURL. Equal endpoints give equal tokens.
func AnonymizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}

	var parts []string
	if u.Scheme != "" {
		parts = append(parts, u.Scheme)
	}
	if host := u.Hostname(); host != "" {
		parts = append(parts, categorizeHost(host), host)
	}
	if u.Port() != "" {
		parts = append(parts, "port-"+u.Port())
	}
	hash := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return fmt.Sprintf("url-%s-%x", categorizeHost(u.Hostname()), hash[:6])
}

// RedactURL masks the password of rawURL and keeps everything else, so the
// result still identifies the endpoint in logs. Strings that do not parse
// as URLs are returned unchanged.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	if _, ok := u.User.Password(); ok {
		return u.Redacted()
	}
	return rawURL
}

func categorizeHost(host string) string {
	switch {
	case host == "":
		return "nohost"
	case host == "localhost" || host == "127.0.0.1" || host == "::1":
		return "localhost"
	case isPrivateIP(host):
		return "private"
	case isIPAddress(host):
		return "public"
	}
	if i := strings.LastIndexByte(host, '.'); i >= 0 && i < len(host)-1 {
		return "domain-" + host[i+1:]
	}
	return "host"
}

var privatePrefixes = []string{
	"10.", "192.168.", "169.254.",
	"172.16.", "172.17.", "172.18.", "172.19.", "172.20.", "172.21.", "172.22.", "172.23.",
	"172.24.", "172.25.", "172.26.", "172.27.", "172.28.", "172.29.", "172.30.", "172.31.",
	"fc00:", "fd", "fe80:",
}

func isPrivateIP(host string) bool {
	host = strings.ToLower(host)
	for _, prefix := range privatePrefixes {
		if strings.HasPrefix(host, prefix) && isIPAddress(host) {
			return true
		}
	}
	return false
}

var ipv4Pattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

func isIPAddress(host string) bool {
	return ipv4Pattern.MatchString(host) || strings.Contains(host, ":")
}
