package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
)

var secretPattern = regexp.MustCompile(`(?i)(token|secret|password|key)=([^\s&]+)`)

// RedactKey keeps enough of a paste key to correlate log lines without making it usable.
func RedactKey(key string) string {
	if len(key) <= 2 {
		return "****"
	}
	return key[:2] + "****"
}
func RedactContent(content string) string {
	if len(content) == 0 {
		return ""
	}
	if len(content) <= 20 {
		return "[REDACTED]"
	}
	return content[:6] + "...[REDACTED]"
}
func RedactSecret(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
}
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}
