package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"iptv-mux/work/config"
)

// LogURL returns either the original URL or a credential-masked version for logging,
// depending on the ObfuscateUrls configuration flag. Upstream URLs embed provider
// usernames and passwords in the path, so those always go through MaskUpstreamURL
// regardless of the flag; this helper covers everything else.
func LogURL(cfg *config.Config, url string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// MaskUpstreamURL masks the credential segment of an Xtream-style upstream URL
// (http://host/live/{user}/{pass}/{stream}.{fmt}) so the password never reaches
// the logs. URLs that don't follow the /live/ layout are fully obfuscated instead,
// since there is no safe way to know which segment carries the secret.
func MaskUpstreamURL(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***MASKED***"
	}

	segments := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(segments) >= 4 && segments[0] == "live" {
		segments[2] = "***"
		return u.Scheme + "://" + u.Host + "/" + strings.Join(segments, "/")
	}

	return ObfuscateURL(urlStr)
}

// ObfuscateURL masks the path, query, and fragment of a URL, keeping only the
// scheme and host visible for log correlation.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		// unparseable input, hide everything
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// RandomHex returns n random bytes from crypto/rand, hex-encoded (2n characters).
// Used for subscriber IDs (16 bytes) and session tokens (32 bytes).
func RandomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(fmt.Sprintf("rand.Read: %v", err))
	}
	return hex.EncodeToString(buf)
}

// TruncateToken shortens an opaque token for log output, keeping the first eight
// characters. Full tokens are only ever written to the database.
func TruncateToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}

// FormatBytes renders a byte count in a human-readable unit for log/status output.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
