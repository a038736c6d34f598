package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IdentifierRegex validates node, camera, session and peer identifiers
	IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// NodeNameRegex allows hostnames and short labels
	NodeNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

	// ProfileRegex validates stream profile names
	ProfileRegex = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

// MaxSDPSize bounds an offer accepted from a browser.
const MaxSDPSize = 64 * 1024

// ValidateIdentifier validates an opaque entity identifier
func ValidateIdentifier(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateNodeName validates a node's self-reported name
func ValidateNodeName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("node name is required")
	}
	if len(name) > 63 {
		return fmt.Errorf("node name is too long (max 63 characters)")
	}
	if !NodeNameRegex.MatchString(name) {
		return fmt.Errorf("node name contains invalid characters")
	}
	return nil
}

// ValidateIP validates an IPv4 or IPv6 literal
func ValidateIP(ip string) error {
	if ip == "" {
		return fmt.Errorf("ip is required")
	}
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid ip address")
	}
	return nil
}

// ValidatePort validates a TCP/UDP port number
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be within 1-65535")
	}
	return nil
}

// ValidateProfile validates a profile name; existence is checked by the caller
func ValidateProfile(profile string) error {
	if profile == "" {
		return nil
	}
	if len(profile) > 32 || !ProfileRegex.MatchString(profile) {
		return fmt.Errorf("invalid profile name")
	}
	return nil
}

// ValidateSDP performs a cheap sanity check on a session description
func ValidateSDP(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("sdp is required")
	}
	if len(sdp) > MaxSDPSize {
		return fmt.Errorf("sdp is too large (max %d bytes)", MaxSDPSize)
	}
	if !strings.HasPrefix(sdp, "v=0") {
		return fmt.Errorf("sdp must start with v=0")
	}
	return nil
}

// ValidateURL validates an absolute URL with one of the allowed schemes
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	allowed := false
	for _, s := range schemes {
		if u.Scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid URL scheme (must be one of %s)", strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
