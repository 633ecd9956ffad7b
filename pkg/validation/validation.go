package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxIdentityLength    = 128
	MaxDisplayNameLength = 100
	MaxAvatarURLLength   = 2048
)

// ValidateIdentity checks an externally issued identity. Identities are
// opaque, so only emptiness, length and control characters are rejected.
func ValidateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("identity is required")
	}
	if len(identity) > MaxIdentityLength {
		return fmt.Errorf("identity is too long (max %d bytes)", MaxIdentityLength)
	}
	if !utf8.ValidString(identity) {
		return fmt.Errorf("identity is not valid UTF-8")
	}
	for _, r := range identity {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("identity contains whitespace or control characters")
		}
	}
	return nil
}

// ValidateDisplayName validates the profile name. An empty name is allowed.
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return fmt.Errorf("display name is too long (max %d characters)", MaxDisplayNameLength)
	}
	return nil
}

// ValidateAvatarURL validates the profile avatar reference. An empty value is allowed.
func ValidateAvatarURL(avatar string) error {
	if avatar == "" {
		return nil
	}
	if len(avatar) > MaxAvatarURLLength {
		return fmt.Errorf("avatar URL is too long (max %d characters)", MaxAvatarURLLength)
	}
	u, err := url.Parse(avatar)
	if err != nil {
		return fmt.Errorf("invalid avatar URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("avatar URL must have a host")
		}
	case "data":
	default:
		return fmt.Errorf("invalid avatar URL scheme (must be http, https, or data)")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidatePayloadSize rejects signaling payloads that are empty or larger than max bytes.
func ValidatePayloadSize(payload []byte, max int) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if max > 0 && len(payload) > max {
		return fmt.Errorf("payload is too large (%d bytes, max %d)", len(payload), max)
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
