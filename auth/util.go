package auth

import (
	"crypto/rand"
	"encoding/base64"
	"net/url"
	"strings"
)

// randomLength is the number of random bytes behind the state and nonce
// values: 256 bits.
const randomLength = 32

// randomString returns a URL-safe random string. It is used for both the
// OAuth state parameter and the OIDC nonce.
func randomString() (string, error) {
	b := make([]byte, randomLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidateNextURLIsLocal returns nextURL if it is a local absolute path, and
// "/" otherwise.
func ValidateNextURLIsLocal(nextURL string) string {
	// Must be relative (start with /) and not protocol-relative (// or /\,
	// which some browsers treat as //).
	if nextURL == "" || !strings.HasPrefix(nextURL, "/") || strings.HasPrefix(nextURL, "//") || strings.HasPrefix(nextURL, "/\\") {
		return "/"
	}
	// Browsers drop tabs and newlines while parsing, so "/\t/host" becomes
	// "//host". Reject all control bytes.
	for i := 0; i < len(nextURL); i++ {
		if c := nextURL[i]; c < 0x20 || c == 0x7f {
			return "/"
		}
	}
	u, err := url.Parse(nextURL)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "/"
	}
	return nextURL
}
