// Package signing implements HMAC-signed download links. A link embeds the
// logical file path plus an expiry stamp, so validity is re-derivable from the
// secret key, the link bytes, and the clock alone. No token registry exists.
package signing

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

const (
	// DownloadPrefix is the route the HTTP layer serves signed links under.
	// Clients bookmark these URLs, so the prefix must not change.
	DownloadPrefix = "/file/download/"

	// SigParam is the query parameter carrying the hex signature.
	SigParam = "sig"

	// expiryLayout renders expiry stamps at minute granularity. The coarse
	// stamp keeps links issued before a rolling upgrade verifiable after it.
	expiryLayout = "200601021504"

	// neverExpires is the literal stamp for links without a TTL. Already
	// issued permanent links carry exactly this byte, so it is load-bearing.
	neverExpires = "0"

	// payloadSep joins the file path and the expiry stamp inside the encoded
	// payload. NUL cannot occur in either half.
	payloadSep = "\x00"
)

// ErrNoSecret is returned when a Signer is constructed without a key. This is
// a deployment mistake, not a per-request condition: callers should treat it
// as fatal at startup.
var ErrNoSecret = errors.New("signing: empty HMAC secret")

// FileLocation addresses a stored artifact. Derived selects the virtual
// "derived" prefix (worker-generated artifacts) over "source" (the upload).
type FileLocation struct {
	Folder   string
	FileName string
	Derived  bool
}

// Path returns the logical path the blob store and the signer agree on.
func (l FileLocation) Path() string {
	if l.Derived {
		return l.Folder + "/derived/" + l.FileName
	}
	return l.Folder + "/source/" + l.FileName
}

// Signer generates and validates HMAC based signatures and download links.
// It is safe for concurrent use; the secret is write-once at construction.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// New creates a Signer. The secret must be non-empty.
func New(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return &Signer{secret: secret, now: time.Now}, nil
}

// Sign returns the lowercase hex HMAC-SHA3-384 of data under the secret key.
func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha3.New384, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches Sign(data). hmac.Equal performs a
// constant-time comparison so the check leaks no timing information about the
// correct signature.
func (s *Signer) Verify(data []byte, signature string) bool {
	return hmac.Equal([]byte(s.Sign(data)), []byte(signature))
}

// DownloadURL issues a signed download path for loc expiring ttl from now, at
// minute granularity. Two calls with identical inputs in the same wall-clock
// minute produce byte-identical output. A zero or negative ttl yields a link
// that is already expired.
func (s *Signer) DownloadURL(loc FileLocation, ttl time.Duration) string {
	return s.downloadURL(loc, s.now().Add(ttl).Format(expiryLayout))
}

// ExpiresAt returns the wall-clock expiry of a link issued now with ttl. It
// reads the same clock as DownloadURL, so the reported time matches the stamp
// embedded in the link.
func (s *Signer) ExpiresAt(ttl time.Duration) time.Time {
	return s.now().Add(ttl)
}

// PermanentDownloadURL issues a signed download path that never expires.
func (s *Signer) PermanentDownloadURL(loc FileLocation) string {
	return s.downloadURL(loc, neverExpires)
}

func (s *Signer) downloadURL(loc FileLocation, stamp string) string {
	payload := loc.Path() + payloadSep + stamp
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return DownloadPrefix + encoded + "?" + SigParam + "=" + s.Sign([]byte(encoded))
}

// VerifyDownloadURL checks a presented encodedPath/signature pair against the
// secret key and the current time. It returns the logical file path and true
// when the link is authentic and unexpired. Forged signatures, expired stamps,
// and malformed payloads all collapse to ("", false); the caller learns
// nothing about which check failed.
func (s *Signer) VerifyDownloadURL(encodedPath, signature string) (string, bool) {
	if !s.Verify([]byte(encodedPath), signature) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(encodedPath)
	if err != nil {
		return "", false
	}
	filePath, stamp, ok := strings.Cut(string(raw), payloadSep)
	if !ok || filePath == "" || stamp == "" {
		return "", false
	}
	if stamp == neverExpires {
		return filePath, true
	}
	now := s.now()
	expiresAt, err := time.ParseInLocation(expiryLayout, stamp, now.Location())
	if err != nil {
		return "", false
	}
	// Inclusive: a link remains usable for its entire expiry minute.
	if now.Truncate(time.Minute).After(expiresAt) {
		return "", false
	}
	return filePath, true
}
