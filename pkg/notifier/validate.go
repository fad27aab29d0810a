package notifier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"regexp"
)

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	itemRegex  = regexp.MustCompile(`^[A-Z]{2,5}\*[0-9]{4}$`)
)

// ValidAddress reports whether addr is a single well-formed email address.
func ValidAddress(addr string) bool {
	if len(addr) < 3 || len(addr) > 254 {
		return false
	}
	// mail.ParseAddress accepts display names and comments, so the regex pins the bare form.
	_, err := mail.ParseAddress(addr)
	return err == nil && emailRegex.MatchString(addr)
}

// ValidateAddress returns a *ValidationError for malformed addresses.
func ValidateAddress(addr string) error {
	if !ValidAddress(addr) {
		return &ValidationError{Address: addr}
	}
	return nil
}

// ValidItem reports whether item looks like SUBJ*1234.
func ValidItem(item ItemID) bool {
	return itemRegex.MatchString(string(item))
}

// Signer derives unsubscribe tokens from addresses.
type Signer struct {
	salt []byte
}

// NewSigner creates a token signer with a secret salt.
func NewSigner(salt []byte) *Signer {
	return &Signer{salt: salt}
}

// TokenFromEmail derives a deterministic, unguessable token from an email address.
func (s *Signer) TokenFromEmail(email string) string {
	h := hmac.New(sha256.New, s.salt)
	h.Write([]byte(NormalizeAddress(email)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a token against an address in constant time.
func (s *Signer) Verify(email, token string) bool {
	return hmac.Equal([]byte(s.TokenFromEmail(email)), []byte(token))
}
