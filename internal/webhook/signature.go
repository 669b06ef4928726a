package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidToken     = errors.New("INVALID_TOKEN")
	ErrBadSignature     = errors.New("BAD_SIGNATURE")
	ErrMalformedPayload = errors.New("MALFORMED_PAYLOAD")
)

const signaturePrefix = "sha256="

// VerifySignature checks an X-Hub-Signature-256 header against the raw
// body. An empty secret disables the check.
func VerifySignature(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return nil
	}
	if header == "" {
		return fmt.Errorf("%w: signature header missing", ErrBadSignature)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: invalid hex signature", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return fmt.Errorf("%w: signature mismatch", ErrBadSignature)
	}
	return nil
}

// Sign returns the header value a provider would send for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
