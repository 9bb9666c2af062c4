package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

var (
	// ErrMissingSignature indicates the signature header is absent or not in
	// the expected sha256=<hex> form.
	ErrMissingSignature = errors.New("ingest: missing or malformed signature")
	// ErrInvalidSignature indicates the signature does not match the body.
	ErrInvalidSignature = errors.New("ingest: invalid signature")
)

// Sign computes the sha256=<hex> signature for a raw body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the keyed MAC over the raw body and compares it
// against the header value in constant time.
func VerifySignature(secret, body []byte, header string) error {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" || !strings.HasPrefix(trimmed, signaturePrefix) {
		return ErrMissingSignature
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(trimmed, signaturePrefix))
	if err != nil {
		return ErrMissingSignature
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(provided, expected) {
		return ErrInvalidSignature
	}
	return nil
}
