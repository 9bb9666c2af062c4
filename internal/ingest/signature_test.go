package ingest

import (
	"errors"
	"testing"
)

func TestVerifySignatureAcceptsValidMAC(t *testing.T) {
	secret := []byte("test-secret")
	body := []byte(`{"id":"evt-1"}`)

	if err := VerifySignature(secret, body, Sign(secret, body)); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	secret := []byte("test-secret")
	body := []byte(`{"id":"evt-1"}`)
	header := Sign(secret, body)

	tampered := append([]byte{}, body...)
	tampered[0] ^= 0x01

	err := VerifySignature(secret, tampered, header)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"id":"evt-1"}`)
	header := Sign([]byte("other-secret"), body)

	err := VerifySignature([]byte("test-secret"), body, header)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifySignatureMalformedHeader(t *testing.T) {
	secret := []byte("test-secret")
	body := []byte(`{"id":"evt-1"}`)

	testCases := []struct {
		name   string
		header string
	}{
		{name: "empty", header: ""},
		{name: "whitespace", header: "   "},
		{name: "missing prefix", header: "deadbeef"},
		{name: "wrong prefix", header: "sha1=deadbeef"},
		{name: "invalid hex", header: "sha256=not-hex"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := VerifySignature(secret, body, testCase.header)
			if !errors.Is(err, ErrMissingSignature) {
				t.Fatalf("expected ErrMissingSignature, got %v", err)
			}
		})
	}
}
