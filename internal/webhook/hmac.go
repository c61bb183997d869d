package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
)

// VerifySignature reports whether signatureHeader is "sha256=" followed by
// the lowercase hex HMAC-SHA256 of rawBody keyed by secret. The comparison is
// constant time.
func VerifySignature(rawBody []byte, signatureHeader, secret string) bool {
	if secret == "" || !strings.HasPrefix(signatureHeader, signaturePrefix) {
		return false
	}
	expected := ComputeSignature(rawBody, secret)
	provided := strings.TrimPrefix(signatureHeader, signaturePrefix)
	return hmac.Equal([]byte(expected), []byte(provided))
}

// verifyRequest classifies a failed verification for the 401 body.
func verifyRequest(rawBody []byte, signatureHeader, secret string) error {
	if signatureHeader == "" {
		return ErrMissingSignature
	}
	if !VerifySignature(rawBody, signatureHeader, secret) {
		return ErrInvalidSignature
	}
	return nil
}

// ComputeSignature returns the hex HMAC-SHA256 of body.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue formats the header value the platform sends.
func SignatureHeaderValue(body []byte, secret string) string {
	return signaturePrefix + ComputeSignature(body, secret)
}
