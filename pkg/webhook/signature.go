package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// verifySignature checks an HMAC signature over body. The header value may
// be bare hex or carry the "sha256=" / "sha1=" prefix.
func verifySignature(body []byte, signature, secret, algorithm string) bool {
	expected, ok := computeHMAC(body, secret, algorithm)
	if !ok {
		return false
	}
	signature = strings.TrimSpace(signature)
	if !strings.Contains(signature, "=") {
		signature = algorithm + "=" + signature
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(signature)), []byte(expected)) == 1
}

// computeHMAC returns "<algorithm>=<hex digest>".
func computeHMAC(body []byte, secret, algorithm string) (string, bool) {
	var newHash func() hash.Hash
	switch algorithm {
	case "sha256":
		newHash = sha256.New
	case "sha1":
		newHash = sha1.New
	default:
		return "", false
	}
	h := hmac.New(newHash, []byte(secret))
	h.Write(body)
	return fmt.Sprintf("%s=%s", algorithm, hex.EncodeToString(h.Sum(nil))), true
}

// Sign returns the signature header value a client sends for body.
func Sign(body []byte, secret string) string {
	sig, _ := computeHMAC(body, secret, "sha256")
	return sig
}
