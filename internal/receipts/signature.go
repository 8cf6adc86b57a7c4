// Package receipts authenticates and applies channel delivery receipts.
package receipts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

const SignatureHeader = "X-Chatsync-Signature"

// Sign computes the receipt signature: HMAC-SHA256 over the full callback
// URL followed by every form key and its first value in key order.
func Sign(secret, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret, fullURL, provided string, form url.Values) bool {
	if secret == "" || provided == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, fullURL, form)), []byte(provided))
}
